package sessions

import "github.com/opencellcw/agentcore/pkg/models"

// SessionKey builds the stable composite key a Platform Pump adapter uses to
// look up or create a session for an inbound message, before handing the
// result to Manager.Open.
func SessionKey(agentID string, channel models.ChannelType, channelID string) string {
	return agentID + ":" + string(channel) + ":" + channelID
}
