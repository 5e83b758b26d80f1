// Package gateway implements the Platform Pump: the per-transport outbound
// connection that ingests channel events, normalizes them into
// (user, text, context), and dispatches them through the Session Manager
// and Agent Loop before relaying the reply back out.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencellcw/agentcore/internal/agent"
	"github.com/opencellcw/agentcore/internal/channels"
	"github.com/opencellcw/agentcore/internal/infra"
	"github.com/opencellcw/agentcore/internal/ratelimit"
	"github.com/opencellcw/agentcore/internal/security"
	"github.com/opencellcw/agentcore/internal/sessions"
	"github.com/opencellcw/agentcore/internal/typing"
	"github.com/opencellcw/agentcore/pkg/models"
)

// PumpConfig bounds the Platform Pump's admission and scoping behavior.
type PumpConfig struct {
	// DefaultAgentID is folded into every session key; the Pump serves a
	// single agent per process.
	DefaultAgentID string

	// MaxInFlightPerUser caps how many runs of a single sender's messages
	// may be in the Agent Loop at once. Default 1 (strictly serial).
	MaxInFlightPerUser int

	// QueuePerUser bounds how many further messages from the same sender
	// may wait for a free slot before the Pump refuses with "busy".
	QueuePerUser int

	// MaxInFlightTotal caps concurrent Agent Loop runs across every
	// transport and sender.
	MaxInFlightTotal int

	// SlackScope is "channel" or "thread": whether a Slack thread reply
	// shares its parent channel's session or gets its own.
	SlackScope string

	// DiscordScope is "channel" or "thread", same meaning for Discord.
	DiscordScope string

	// TypingEnabled emits a typing indicator, refreshed periodically,
	// while the Agent Loop is processing a message on transports that
	// support it.
	TypingEnabled bool

	// TypingInterval is how often the typing indicator is re-sent while a
	// run is active (most transports expire it after a few seconds).
	TypingInterval time.Duration

	// BusyMessage is sent back to a sender whose queue is full.
	BusyMessage string

	// AbortMessage is sent back to a sender whose turn aborted (no
	// provider available, auth failure, session-store failure, or any
	// other fatal error) instead of leaving the message unanswered.
	AbortMessage string

	// RateLimitCost is the token cost charged against the Rate Limiter per
	// inbound message.
	RateLimitCost int
}

// DefaultPumpConfig returns serial per-user processing, a small per-user
// queue, a generous total cap, Slack scoped by thread, Discord scoped by
// channel, and typing indicators on.
func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		DefaultAgentID:     "default",
		MaxInFlightPerUser: 1,
		QueuePerUser:       4,
		MaxInFlightTotal:   64,
		SlackScope:         "thread",
		DiscordScope:       "channel",
		TypingEnabled:      true,
		TypingInterval:     4 * time.Second,
		BusyMessage:        "Still working on your last message — one moment.",
		AbortMessage:       "Sorry, I couldn't process that. Please try again in a moment.",
		RateLimitCost:      1,
	}
}

// userSlot is the admission-control state for one sender: a buffered
// channel acting as a combined running+queued semaphore, sized
// MaxInFlightPerUser, plus an atomic count of callers currently waiting on
// it so the Pump can refuse once QueuePerUser is exceeded.
type userSlot struct {
	sem    chan struct{}
	queued int32
}

// Pump is the Platform Pump: it fans in every registered channel adapter's
// inbound stream, runs each message through the Rate Limiter, the
// Sanitizer, and the Agent Loop in turn, and relays the reply back out
// through the originating adapter, chunked to its transport limit.
type Pump struct {
	*infra.BaseComponent
	config     PumpConfig
	channels   *channels.Registry
	limiter    *ratelimit.Admitter
	sanitizer  *security.Sanitizer
	sessionMgr *sessions.Manager
	loop       *agent.Loop

	totalSem chan struct{}

	usersMu sync.Mutex
	users   map[string]*userSlot

	wg sync.WaitGroup
}

// New builds a Pump over the given channel Registry, Rate Limiter,
// Sanitizer, Session Manager, and Agent Loop.
func New(config PumpConfig, registry *channels.Registry, limiter *ratelimit.Admitter, sanitizer *security.Sanitizer, sessionMgr *sessions.Manager, loop *agent.Loop) *Pump {
	if config.DefaultAgentID == "" {
		config.DefaultAgentID = "default"
	}
	if config.MaxInFlightPerUser <= 0 {
		config.MaxInFlightPerUser = 1
	}
	if config.MaxInFlightTotal <= 0 {
		config.MaxInFlightTotal = 64
	}
	if config.TypingInterval <= 0 {
		config.TypingInterval = 4 * time.Second
	}
	if config.SlackScope == "" {
		config.SlackScope = "thread"
	}
	if config.DiscordScope == "" {
		config.DiscordScope = "channel"
	}
	if config.BusyMessage == "" {
		config.BusyMessage = "Still working on your last message — one moment."
	}
	if config.AbortMessage == "" {
		config.AbortMessage = "Sorry, I couldn't process that. Please try again in a moment."
	}
	if config.RateLimitCost <= 0 {
		config.RateLimitCost = 1
	}
	return &Pump{
		BaseComponent: infra.NewBaseComponent("platform-pump", nil),
		config:        config,
		channels:      registry,
		limiter:       limiter,
		sanitizer:     sanitizer,
		sessionMgr:    sessionMgr,
		loop:          loop,
		totalSem:      make(chan struct{}, config.MaxInFlightTotal),
		users:         make(map[string]*userSlot),
	}
}

// Start starts every registered channel adapter and begins draining their
// aggregated inbound stream in the background. It returns once adapters
// have started; ingestion runs until ctx is cancelled or Stop is called.
func (p *Pump) Start(ctx context.Context) error {
	if !p.TransitionTo(infra.ComponentStateNew, infra.ComponentStateStarting) {
		return nil
	}
	if err := p.channels.StartAll(ctx); err != nil {
		p.SetState(infra.ComponentStateFailed)
		return fmt.Errorf("start channel adapters: %w", err)
	}

	p.wg.Add(1)
	go p.drain(ctx)

	p.SetState(infra.ComponentStateRunning)
	return nil
}

// Stop stops every channel adapter and waits for in-flight runs to finish
// draining.
func (p *Pump) Stop(ctx context.Context) error {
	if !p.TransitionTo(infra.ComponentStateRunning, infra.ComponentStateStopping) {
		return nil
	}
	err := p.channels.StopAll(ctx)
	p.wg.Wait()
	p.SetState(infra.ComponentStateStopped)
	return err
}

// drain consumes the fanned-in adapter stream and dispatches each message
// to handle under the Pump's admission control, until the stream closes.
func (p *Pump) drain(ctx context.Context) {
	defer p.wg.Done()
	for msg := range p.channels.AggregateMessages(ctx) {
		p.admit(ctx, msg)
	}
}

// admit applies per-sender and total back-pressure: a sender already at
// MaxInFlightPerUser running messages queues up to QueuePerUser further
// ones, and anything beyond that is refused with BusyMessage rather than
// processed.
func (p *Pump) admit(ctx context.Context, msg *models.Message) {
	if msg.Direction != models.DirectionInbound || msg.Role != models.RoleUser {
		return
	}
	if msg.Content == "" {
		return
	}

	key := senderKey(msg)
	slot := p.userSlotFor(key)

	queued := atomic.AddInt32(&slot.queued, 1)
	if int(queued) > p.config.MaxInFlightPerUser+p.config.QueuePerUser {
		atomic.AddInt32(&slot.queued, -1)
		p.sendBusy(ctx, msg)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer atomic.AddInt32(&slot.queued, -1)

		select {
		case slot.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-slot.sem }()

		select {
		case p.totalSem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.totalSem }()

		p.process(ctx, msg)
	}()
}

func (p *Pump) userSlotFor(key string) *userSlot {
	p.usersMu.Lock()
	defer p.usersMu.Unlock()
	slot, ok := p.users[key]
	if !ok {
		slot = &userSlot{sem: make(chan struct{}, p.config.MaxInFlightPerUser)}
		p.users[key] = slot
	}
	return slot
}

// process runs the full inbound pipeline for one message: admission onto
// the Rate Limiter, sanitization, session open, Agent Loop run, and reply
// relay.
func (p *Pump) process(ctx context.Context, msg *models.Message) {
	key := senderKey(msg)

	if p.limiter != nil {
		decision := p.limiter.Admit(key, "chat", p.config.RateLimitCost, "")
		if !decision.Allowed {
			p.Logger().Warn("rate limited inbound message", "sender", key, "retry_after", decision.RetryAfter)
			return
		}
	}

	if p.sanitizer != nil {
		if verdict := p.sanitizer.ScanText(msg.Content); verdict.Blocked {
			p.Logger().Warn("inbound message blocked by sanitizer", "sender", key, "reason", verdict.Reason)
			return
		}
	}

	conversationID := resolveConversationID(msg, p.config.SlackScope, p.config.DiscordScope)
	sessionKey := sessions.SessionKey(p.config.DefaultAgentID, msg.Channel, conversationID)

	handle, err := p.sessionMgr.Open(ctx, sessionKey)
	if err != nil {
		p.Logger().Error("failed to open session", "sender", key, "error", err)
		return
	}

	var stopTyping func()
	if p.config.TypingEnabled {
		stopTyping = p.startTyping(ctx, msg)
	}

	reply, err := p.loop.Run(ctx, handle, key, msg.Content)

	if stopTyping != nil {
		stopTyping()
	}

	if closeErr := p.sessionMgr.Close(ctx, handle); closeErr != nil {
		p.Logger().Warn("failed to close session", "session_key", sessionKey, "error", closeErr)
	}

	if err != nil {
		p.Logger().Error("agent loop run failed", "sender", key, "error", err)
		p.sendAbort(ctx, msg)
		return
	}

	content, suppressed, reason := normalizeReplyContent(reply)
	if suppressed {
		p.Logger().Debug("reply suppressed", "sender", key, "reason", reason)
		return
	}

	p.sendReply(ctx, msg, content)
}

// sendReply chunks content to the originating channel's transport limit
// and sends each piece through its outbound adapter, carrying forward the
// inbound message's routing metadata (channel/thread identifiers) so the
// adapter replies into the same place the message came from.
func (p *Pump) sendReply(ctx context.Context, source *models.Message, content string) {
	outbound, ok := p.channels.GetOutbound(source.Channel)
	if !ok {
		p.Logger().Warn("no outbound adapter for channel", "channel", source.Channel)
		return
	}

	chunker := channels.NewMessageChunker(0)
	if adapter, ok := p.channels.Get(source.Channel); ok {
		if capable, ok := adapter.(channels.MessageActionsAdapter); ok {
			chunker = channels.ChunkerFromCapabilities(capable.Capabilities())
		}
	}

	for _, chunk := range chunker.Chunk(content) {
		reply := &models.Message{
			SessionID: source.SessionID,
			Channel:   source.Channel,
			ChannelID: source.ChannelID,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   chunk,
			Metadata:  source.Metadata,
			CreatedAt: time.Now(),
		}
		if err := outbound.Send(ctx, reply); err != nil {
			p.Logger().Error("failed to send reply", "channel", source.Channel, "error", err)
			return
		}
	}
}

// sendAbort relays AbortMessage back through the originating adapter when a
// user's turn aborts, so an agent loop failure never leaves the sender with
// silence and never echoes the underlying error text.
func (p *Pump) sendAbort(ctx context.Context, source *models.Message) {
	p.sendReply(ctx, source, p.config.AbortMessage)
}

// sendBusy relays BusyMessage back through the originating adapter without
// touching the session, the Rate Limiter, or the Agent Loop.
func (p *Pump) sendBusy(ctx context.Context, source *models.Message) {
	p.sendReply(ctx, source, p.config.BusyMessage)
}

// startTyping emits a typing indicator and keeps refreshing it on
// TypingInterval until the returned stop function is called. Channels
// whose adapter doesn't implement channels.MessageActionsAdapter, or
// whose capabilities don't include typing, are silently skipped.
func (p *Pump) startTyping(ctx context.Context, msg *models.Message) func() {
	adapter, ok := p.channels.Get(msg.Channel)
	if !ok {
		return nil
	}
	actionable, ok := adapter.(channels.MessageActionsAdapter)
	if !ok || !actionable.Capabilities().Typing {
		return nil
	}

	channelID := platformChannelID(msg)
	if channelID == "" {
		return nil
	}

	intervalSeconds := int(p.config.TypingInterval / time.Second)
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	controller := typing.NewTypingController(&typing.TypingControllerConfig{
		TypingIntervalSeconds: intervalSeconds,
		TypingTTLMs:           int(p.config.TypingInterval.Milliseconds()) * 150,
		OnReplyStart: func() {
			if _, err := actionable.ExecuteAction(ctx, &channels.MessageActionRequest{
				Action:    channels.ActionTyping,
				ChannelID: channelID,
			}); err != nil {
				p.Logger().Debug("typing indicator failed", "channel", msg.Channel, "error", err)
			}
		},
	})
	controller.OnReplyStart()
	controller.StartTypingLoop()

	return func() {
		controller.MarkRunComplete()
		controller.MarkDispatchIdle()
	}
}

// senderKey identifies the sender of an inbound message for rate-limiting
// and per-user admission, scoped by channel so the same platform user ID
// on two transports never collides.
func senderKey(msg *models.Message) string {
	return string(msg.Channel) + ":" + platformSenderID(msg)
}

// platformSenderID extracts the platform-specific sender identifier from
// message metadata, following each adapter's own key naming. Falls back to
// ChannelID when no recognized key is present.
func platformSenderID(msg *models.Message) string {
	for _, key := range []string{"slack_user_id", "discord_user_id", "mattermost_user_id", "sender_id", "user_id", "peer_id"} {
		if v, ok := msg.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return msg.ChannelID
}

// platformChannelID extracts the platform-specific channel identifier used
// to address message actions (typing, etc.), following each adapter's own
// metadata key naming.
func platformChannelID(msg *models.Message) string {
	switch msg.Channel {
	case models.ChannelSlack:
		if v, ok := msg.Metadata["slack_channel"].(string); ok {
			return v
		}
	case models.ChannelDiscord:
		if v, ok := msg.Metadata["discord_channel_id"].(string); ok {
			return v
		}
	case models.ChannelMattermost:
		if v, ok := msg.Metadata["mattermost_channel_id"].(string); ok {
			return v
		}
	}
	return msg.ChannelID
}

// resolveConversationID derives the session-scoping conversation ID for an
// inbound message. Slack and Discord support scoping a thread reply either
// into its parent channel's session or its own, per slackScope/
// discordScope ("channel" or "thread"); every other channel scopes by its
// ChannelID.
func resolveConversationID(msg *models.Message, slackScope, discordScope string) string {
	switch msg.Channel {
	case models.ChannelSlack:
		channel, _ := msg.Metadata["slack_channel"].(string)
		threadTS, _ := msg.Metadata["slack_thread_ts"].(string)
		if slackScope == "thread" && threadTS != "" {
			return channel + ":" + threadTS
		}
		if channel != "" {
			return channel
		}
		return msg.ChannelID
	case models.ChannelDiscord:
		channelID, _ := msg.Metadata["discord_channel_id"].(string)
		threadID, _ := msg.Metadata["discord_thread_id"].(string)
		if discordScope == "thread" && threadID != "" {
			return threadID
		}
		if channelID != "" {
			return channelID
		}
		return msg.ChannelID
	default:
		return msg.ChannelID
	}
}
