package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/opencellcw/agentcore/internal/agent"
	agentproviders "github.com/opencellcw/agentcore/internal/agent/providers"
	"github.com/opencellcw/agentcore/internal/audit"
	"github.com/opencellcw/agentcore/internal/cache"
	"github.com/opencellcw/agentcore/internal/channels"
	"github.com/opencellcw/agentcore/internal/channels/discord"
	"github.com/opencellcw/agentcore/internal/channels/mattermost"
	"github.com/opencellcw/agentcore/internal/channels/slack"
	"github.com/opencellcw/agentcore/internal/channels/telegram"
	"github.com/opencellcw/agentcore/internal/channels/whatsapp"
	"github.com/opencellcw/agentcore/internal/config"
	"github.com/opencellcw/agentcore/internal/gateway"
	modelcatalog "github.com/opencellcw/agentcore/internal/models"
	"github.com/opencellcw/agentcore/internal/observability"
	"github.com/opencellcw/agentcore/internal/providers/venice"
	"github.com/opencellcw/agentcore/internal/ratelimit"
	"github.com/opencellcw/agentcore/internal/router"
	"github.com/opencellcw/agentcore/internal/security"
	"github.com/opencellcw/agentcore/internal/sessions"
	"github.com/opencellcw/agentcore/internal/storage"
	"github.com/opencellcw/agentcore/internal/tools"
	"github.com/opencellcw/agentcore/internal/tools/policy"
	"github.com/opencellcw/agentcore/pkg/models"
)

// runtime is the wired set of gateway components a running process needs,
// built once from config and shared by the serve and doctor subcommands.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	stores  storage.StoreSet
	cache   *cache.Cache
	admit   *ratelimit.Admitter
	pipe    *security.Pipeline
	router  *router.Router
	loop    *agent.Loop
	pump    *gateway.Pump
	channel *channels.Registry
	gate    *security.ToolGate
	watcher *config.Watcher
}

// buildRuntime wires every gateway component from cfg and starts a config
// file watcher that hot-reloads the tool approval allowlist/denylist on
// change. Callers must call Close to release the underlying stores and
// stop the watcher.
func buildRuntime(configPath string, cfg *config.Config) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	stores, err := buildStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("build stores: %w", err)
	}

	c := cache.New(cache.Config{}, nil)

	admitter := ratelimit.NewAdmitter(cfg.RateLimit.Default, cfg.RateLimit.Routes)

	sessionStore := storage.NewMemorySessionStore()
	invocations := storage.NewMemoryToolInvocationLog()
	sessionMgr := sessions.New(sessions.Config{
		FlushThreshold: 20,
		FlushIdle:      30 * time.Second,
		MaxIdleAge:     24 * time.Hour,
		SweepInterval:  "@every 1m",
	}, sessionStore, invocations)

	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, tools.DefaultExecutorConfig())
	if cfg.Observability.Audit.Enabled {
		auditor, err := audit.NewLogger(cfg.Observability.Audit)
		if err != nil {
			return nil, fmt.Errorf("build audit logger: %w", err)
		}
		executor = executor.WithAuditor(auditor)
	}

	pipe, gate := buildSecurityPipeline(cfg)
	watcher := config.NewWatcher(configPath, func(reloaded *config.Config) {
		gate.SetPolicy(toolPolicyFromConfig(reloaded))
	})

	r := buildRouter(cfg, c)

	trust := policy.TrustTOFU
	loop := agent.New(agent.DefaultLoopConfig(), sessionMgr, r, registry, executor, pipe, trust)

	channelRegistry := buildChannelRegistry(cfg)

	pump := gateway.New(gateway.PumpConfig{
		DefaultAgentID:   cfg.Session.DefaultAgentID,
		SlackScope:       cfg.Session.SlackScope,
		DiscordScope:     cfg.Session.DiscordScope,
		MaxInFlightPerUser: 1,
		QueuePerUser:       4,
		MaxInFlightTotal:   64,
		TypingEnabled:      true,
		TypingInterval:     4 * time.Second,
		BusyMessage:        "still working on your last message, one moment",
	}, channelRegistry, admitter, security.NewSanitizer(), sessionMgr, loop)

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		stores:  stores,
		cache:   c,
		admit:   admitter,
		pipe:    pipe,
		router:  r,
		loop:    loop,
		pump:    pump,
		channel: channelRegistry,
		gate:    gate,
		watcher: watcher,
	}, nil
}

// WatchConfig starts the runtime's config file watcher. It runs until ctx
// is cancelled.
func (rt *runtime) WatchConfig(ctx context.Context) error {
	return rt.watcher.Start(ctx)
}

func (rt *runtime) Close() error {
	rt.watcher.Stop()
	return rt.stores.Close()
}

func buildStores(cfg *config.Config) (storage.StoreSet, error) {
	if cfg.Database.URL == "" {
		return storage.NewMemoryStores(), nil
	}
	return storage.NewCockroachStoresFromDSN(cfg.Database.URL, storage.DefaultCockroachConfig())
}

// toolPolicyFromConfig builds a fresh Policy for the configured approval
// profile plus its explicit allow/deny overrides. GetProfilePolicy returns
// the package's shared profile object, so the base policy is copied before
// the overrides are appended to avoid mutating it across reloads.
func toolPolicyFromConfig(cfg *config.Config) *policy.Policy {
	base := policy.GetProfilePolicy(cfg.Tools.Execution.Approval.Profile)
	if base == nil {
		base = policy.NewPolicy(policy.ProfileMinimal)
	}
	p := &policy.Policy{
		Profile:    base.Profile,
		Allow:      append([]string{}, base.Allow...),
		Deny:       append([]string{}, base.Deny...),
		ByProvider: base.ByProvider,
	}
	p.Allow = append(p.Allow, cfg.Tools.Execution.Approval.Allowlist...)
	p.Deny = append(p.Deny, cfg.Tools.Execution.Approval.Denylist...)
	return p
}

// buildSecurityPipeline wires the Security Pipeline's five filters in
// order. The returned ToolGate is exposed separately so callers can hot-
// swap its allow/deny policy (e.g. from a config file watch) without
// rebuilding the whole pipeline.
func buildSecurityPipeline(cfg *config.Config) (*security.Pipeline, *security.ToolGate) {
	resolver := policy.NewResolver()
	gate := security.NewToolGate(resolver, toolPolicyFromConfig(cfg))

	sanitizer := security.NewSanitizer()
	pattern := security.NewPatternVetter()
	guard := security.NewExecutorGuard(4, cfg.Tools.Execution.Timeout, nil)

	return security.NewPipeline(sanitizer, gate, pattern, nil, guard), gate
}

// defaultModelFor returns configured when set, otherwise the catalog's
// flagship model for provider (falling back to fallback when the catalog
// has no flagship entry for it — e.g. a provider added to config before
// its models are cataloged).
func defaultModelFor(provider modelcatalog.Provider, configured, fallback string) string {
	if configured != "" {
		return configured
	}
	if candidates := modelcatalog.List(&modelcatalog.Filter{
		Providers: []modelcatalog.Provider{provider},
		Tiers:     []modelcatalog.Tier{modelcatalog.TierFlagship},
	}); len(candidates) > 0 {
		return candidates[0].ID
	}
	return fallback
}

// buildRouter registers every LLM backend with credentials configured, plus
// Venice when credentials are present, ranked by the Router under cfg's
// classifier defaults.
func buildRouter(cfg *config.Config, c *cache.Cache) *router.Router {
	var entries []router.ProviderEntry

	if llmCfg, ok := cfg.LLM.Providers["anthropic"]; ok && llmCfg.APIKey != "" {
		if p, err := agentproviders.NewAnthropicProvider(agentproviders.AnthropicConfig{
			APIKey:  llmCfg.APIKey,
			BaseURL: llmCfg.BaseURL,
		}); err == nil {
			model := defaultModelFor(modelcatalog.ProviderAnthropic, llmCfg.DefaultModel, "claude-sonnet-4-5")
			entries = append(entries, router.ProviderEntry{
				Info: router.ProviderInfo{
					Name:          "anthropic",
					Model:         model,
					Tier:          models.TaskReasoning,
					SupportsTools: true,
				},
				Provider: router.NewAgentProviderAdapter(p, model),
			})
		}
	}

	if llmCfg, ok := cfg.LLM.Providers["openai"]; ok && llmCfg.APIKey != "" {
		p := agentproviders.NewOpenAIProvider(llmCfg.APIKey)
		model := defaultModelFor(modelcatalog.ProviderOpenAI, llmCfg.DefaultModel, "gpt-4o")
		entries = append(entries, router.ProviderEntry{
			Info: router.ProviderInfo{
				Name:          "openai",
				Model:         model,
				Tier:          models.TaskReasoning,
				SupportsTools: true,
			},
			Provider: router.NewAgentProviderAdapter(p, model),
		})
	}

	if llmCfg, ok := cfg.LLM.Providers["google"]; ok && llmCfg.APIKey != "" {
		if p, err := agentproviders.NewGoogleProvider(agentproviders.GoogleConfig{
			APIKey: llmCfg.APIKey,
		}); err == nil {
			model := defaultModelFor(modelcatalog.ProviderGoogle, llmCfg.DefaultModel, "gemini-2.0-flash")
			entries = append(entries, router.ProviderEntry{
				Info: router.ProviderInfo{
					Name:          "google",
					Model:         model,
					Tier:          models.TaskChat,
					SupportsTools: true,
				},
				Provider: router.NewAgentProviderAdapter(p, model),
			})
		}
	}

	if llmCfg, ok := cfg.LLM.Providers["venice"]; ok && llmCfg.APIKey != "" {
		if vp, err := venice.NewVeniceProvider(venice.VeniceConfig{
			APIKey:       llmCfg.APIKey,
			DefaultModel: llmCfg.DefaultModel,
			BaseURL:      llmCfg.BaseURL,
		}); err == nil {
			model := llmCfg.DefaultModel
			if model == "" {
				model = "llama-3.3-70b"
			}
			entries = append(entries, router.ProviderEntry{
				Info: router.ProviderInfo{
					Name:          "venice",
					Model:         model,
					Tier:          models.TaskChat,
					SupportsTools: vp.SupportsTools(),
				},
				Provider: router.NewAgentProviderAdapter(vp, model),
			})
		}
	}

	return router.New(router.Config{}, c, entries)
}

func buildChannelRegistry(cfg *config.Config) *channels.Registry {
	registry := channels.NewRegistry()

	if cfg.Channels.Telegram.Enabled {
		if a, err := telegram.NewAdapter(telegram.Config{Token: cfg.Channels.Telegram.BotToken}); err == nil {
			registry.Register(a)
		}
	}
	if cfg.Channels.Discord.Enabled {
		if a, err := discord.NewAdapter(discord.Config{Token: cfg.Channels.Discord.BotToken}); err == nil {
			registry.Register(a)
		}
	}
	if cfg.Channels.Slack.Enabled {
		registry.Register(slack.NewAdapter(slack.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
		}))
	}
	if cfg.Channels.WhatsApp.Enabled {
		if a, err := whatsapp.New(&whatsapp.Config{
			Enabled:      true,
			SessionPath:  cfg.Channels.WhatsApp.SessionPath,
			MediaPath:    cfg.Channels.WhatsApp.MediaPath,
			SyncContacts: cfg.Channels.WhatsApp.SyncContacts,
		}, nil); err == nil {
			registry.Register(a)
		}
	}
	if cfg.Channels.Mattermost.Enabled {
		if a, err := mattermost.NewAdapter(mattermost.Config{
			ServerURL: cfg.Channels.Mattermost.ServerURL,
			Token:     cfg.Channels.Mattermost.Token,
			Username:  cfg.Channels.Mattermost.Username,
			Password:  cfg.Channels.Mattermost.Password,
			TeamName:  cfg.Channels.Mattermost.TeamName,
			RateLimit: cfg.Channels.Mattermost.RateLimit,
			RateBurst: cfg.Channels.Mattermost.RateBurst,
		}); err == nil {
			registry.Register(a)
		}
	}

	return registry
}

// openDB opens the gateway's SQL database for the migrate subcommand,
// which operates against the same DSN serve uses for session/user storage.
func openDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is not configured")
	}
	return sql.Open("postgres", cfg.Database.URL)
}
