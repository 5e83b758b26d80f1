package router

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/opencellcw/agentcore/internal/cache"
	"github.com/opencellcw/agentcore/internal/usage"
	"github.com/opencellcw/agentcore/pkg/models"
)

// candidate pairs a registered Provider with the static info used to rank
// and filter it.
type candidate struct {
	info     ProviderInfo
	provider Provider
}

// ProviderEntry registers one provider with the static info the Router
// ranks it by.
type ProviderEntry struct {
	Info     ProviderInfo
	Provider Provider
}

// Config configures a Router.
type Config struct {
	Classifier    Classifier
	Breaker       BreakerConfig
	RetryBackoff  time.Duration
	DefaultTTL    time.Duration
}

// Router is the LLM Router: classify, rank providers by task, quality
// floor and cost ceiling, consult the cache, and fail over across the
// ranked list on transient or rate-limited errors.
type Router struct {
	config     Config
	cache      *cache.Cache
	breaker    *breaker
	candidates []candidate
	usage      *usage.Tracker
}

// New constructs a Router over the given cache (nil disables caching
// entirely) and provider pool.
func New(cfg Config, c *cache.Cache, providers []ProviderEntry) *Router {
	if cfg.Classifier == nil {
		cfg.Classifier = HeuristicClassifier{}
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	cands := make([]candidate, len(providers))
	for i, p := range providers {
		cands[i] = candidate{info: p.Info, provider: p.Provider}
	}
	return &Router{
		config:     cfg,
		cache:      c,
		breaker:    newBreaker(cfg.Breaker),
		candidates: cands,
		usage:      usage.NewTracker(usage.DefaultTrackerConfig()),
	}
}

// UsageSummary returns token/cost totals recorded against every live
// (non-cache-hit) Generate call so far, keyed by "provider:model".
func (r *Router) UsageSummary() map[string]*usage.Usage {
	return r.usage.GetSummary()
}

// Register adds a provider to the pool after construction (used for
// providers wired in after startup config, e.g. from a reloaded registry).
func (r *Router) Register(info ProviderInfo, p Provider) {
	r.candidates = append(r.candidates, candidate{info: info, provider: p})
}

// rank returns the candidates eligible for req's classified task, ordered
// cheapest-first among those that clear the quality floor, support tools
// when the request carries any, respect the cost ceiling, and whose
// circuit breaker is currently closed.
func (r *Router) rank(task models.TaskClass, req models.LLMRequest) []candidate {
	hasTools := len(req.Tools) > 0
	var out []candidate
	for _, c := range r.candidates {
		if hasTools && !c.info.SupportsTools {
			continue
		}
		if !meetsFloor(c.info.Tier, req.QualityFloor) {
			continue
		}
		if req.CostCeiling > 0 && c.info.CostPerOutputToken > req.CostCeiling {
			continue
		}
		if !r.breaker.available(c.info.Name) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].info.CostPerOutputToken < out[j].info.CostPerOutputToken
	})
	return out
}

func fingerprintFor(req models.LLMRequest, model string) string {
	msgs := make([]cache.FingerprintMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = cache.FingerprintMessage{Role: string(m.Role), Content: m.Content}
	}
	return cache.Fingerprint(cache.FingerprintInput{
		Model:     model,
		System:    req.System,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	})
}

// Generate classifies req, ranks providers, consults the cache for each
// candidate in turn, and calls the first healthy one. A transient error
// is retried once against the same provider before failing over; a
// rate-limit error fails over immediately; an invalid-request, auth, or
// content-filter error is surfaced to the caller without trying another
// provider. skipCache forces a live call even for an otherwise
// cache-eligible request.
func (r *Router) Generate(ctx context.Context, req models.LLMRequest, skipCache bool) (models.LLMResponse, error) {
	task := r.config.Classifier.Classify(req)
	if task == models.TaskToolUse && req.QualityFloor == "" {
		req.QualityFloor = models.TaskToolUse
	}

	candidates := r.rank(task, req)
	if len(candidates) == 0 {
		return models.LLMResponse{}, ErrNoProviderAvailable
	}

	hasTools := len(req.Tools) > 0
	cacheEligible := r.cache != nil && r.cache.Eligible(req.Temperature, skipCache, hasTools)

	for _, c := range candidates {
		var fp string
		if cacheEligible {
			fp = fingerprintFor(req, c.info.Model)
			if payload, ok := r.cache.Lookup(ctx, fp); ok {
				var resp models.LLMResponse
				if err := json.Unmarshal(payload, &resp); err == nil {
					return resp, nil
				}
			}
		}

		resp, err := r.tryCandidate(ctx, c, req)
		if err == nil {
			r.breaker.recordSuccess(c.info.Name)
			r.usage.Record(usage.Record{
				Provider: c.info.Name,
				Model:    resp.ModelID,
				Usage: usage.Usage{
					InputTokens:  int64(resp.InputTokens),
					OutputTokens: int64(resp.OutputTokens),
				},
				Cost: resp.CostEstimate,
			})
			if cacheEligible {
				if payload, merr := json.Marshal(resp); merr == nil {
					r.cache.Store(ctx, fp, payload, r.config.DefaultTTL)
				}
			}
			return resp, nil
		}

		var rerr *RouterError
		if errors.As(err, &rerr) {
			switch rerr.Kind {
			case models.KindInvalidRequest, models.KindAuth, models.KindContentFilter:
				return resp, err
			}
		}
		r.breaker.recordFailure(c.info.Name)
	}

	return models.LLMResponse{}, ErrNoProviderAvailable
}

// tryCandidate calls one provider, retrying once on a transient error with
// a fixed backoff. Rate-limited and other non-transient errors are
// returned immediately for the caller in Generate to act on.
func (r *Router) tryCandidate(ctx context.Context, c candidate, req models.LLMRequest) (models.LLMResponse, error) {
	resp, err := c.provider.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	kind := classifyErr(err)
	wrapped := &RouterError{Kind: kind, Provider: c.info.Name, Cause: err}

	if kind == models.KindContentFilter {
		return models.LLMResponse{
			ProviderID: c.info.Name,
			ModelID:    c.info.Model,
			Content:    []models.ContentBlock{{Type: models.ContentText, Text: "[content filtered]"}},
			StopReason: models.StopError,
		}, wrapped
	}
	if kind != models.KindTransient {
		return models.LLMResponse{}, wrapped
	}

	select {
	case <-time.After(r.config.RetryBackoff):
	case <-ctx.Done():
		return models.LLMResponse{}, ctx.Err()
	}

	resp, err = c.provider.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	return models.LLMResponse{}, &RouterError{Kind: classifyErr(err), Provider: c.info.Name, Cause: err}
}
