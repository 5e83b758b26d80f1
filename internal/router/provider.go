// Package router implements the LLM Router: task classification, ranked
// provider selection under a quality floor and cost ceiling, cache
// consultation, and circuit-breaker failover across a pool of providers.
package router

import (
	"context"
	"errors"
	"strings"

	"github.com/opencellcw/agentcore/internal/agent/providers"
	"github.com/opencellcw/agentcore/pkg/models"
)

// Provider is the Router's view of an LLM backend: generate a response for
// a request, report whether it can carry tool descriptors, and identify
// itself for circuit-breaker bookkeeping and cache fingerprinting.
type Provider interface {
	Name() string
	SupportsTools() bool
	Generate(ctx context.Context, req models.LLMRequest) (models.LLMResponse, error)
}

// ProviderInfo is the Router's static knowledge of one registered provider:
// which model it serves, the quality tier that model clears, and its
// published per-output-token cost, used to rank and filter candidates.
type ProviderInfo struct {
	Name               string
	Model              string
	Tier               models.TaskClass
	CostPerOutputToken float64
	SupportsTools      bool
}

// ErrNoProviderAvailable is returned once every ranked candidate has been
// tried (or filtered out by tool support, quality floor, cost ceiling, or an
// open circuit breaker) and none produced a response.
var ErrNoProviderAvailable = errors.New("router: no provider available")

// RouterError wraps a provider failure with the ErrorKind it was classified
// as and the name of the provider that produced it.
type RouterError struct {
	Kind     models.ErrorKind
	Provider string
	Cause    error
}

func (e *RouterError) Error() string {
	return "router: provider " + e.Provider + " (" + string(e.Kind) + "): " + e.Cause.Error()
}

func (e *RouterError) Unwrap() error { return e.Cause }

// classifyErr maps a provider error to the ErrorKind that governs the
// Router's retry/failover behavior. A providers.ProviderError carries an
// explicit FailoverReason; any other error falls back to message matching
// in the same spirit as the tool executor's error classification.
func classifyErr(err error) models.ErrorKind {
	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		return failoverReasonToKind(perr.Reason)
	}
	return heuristicKind(err)
}

func failoverReasonToKind(reason providers.FailoverReason) models.ErrorKind {
	switch reason {
	case providers.FailoverRateLimit:
		return models.KindRateLimited
	case providers.FailoverAuth, providers.FailoverBilling:
		return models.KindAuth
	case providers.FailoverInvalidRequest:
		return models.KindInvalidRequest
	case providers.FailoverContentFilter:
		return models.KindContentFilter
	case providers.FailoverTimeout, providers.FailoverServerError, providers.FailoverModelUnavailable:
		return models.KindTransient
	default:
		return models.KindTransient
	}
}

// heuristicKind classifies a raw, non-ProviderError error from its message,
// for providers that don't wrap errors in providers.ProviderError.
func heuristicKind(err error) models.ErrorKind {
	if err == nil {
		return models.KindTransient
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "rate limit") || strings.Contains(s, "429") || strings.Contains(s, "too many requests"):
		return models.KindRateLimited
	case strings.Contains(s, "unauthorized") || strings.Contains(s, "authentication") ||
		strings.Contains(s, "401") || strings.Contains(s, "403") || strings.Contains(s, "invalid api key"):
		return models.KindAuth
	case strings.Contains(s, "content polic") || strings.Contains(s, "content_filter") ||
		strings.Contains(s, "safety") && strings.Contains(s, "block"):
		return models.KindContentFilter
	case strings.Contains(s, "invalid") || strings.Contains(s, "400") || strings.Contains(s, "validation"):
		return models.KindInvalidRequest
	default:
		return models.KindTransient
	}
}
