// Package llmchain implements the per-role LLM fallback chain
// (SPEC_FULL.md §4.7): an ordered list of named profiles tried in sequence
// until one invocation succeeds and returns a non-empty body. The chain does
// not parse the body: a non-empty body the caller cannot parse is returned
// as is and does not move on to the next profile.
// It is a thin sequencing layer over the external agentkit/llm.Provider
// contract, resolved through agentkit/llm.ProviderFactory exactly as the
// teacher's executor resolves providers per profile.
package llmchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/vinayprograms/agentkit/llm"
)

// ErrChainExhausted is returned when every profile in a Chain failed.
var ErrChainExhausted = errors.New("llm fallback chain exhausted")

// Chain is an ordered list of named profiles, tried in sequence.
type Chain struct {
	Profiles []string
	factory  llm.ProviderFactory
}

// New builds a Chain from an ordered profile-name list and the factory used
// to resolve each profile to a configured Provider.
func New(factory llm.ProviderFactory, profiles ...string) *Chain {
	return &Chain{Profiles: profiles, factory: factory}
}

// Result carries the response alongside which profile actually served it, so
// callers can record ExecutionRecord.ModelUsed.
type Result struct {
	Response llm.ChatResponse
	Profile  string
}

// Chat tries each of the Chain's configured profiles in order, demoting to
// the next on any error or empty response, until one succeeds or the chain
// is exhausted.
func (c *Chain) Chat(ctx context.Context, req llm.ChatRequest) (Result, error) {
	return c.ChatOrdered(ctx, req, c.Profiles)
}

// ChatOrdered behaves like Chat but tries profiles in the given order
// instead of the Chain's configured default, without mutating the Chain —
// used by the Worker to apply a per-call timeline-based ordering (see
// ForTimeline) while still sharing one Chain across concurrent Workers.
func (c *Chain) ChatOrdered(ctx context.Context, req llm.ChatRequest, profiles []string) (Result, error) {
	if len(profiles) == 0 {
		profiles = c.Profiles
	}
	var lastErr error
	for _, profile := range profiles {
		provider, err := c.factory.GetProvider(profile)
		if err != nil {
			lastErr = fmt.Errorf("resolve profile %s: %w", profile, err)
			continue
		}
		resp, err := provider.Chat(ctx, req)
		if err != nil {
			lastErr = fmt.Errorf("profile %s: %w", profile, err)
			continue
		}
		if resp.Content == "" && len(resp.ToolCalls) == 0 {
			lastErr = fmt.Errorf("profile %s: empty response", profile)
			continue
		}
		return Result{Response: resp, Profile: profile}, nil
	}
	if lastErr != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrChainExhausted, lastErr)
	}
	return Result{}, ErrChainExhausted
}

// ForTimeline picks chain tier by the Constraints "timeline" value
// (SPEC_FULL.md §6.4): urgent/same_day prefer the fast/cheap profile first;
// flexible/within_week prefer the higher-capability profile first.
func ForTimeline(timeline string, fast, capable []string) []string {
	switch timeline {
	case "urgent", "same_day":
		return append(append([]string{}, fast...), capable...)
	default:
		return append(append([]string{}, capable...), fast...)
	}
}

// MapFactory resolves a named profile to one of a fixed set of providers.
// It gives a Chain more than one concrete Provider to pick between (e.g. a
// capable default and a fast/cheap one) without the factory needing any
// construction logic of its own.
type MapFactory struct {
	providers map[string]llm.Provider
}

// NewMapFactory builds a MapFactory from a profile-name -> Provider map.
func NewMapFactory(providers map[string]llm.Provider) *MapFactory {
	return &MapFactory{providers: providers}
}

func (f *MapFactory) GetProvider(profile string) (llm.Provider, error) {
	p, ok := f.providers[profile]
	if !ok {
		return nil, fmt.Errorf("no provider registered for profile %q", profile)
	}
	return p, nil
}
