package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tribridrag/tribrid/pkg/config"
)

// Router owns the configured providers and resolves which one serves a
// request. Selection is pure; the same override always routes the same
// way under the same configuration.
type Router struct {
	openai     Provider
	openrouter Provider
	locals     []Provider
}

// NewRouter wires providers from config. Locals are kept sorted by
// (priority, name) so the fallback choice is deterministic.
func NewRouter(cfg config.ProvidersConfig) *Router {
	r := &Router{}
	if cfg.OpenAI != nil {
		r.openai = NewOpenAI(*cfg.OpenAI)
	}
	if cfg.OpenRouter != nil {
		r.openrouter = NewOpenRouter(*cfg.OpenRouter)
	}
	for _, local := range cfg.Local {
		r.locals = append(r.locals, NewLocal(local))
	}
	sort.Slice(r.locals, func(i, j int) bool {
		a, b := r.locals[i].(*client), r.locals[j].(*client)
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.name < b.name
	})
	return r
}

// HasProvider reports whether any provider could serve a request. Used
// by /api/secrets/check style introspection and tests.
func (r *Router) HasProvider() bool {
	_, _, err := r.Select("")
	return err == nil
}

// Select resolves a model override to (provider, effective model).
//
// Routing order:
//  1. An explicit "local:" or "openrouter:" prefix forces that kind and
//     errors when it is unavailable.
//  2. A "provider/model" override routes through the aggregator when it
//     is enabled and keyed (aggregator model ids keep the slash).
//  3. A remaining override matches the direct provider: bare model
//     names and "openai/..." both select OpenAI when configured.
//  4. With no override: aggregator, then the lowest-priority available
//     local (ties by name), then direct OpenAI.
//  5. Nothing available is a configuration error; the answer composer
//     converts it into a retrieval-only response.
func (r *Router) Select(modelOverride string) (Provider, string, error) {
	override := strings.TrimSpace(modelOverride)

	if model, ok := strings.CutPrefix(override, "local:"); ok {
		local := r.preferredLocal()
		if local == nil {
			return nil, "", fmt.Errorf("model override %q requires a local provider, none available", override)
		}
		return local, modelOrDefault(model, local), nil
	}

	if model, ok := strings.CutPrefix(override, "openrouter:"); ok {
		if !available(r.openrouter) {
			return nil, "", fmt.Errorf("model override %q requires openrouter, which is not enabled and keyed", override)
		}
		return r.openrouter, modelOrDefault(model, r.openrouter), nil
	}

	if override != "" {
		if strings.Contains(override, "/") && available(r.openrouter) {
			return r.openrouter, override, nil
		}
		if available(r.openai) {
			model := override
			if provider, rest, ok := strings.Cut(override, "/"); ok && provider == KindOpenAI {
				model = rest
			}
			if strings.Contains(model, "/") {
				return nil, "", fmt.Errorf("model override %q names provider %q, which is not configured",
					override, strings.SplitN(override, "/", 2)[0])
			}
			return r.openai, model, nil
		}
	}

	if available(r.openrouter) {
		return r.openrouter, modelOrDefault(override, r.openrouter), nil
	}
	if local := r.preferredLocal(); local != nil {
		return local, modelOrDefault(override, local), nil
	}
	if available(r.openai) {
		return r.openai, modelOrDefault(override, r.openai), nil
	}

	return nil, "", fmt.Errorf("no chat provider is configured: set an API key or add a local provider")
}

func (r *Router) preferredLocal() Provider {
	for _, local := range r.locals {
		if local.Available() {
			return local
		}
	}
	return nil
}

func available(p Provider) bool {
	return p != nil && p.Available()
}

func modelOrDefault(model string, p Provider) string {
	if model == "" {
		return p.DefaultModel()
	}
	return model
}
