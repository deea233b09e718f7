// Package brain is the LLM invocation layer for the loop executor: a
// single-shot provider router with per-provider circuit breakers and
// fallback, plus an optional persistent session pool for agent types that
// want conversation continuity across loops.
package brain

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Brain is the LLM abstraction the loop executor calls once per run.
type Brain interface {
	Respond(ctx context.Context, sessionID, prompt string) (string, error)
}

// Config selects and authenticates a provider for one GenkitBrain.
type Config struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible",
	// "openrouter". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitBrain wraps a single configured Genkit instance. When no API key is
// available for the selected provider it still initializes (so the rest of
// the daemon can start), but Respond returns a deterministic "LLM disabled"
// error instead of silently fabricating output.
type GenkitBrain struct {
	g        *genkit.Genkit
	provider string
	model    string
	enabled  bool
}

// New initializes Genkit with the configured provider. Mirrors the
// teacher's provider-switch shape; tool registration (skills, sandboxes,
// search) is out of scope for the daemon's loop brain, which only needs a
// single Respond call per loop.
func New(ctx context.Context, cfg Config) *GenkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	enabled := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			enabled = true
		}
	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			enabled = true
		}
	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			enabled = true
		}
	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			enabled = true
		}
	case "google", "":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			enabled = true
		}
	default:
		slog.Warn("brain: unknown provider, LLM calls will be disabled", "provider", provider)
	}

	if g == nil {
		g = genkit.Init(ctx)
	}
	if !enabled {
		slog.Warn("brain: no API key for provider, LLM disabled", "provider", provider)
	}

	return &GenkitBrain{g: g, provider: provider, model: model, enabled: enabled}
}

// Name identifies this brain instance for failover logging and circuit
// breaker bookkeeping.
func (b *GenkitBrain) Name() string { return b.provider }

// Respond sends prompt as a single-turn generation request. sessionID is
// accepted for interface symmetry with SessionBrain but ignored here; each
// call is independent.
func (b *GenkitBrain) Respond(ctx context.Context, sessionID, prompt string) (string, error) {
	if !b.enabled {
		return "", fmt.Errorf("brain: provider %q disabled (no API key)", b.provider)
	}
	resp, err := genkit.Generate(ctx, b.g, genkit.WithPrompt(prompt))
	if err != nil {
		return "", fmt.Errorf("brain: generate: %w", err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-3-5-sonnet-20241022"
	case "openai":
		return "gpt-4o-mini"
	case "openrouter":
		return "openai/gpt-4o-mini"
	default:
		return "gemini-2.0-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		return os.Getenv("GOOGLE_API_KEY")
	}
}
