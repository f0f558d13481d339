package chat

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const localProbeTimeout = 1500 * time.Millisecond

// MessageStreamer is the slice of the Anthropic client the orchestrator
// needs. Local OpenAI-gateway deployments satisfy it through the same SDK
// pointed at a different base URL.
type MessageStreamer interface {
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// Provider is one usable backend. SupportsReasoning gates extended-thinking
// parameters; local models generally do not accept them.
type Provider struct {
	Name              string
	Model             anthropic.Model
	SupportsReasoning bool
	Messages          MessageStreamer
}

type StreamerCreator func(opts ...option.RequestOption) MessageStreamer

func defaultStreamerCreator(opts ...option.RequestOption) MessageStreamer {
	c := anthropic.NewClient(opts...)
	return &c.Messages
}

var newStreamer StreamerCreator = defaultStreamerCreator

// SelectorConfig describes the fallback chain: a local endpoint is preferred
// when reachable, the hosted API otherwise.
type SelectorConfig struct {
	LocalBaseURL string
	LocalModel   string
	APIKey       string
	HostedModel  string
	HTTPClient   *http.Client
}

func SelectorConfigFromEnv() SelectorConfig {
	return SelectorConfig{
		LocalBaseURL: strings.TrimSpace(os.Getenv("LOCAL_LLM_BASE_URL")),
		LocalModel:   strings.TrimSpace(os.Getenv("LOCAL_LLM_MODEL")),
		APIKey:       strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		HostedModel:  strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")),
	}
}

type Selector struct {
	cfg SelectorConfig
}

func NewSelector(cfg SelectorConfig) *Selector {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: localProbeTimeout}
	}
	if cfg.LocalModel == "" {
		cfg.LocalModel = "local-default"
	}
	return &Selector{cfg: cfg}
}

// Providers returns the usable backends in preference order. An unreachable
// local endpoint is skipped, not an error; having no backend at all is.
func (s *Selector) Providers(ctx context.Context) ([]Provider, error) {
	var out []Provider
	if s.cfg.LocalBaseURL != "" {
		if s.probeLocal(ctx) {
			out = append(out, Provider{
				Name:  "local",
				Model: anthropic.Model(s.cfg.LocalModel),
				Messages: newStreamer(
					option.WithBaseURL(s.cfg.LocalBaseURL),
					option.WithAPIKey("local"),
				),
			})
		} else {
			log.Printf("provider probe failed endpoint=%s, falling back", s.cfg.LocalBaseURL)
		}
	}
	if s.cfg.APIKey != "" {
		model := anthropic.ModelClaudeSonnet4_20250514
		if s.cfg.HostedModel != "" {
			model = anthropic.Model(s.cfg.HostedModel)
		}
		out = append(out, Provider{
			Name:              "anthropic",
			Model:             model,
			SupportsReasoning: true,
			Messages:          newStreamer(option.WithAPIKey(s.cfg.APIKey)),
		})
	}
	if len(out) == 0 {
		return nil, NewProviderSelectionError("no usable model provider: configure ANTHROPIC_API_KEY or LOCAL_LLM_BASE_URL")
	}
	return out, nil
}

// probeLocal treats any HTTP response as reachable; only transport failures
// disqualify the endpoint.
func (s *Selector) probeLocal(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, localProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.cfg.LocalBaseURL, "/")+"/v1/models", nil)
	if err != nil {
		return false
	}
	res, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	res.Body.Close()
	return true
}
