package concierge

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/configutil"
	"github.com/harunnryd/concierge/pkg/llm"
	"github.com/harunnryd/concierge/pkg/providers/crmhttp"
	"github.com/harunnryd/concierge/pkg/providers/mock"
	"github.com/harunnryd/concierge/pkg/providers/openai"
)

type ModelFactory func(settings map[string]any, log *slog.Logger) (llm.Model, error)
type BusinessFactory func(settings map[string]any, log *slog.Logger) (business.Adapter, error)

type ProviderRegistry struct {
	models   map[string]ModelFactory
	business map[string]BusinessFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		models:   make(map[string]ModelFactory),
		business: make(map[string]BusinessFactory),
	}
}

// DefaultProviders registers the built-in model and business providers.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterModel("mock", buildMockModel)
	r.RegisterModel("openai", buildOpenAI)
	r.RegisterBusiness("mock", buildMockBusiness)
	r.RegisterBusiness("crmhttp", buildCRM)
	return r
}

func (r *ProviderRegistry) RegisterModel(name string, factory ModelFactory) {
	r.models[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterBusiness(name string, factory BusinessFactory) {
	r.business[normalizeName(name)] = factory
}

func (r *ProviderRegistry) BuildModel(vc VendorConfig, log *slog.Logger) (llm.Model, error) {
	fn := r.models[normalizeName(vc.Name)]
	if fn == nil {
		return nil, fmt.Errorf("model provider not registered: %s (known: %s)", vc.Name, known(r.models))
	}
	return fn(vc.Settings, log)
}

func (r *ProviderRegistry) BuildBusiness(vc VendorConfig, log *slog.Logger) (business.Adapter, error) {
	fn := r.business[normalizeName(vc.Name)]
	if fn == nil {
		return nil, fmt.Errorf("business provider not registered: %s (known: %s)", vc.Name, known(r.business))
	}
	return fn(vc.Settings, log)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func known[T any](m map[string]T) string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

type openAISettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	Stream  *bool  `mapstructure:"stream"`
}

var openAISchema = configutil.Schema{
	Required: []string{"api_key"},
	Optional: []string{"model", "base_url", "stream"},
}

func buildOpenAI(settings map[string]any, _ *slog.Logger) (llm.Model, error) {
	var s openAISettings
	if err := configutil.Load("openai", settings, openAISchema, &s); err != nil {
		return nil, err
	}
	opts := []openai.Option{openai.WithStreaming(configutil.BoolValue(s.Stream, true))}
	if s.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(s.BaseURL))
	}
	return openai.NewAdapter(s.APIKey, s.Model, opts...), nil
}

type mockModelSettings struct {
	Stream       bool     `mapstructure:"stream"`
	ResponseText string   `mapstructure:"response_text"`
	StreamChunks []string `mapstructure:"stream_chunks"`
}

var mockModelSchema = configutil.Schema{Optional: []string{"stream", "response_text", "stream_chunks"}}

func buildMockModel(settings map[string]any, _ *slog.Logger) (llm.Model, error) {
	var s mockModelSettings
	if err := configutil.Load("mock model", settings, mockModelSchema, &s); err != nil {
		return nil, err
	}
	return mock.NewModel(mock.ModelConfig{
		Stream:       s.Stream,
		ResponseText: s.ResponseText,
		StreamChunks: s.StreamChunks,
	}), nil
}

func buildMockBusiness(settings map[string]any, _ *slog.Logger) (business.Adapter, error) {
	if err := configutil.ValidateSettings(settings, configutil.Schema{}); err != nil {
		return nil, fmt.Errorf("mock business settings: %w", err)
	}
	return mock.NewBusinessAdapter(mock.DefaultSeed()), nil
}

var crmSchema = configutil.Schema{
	Required: []string{"base_url"},
	Optional: []string{"api_key", "timeout_ms"},
}

func buildCRM(settings map[string]any, _ *slog.Logger) (business.Adapter, error) {
	var s crmhttp.Settings
	if err := configutil.Load("crmhttp", settings, crmSchema, &s); err != nil {
		return nil, err
	}
	return crmhttp.New(s)
}
