package usecase

import (
	"sync"

	"quill/internal/domain"
)

// ModelInfo describes one catalog entry: which provider adapter serves
// the model and what it costs per million tokens.
type ModelInfo struct {
	Provider         string
	InputPerMillion  float64 // dollars per 1M prompt tokens
	OutputPerMillion float64 // dollars per 1M completion tokens
	ContextWindow    int     // tokens
}

// ModelCatalog maps model ids to providers and pricing. Unknown models
// are never priced by guesswork: Cost reports ok=false and the caller
// surfaces a warning with a zero-cost entry.
type ModelCatalog struct {
	mu     sync.RWMutex
	models map[string]ModelInfo
}

// builtinModels is the shipped price table, dollars per million tokens.
var builtinModels = map[string]ModelInfo{
	"claude-sonnet-4-5": {Provider: "anthropic", InputPerMillion: 3, OutputPerMillion: 15, ContextWindow: 200_000},
	"claude-opus-4-1": {Provider: "anthropic", InputPerMillion: 15, OutputPerMillion: 75, ContextWindow: 200_000},
	"claude-3-5-haiku": {Provider: "anthropic", InputPerMillion: 0.80, OutputPerMillion: 4, ContextWindow: 200_000},
	"gpt-4o": {Provider: "openai", InputPerMillion: 2.50, OutputPerMillion: 10, ContextWindow: 128_000},
	"gpt-4o-mini": {Provider: "openai", InputPerMillion: 0.15, OutputPerMillion: 0.60, ContextWindow: 128_000},
	"gpt-4.1": {Provider: "openai", InputPerMillion: 2, OutputPerMillion: 8, ContextWindow: 1_000_000},
	"gpt-4.1-mini": {Provider: "openai", InputPerMillion: 0.40, OutputPerMillion: 1.60, ContextWindow: 1_000_000},
	"o4-mini": {Provider: "openai", InputPerMillion: 1.10, OutputPerMillion: 4.40, ContextWindow: 200_000},
}

// NewModelCatalog returns a catalog preloaded with the builtin table.
func NewModelCatalog() *ModelCatalog {
	models := make(map[string]ModelInfo, len(builtinModels))
	for k, v := range builtinModels {
		models[k] = v
	}
	return &ModelCatalog{models: models}
}

// Register adds or replaces a catalog entry (config overrides).
func (c *ModelCatalog) Register(model string, info ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.models[model] = info
}

// Lookup returns the catalog entry for a model id.
func (c *ModelCatalog) Lookup(model string) (ModelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.models[model]
	return info, ok
}

// Provider returns the provider adapter name serving a model.
func (c *ModelCatalog) Provider(model string) (string, error) {
	info, ok := c.Lookup(model)
	if !ok {
		return "", domain.NewDomainError("ModelCatalog.Provider", domain.ErrUnknownModel, model)
	}
	return info.Provider, nil
}

// ContextWindow returns the model's context window, or 0 when unknown.
func (c *ModelCatalog) ContextWindow(model string) int {
	info, ok := c.Lookup(model)
	if !ok {
		return 0
	}
	return info.ContextWindow
}

// Cost prices a usage figure for a model: tokens/1e6 times the
// per-million rate. ok=false means the model has no pricing entry and
// the cost is zero, never fabricated.
func (c *ModelCatalog) Cost(model string, usage domain.Usage) (float64, bool) {
	info, ok := c.Lookup(model)
	if !ok {
		return 0, false
	}
	in := float64(usage.PromptTokens) / 1e6 * info.InputPerMillion
	out := float64(usage.CompletionTokens) / 1e6 * info.OutputPerMillion
	return in + out, true
}
