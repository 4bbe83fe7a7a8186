// Package factory maps provider type names to adapter constructors. It
// imports all adapter sub-packages, breaking the import cycle that
// would occur if this logic lived in the providers package directly.
package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/gateway/providers"
	"github.com/BaSui01/modelgate/gateway/providers/anthropic"
	"github.com/BaSui01/modelgate/gateway/providers/gemini"
	"github.com/BaSui01/modelgate/gateway/providers/openai"
)

// New creates the adapter for cfg.Type. "claude" and
// "openai-compatible" are accepted as aliases; anything else is a
// configuration error.
func New(cfg providers.Config, logger *zap.Logger) (gateway.Provider, error) {
	switch cfg.Type {
	case "claude":
		cfg.Type = providers.TypeAnthropic
	case "openai-compatible":
		cfg.Type = providers.TypeOpenAI
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case providers.TypeOpenAI:
		return openai.New(cfg, logger), nil
	case providers.TypeAnthropic:
		return anthropic.New(cfg, logger), nil
	case providers.TypeGemini:
		return gemini.New(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Type)
	}
}
