// Package registry maps provider kinds to their drivers.
package registry

import (
	"github.com/paseo-sh/paseo/internal/agent/provider"
	"github.com/paseo-sh/paseo/internal/agent/provider/claude"
	"github.com/paseo-sh/paseo/internal/agent/provider/codex"
	"github.com/paseo-sh/paseo/internal/agent/provider/opencode"
	"github.com/paseo-sh/paseo/internal/common/apperr"
	"github.com/paseo-sh/paseo/internal/common/config"
	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// Factory builds drivers, applying binary overrides from configuration.
type Factory struct {
	providers config.ProvidersConfig
	log       *logger.Logger
}

// NewFactory wires the provider binary overrides.
func NewFactory(providers config.ProvidersConfig, log *logger.Logger) *Factory {
	return &Factory{providers: providers, log: log}
}

// New builds the driver for cfg.Kind. The returned driver is not yet
// started.
func (f *Factory) New(cfg provider.Config) (provider.Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.Validation, err, "provider config")
	}

	switch cfg.Kind {
	case protocol.ProviderClaude:
		if cfg.Binary == "" {
			cfg.Binary = f.providers.ClaudeBin
		}
		return claude.New(cfg, f.log), nil
	case protocol.ProviderCodex:
		if cfg.Binary == "" {
			cfg.Binary = f.providers.CodexBin
		}
		return codex.New(cfg, f.log), nil
	case protocol.ProviderOpencode:
		if cfg.Binary == "" {
			cfg.Binary = f.providers.OpencodeBin
		}
		return opencode.New(cfg, f.log), nil
	default:
		return nil, apperr.Validationf("unknown provider %q", cfg.Kind)
	}
}

// Kinds lists the supported provider kinds.
func (f *Factory) Kinds() []protocol.ProviderKind {
	return []protocol.ProviderKind{
		protocol.ProviderClaude,
		protocol.ProviderCodex,
		protocol.ProviderOpencode,
	}
}
