// Package mapping talks to the service that turns a DOM snapshot plus case data into
// field mappings.
package mapping

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/network"
)

var (
	ErrMappingTimeout    = errors.New("mapping service timed out")
	ErrMappingStatus     = errors.New("mapping service returned an error status")
	ErrMappingMalformed  = errors.New("mapping service returned a malformed response")
	ErrCredentialExpired = errors.New("session credential expired; sign in to the dashboard again")
)

// Mapper computes field mappings for one round.
type Mapper interface {
	Map(ctx context.Context, payload *schemas.AutofillPayload, snapshot *schemas.DOMSnapshot) ([]schemas.FieldMapping, error)
}

// New builds the mapper selected by cfg.Provider.
func New(ctx context.Context, cfg config.MappingConfig, logger *zap.Logger) (Mapper, error) {
	switch cfg.Provider {
	case "http", "":
		netCfg := network.NewDefaultClientConfig()
		netCfg.Logger = logger
		return NewClient(cfg, network.NewClient(netCfg), logger), nil
	case "gemini":
		return NewGemini(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported mapping provider configured: '%s'. Supported: [http, gemini]", cfg.Provider)
	}
}

// Request builds the body posted to the service.
func Request(payload *schemas.AutofillPayload, snapshot *schemas.DOMSnapshot) schemas.MappingRequest {
	return schemas.MappingRequest{
		FormCode:    payload.FormCode,
		FieldSchema: payload.FieldSchema,
		FormData:    payload.FormData,
		Snapshot:    snapshot,
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
