package gateway

import (
	"context"
	"fmt"

	"github.com/calyx-ai/switchboard/internal/cli"
	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// BootstrapProviders registers every enabled provider from configuration.
// A provider that fails validation or startup is skipped, not fatal; the
// router runs with whatever came up.
func BootstrapProviders(ctx context.Context, manager *Manager, providers []domain.ProviderDescriptor, log *zap.Logger) int {
	registeredCount := 0
	validate := validator.New()

	for _, desc := range providers {
		if !desc.Enabled {
			continue
		}

		if err := validate.Struct(&desc); err != nil {
			log.Warn(fmt.Sprintf("%s %s %s",
				cli.WarningSign(),
				cli.Stylize(fmt.Sprintf("%s\t", desc.Name), cli.Black),
				cli.Stylize("Skipping provider due to invalid configuration", cli.Yellow),
			))
			continue
		}

		if err := manager.Register(ctx, desc); err != nil {
			log.Error("Failed to register provider",
				zap.String("provider", desc.Name),
				zap.Error(err),
			)
			continue
		}

		registeredCount++
	}

	if registeredCount == 0 {
		log.Warn("No providers were registered. API will not function correctly.")
	}

	return registeredCount
}
