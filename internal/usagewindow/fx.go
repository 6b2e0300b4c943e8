package usagewindow

import (
	"github.com/usagegate/usagegate/internal/usagewindow/repository"
	"github.com/usagegate/usagegate/internal/usagewindow/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usagewindow.service",
	fx.Provide(
		repository.ProvideVolatileStore,
		service.NewService,
	),
)
