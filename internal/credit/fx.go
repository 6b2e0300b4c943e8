package credit

import (
	creditdomain "github.com/usagegate/usagegate/internal/credit/domain"
	"github.com/usagegate/usagegate/internal/credit/service"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(
		service.NewService,
		provideCreditGate,
	),
)

func provideCreditGate(svc creditdomain.Service) usagewindowdomain.CreditGate {
	return svc
}
