package migration

import (
	"github.com/usagegate/usagegate/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if err := Run(conn); err != nil {
			return err
		}
		return seed.EnsurePlans(conn)
	}),
)
