package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	billingdomain "github.com/usagegate/usagegate/internal/billing/domain"
	"github.com/usagegate/usagegate/internal/config"
	creditdomain "github.com/usagegate/usagegate/internal/credit/domain"
	usagewindowdomain "github.com/usagegate/usagegate/internal/usagewindow/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewEngine builds the gin engine with recovery, request logging and the
// error mapping middleware.
func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RequestLogger logs each request with method, route, status and latency.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		if route == "/metrics" || route == "/health" {
			return
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if lastErr := c.Errors.Last(); lastErr != nil {
			fields = append(fields, zap.Error(lastErr.Err))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("http_request", fields...)
			return
		}
		log.Info("http_request", fields...)
	}
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	billingSvc billingdomain.Service
	trackerSvc usagewindowdomain.Service
	creditSvc  creditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	BillingSvc billingdomain.Service
	TrackerSvc usagewindowdomain.Service
	CreditSvc  creditdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		billingSvc: p.BillingSvc,
		trackerSvc: p.TrackerSvc,
		creditSvc:  p.CreditSvc,
	}
}

// RegisterRoutes mounts the public and admin API.
func (s *Server) RegisterRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/usage", s.RecordUsage)
	v1.GET("/usage/:user_id", s.GetCurrentUsage)
	v1.GET("/usage/:user_id/reset", s.GetResetTime)

	v1.GET("/billing/check/:user_id", s.CheckBilling)

	v1.GET("/credits/:user_id", s.GetCreditBalance)
	v1.GET("/credits/:user_id/transactions", s.GetCreditTransactions)
	v1.POST("/credits/recharge", s.RechargeCredit)
	v1.POST("/credits/consume", s.ConsumeCredit)
	v1.POST("/credits/extra-usage", s.EnableExtraUsage)

	admin := v1.Group("/admin")
	admin.POST("/usage/replace", s.ReplaceUsage)
	admin.POST("/usage/clear", s.ClearUsage)
}

// RunHTTP starts the HTTP listener under the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", s.cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
