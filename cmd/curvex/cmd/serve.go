package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ksred/curvex/internal/auth"
	"github.com/ksred/curvex/internal/config"
	"github.com/ksred/curvex/internal/database"
	"github.com/ksred/curvex/internal/reconcile"
	"github.com/ksred/curvex/internal/settlement"
	"github.com/ksred/curvex/internal/trading"
	"github.com/ksred/curvex/pkg/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background settlement processor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newCoordinator(c *config.Config, store settlement.Store) *settlement.Coordinator {
	return settlement.NewCoordinator(store,
		settlement.WithLease(c.Settlement.LeaseDuration),
		settlement.WithMaxAttempts(c.Settlement.MaxAttempts),
	)
}

func newAuthService(c *config.Config) *auth.Service {
	authService := auth.NewService(c.Auth.JWTSecret, c.Auth.TokenTTL)
	for _, cred := range c.Auth.Credentials {
		authService.RegisterAPICredentials(cred.APIKey, cred.APISecret, cred.UserID, cred.Permissions...)
	}
	return authService
}

// serve initializes all services and runs until SIGINT/SIGTERM
func serve(c *config.Config) error {
	db, err := database.NewDatabase(c.Database, c.Server.Debug)
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to initialize database")
		return err
	}

	if c.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := newRouter(ctx, c, db)

	srv := &http.Server{
		Addr:    ":" + c.Server.Port,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the processor first; an interrupted order is reclaimed after
	// its lease expires.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}

	zlog.Info().Msg("Server exiting")
	return nil
}

// newRouter wires services onto a gin engine. Background workers stop
// when ctx is done.
func newRouter(ctx context.Context, c *config.Config, db *gorm.DB) *gin.Engine {
	router := gin.Default()

	authService := newAuthService(c)
	authHandlers := auth.NewGinHandlers(authService)

	coordinator := newCoordinator(c, settlement.NewDatabase(db))

	var processor *settlement.Processor
	if c.Settlement.WorkerEnabled {
		processor = settlement.NewProcessor(coordinator, c.Settlement.PollInterval)
		go processor.Start(ctx)
	}
	settlementHandlers := settlement.NewGinHandlers(coordinator, processor)

	tradingService := trading.NewService(db)
	if processor != nil {
		tradingService.OnSubmit(processor.Trigger)
	}
	tradingHandlers := trading.NewGinHandlers(tradingService)
	reconcileHandlers := reconcile.NewGinHandlers(reconcile.NewService(db))

	limiter := middleware.NewRateLimiter(middleware.DefaultLimits)
	go limiter.Cleanup(ctx)

	setupRoutes(router, authService, limiter, authHandlers, tradingHandlers, settlementHandlers, reconcileHandlers)
	return router
}

// setupRoutes groups routes by audience:
//   - auth: public token exchange, limited per client IP
//   - orders, account, positions, transactions, issuers: users with the trade permission
//   - internal: schedulers with the settle permission
//
// The limiter runs after JWTAuth so authenticated routes are limited per user.
func setupRoutes(
	router *gin.Engine,
	validator middleware.TokenValidator,
	limiter *middleware.RateLimiter,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	reconcileHandlers *reconcile.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		authGroup.Use(limiter.Middleware())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		user := v1.Group("")
		user.Use(middleware.JWTAuth(validator, auth.PermissionTrade), limiter.Middleware())
		{
			user.POST("/orders", tradingHandlers.CreateOrderHandler())
			user.GET("/orders", tradingHandlers.ListOrdersHandler())
			user.GET("/orders/:order_id", tradingHandlers.GetOrderStatusHandler())
			user.DELETE("/orders/:order_id", tradingHandlers.CancelOrderHandler())
			user.GET("/account", tradingHandlers.GetAccountHandler())
			user.GET("/positions", tradingHandlers.GetPositionsHandler())
			user.GET("/transactions", tradingHandlers.ListTransactionsHandler())
			user.GET("/issuers", tradingHandlers.ListIssuersHandler())
			user.GET("/issuers/:ticker", tradingHandlers.GetIssuerHandler())
			user.GET("/issuers/:ticker/quote", tradingHandlers.QuoteHandler())
		}

		internal := v1.Group("/internal/settlement")
		internal.Use(middleware.JWTAuth(validator, auth.PermissionSettle), limiter.Middleware())
		{
			internal.POST("/next", settlementHandlers.ProcessNextHandler())
			internal.POST("/drain", settlementHandlers.DrainHandler())
			internal.POST("/trigger", settlementHandlers.TriggerHandler())
			internal.GET("/pending", settlementHandlers.PendingCountHandler())
			internal.GET("/reconcile", reconcileHandlers.ReconcileAllHandler())
			internal.GET("/reconcile/:ticker", reconcileHandlers.ReconcileHandler())
		}
	}
}
