package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/app"
	iauth "github.com/gratipay/gratipay-server/internal/auth"
	"github.com/gratipay/gratipay-server/internal/handlers"
	"github.com/gratipay/gratipay-server/internal/mailqueue"
	"github.com/gratipay/gratipay-server/internal/middleware"
	"github.com/gratipay/gratipay-server/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, queue *mailqueue.Queue) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if queue == nil {
		return nil, fmt.Errorf("mail queue must be provided")
	}

	eventSvc, err := services.NewEventService(db)
	if err != nil {
		return nil, err
	}
	participantSvc, err := services.NewParticipantService(db)
	if err != nil {
		return nil, err
	}
	packageSvc, err := services.NewPackageService(db, eventSvc)
	if err != nil {
		return nil, err
	}
	emailSvc, err := services.NewEmailService(db, queue, eventSvc, packageSvc,
		services.WithEmailBaseURL(cfg.Server.BaseURL))
	if err != nil {
		return nil, err
	}

	emailHandler, err := handlers.NewEmailHandler(participantSvc, emailSvc)
	if err != nil {
		return nil, err
	}
	packageHandler, err := handlers.NewPackageHandler(participantSvc, packageSvc, emailSvc)
	if err != nil {
		return nil, err
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	// Basic rate limiting: 100 requests/minute per IP+path
	r.Use(middleware.RateLimit(100, time.Minute))

	// Health endpoint (public)
	r.GET("/health", handlers.Health(db))

	requireAuth := middleware.Auth(jwt)

	// Participant account routes, e.g. /~alice/emails/modify.json
	account := r.Group("/~:user")
	account.Use(requireAuth)
	{
		account.GET("/emails", emailHandler.List)
		account.POST("/emails/modify.json", emailHandler.Modify)
		account.GET("/emails/verify.html", emailHandler.Verify)
	}

	// Package pages, e.g. /on/npm/left-pad
	pkg := r.Group("/on/:manager/:name")
	{
		pkg.GET("", packageHandler.Show)
		pkg.POST("/claim", requireAuth, packageHandler.Claim)
	}

	// Metrics endpoint
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
