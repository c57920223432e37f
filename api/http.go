package api

import (
	"context"
	"net/http"
	"time"

	"github.com/adforge/adforge-api/clients"
	"github.com/adforge/adforge-api/config"
	"github.com/adforge/adforge-api/handlers"
	"github.com/adforge/adforge-api/log"
	"github.com/adforge/adforge-api/middleware"
	"github.com/adforge/adforge-api/pipeline"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func ListenAndServe(ctx context.Context, cli config.Cli, engine *pipeline.Coordinator, jobStore clients.JobStore) error {
	router := NewAdForgeAPIRouter(cli, engine, jobStore)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting AdForge API!",
		"version", config.Version,
		"host", cli.HTTPAddress,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewAdForgeAPIRouter(cli config.Cli, engine *pipeline.Coordinator, jobStore clients.JobStore) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(config.Logger)
	withAuth := middleware.IsAuthorized
	capacity := middleware.CapacityMiddleware{}

	adForgeHandlers := &handlers.AdForgeHandlersCollection{Engine: engine, Jobs: jobStore}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(adForgeHandlers.Ok()))
	router.Handler("GET", "/metrics", promhttp.Handler())

	// Public AdForge API
	router.POST("/api/ads",
		withLogging(
			withAuth(
				cli.APIToken,
				cli.JWTSecret,
				capacity.HasCapacity(
					engine,
					adForgeHandlers.CreateAd(),
				),
			),
		),
	)

	router.GET("/api/ads/:jobID",
		withLogging(
			withAuth(
				cli.APIToken,
				cli.JWTSecret,
				adForgeHandlers.GetAd(),
			),
		),
	)

	router.GET("/api/ads",
		withLogging(
			withAuth(
				cli.APIToken,
				cli.JWTSecret,
				adForgeHandlers.ListAds(),
			),
		),
	)

	return router
}
