package main

import (
	"log/slog"

	"dialer-platform/internal/httpapi"
	"dialer-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newRouter builds the gin engine. Keep this file free of business logic;
// handlers delegate to internal modules.
func newRouter(log *slog.Logger, h httpapi.Handlers, authMW gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	// Scraped from inside the cluster only; not behind user auth.
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h.Register(r, authMW)
	return r
}
