package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/celerix-dev/archivist/internal/api"
	"github.com/celerix-dev/archivist/internal/server"
	"github.com/celerix-dev/archivist/internal/vault"
	"github.com/celerix-dev/archivist/pkg/sdk"
)

func main() {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "archivistd",
		Level: hclog.LevelFromString(envOr("ARCHIVIST_LOG_LEVEL", "info")),
	})
	logger.Info("starting archivist daemon")

	configPath := envOr("ARCHIVIST_CONFIG", "./archivist.json")
	port := envOr("ARCHIVIST_PORT", "7001")
	httpPort := envOr("ARCHIVIST_HTTP_PORT", "7002")
	useTLS := os.Getenv("ARCHIVIST_DISABLE_TLS") != "true"

	// 1. Initialize the push router; client vaults publish through it
	router := server.NewRouter(logger)

	// 2. Setup TLS
	if useTLS {
		logger.Info("generating self-signed certificate for the push channel")
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			logger.Error("failed to generate TLS certificate", "error", err)
			os.Exit(1)
		}
		router.SetCertificate(cert)
	} else {
		logger.Warn("TLS encryption disabled (ARCHIVIST_DISABLE_TLS=true)")
	}

	// 3. Open vaults and topics
	ctx := context.Background()
	a, err := sdk.OpenFile(ctx, configPath, sdk.WithLogger(logger), sdk.WithPublisher(router))
	if err != nil {
		logger.Error("failed to open archivist", "config", configPath, "error", err)
		os.Exit(1)
	}

	// 4. Initialize the HTTP API
	h := &api.Handler{Archivist: a}
	r := gin.Default()

	// CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Actor-Id, X-Request-Id")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
	h.Routes(r.Group("/api"))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API route not found"})
	})

	srv := &http.Server{Addr: ":" + httpPort, Handler: r}
	go func() {
		logger.Info("HTTP API listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// 5. Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutdown signal received, closing vaults")
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", "error", err)
		}
		router.Stop()
	}()

	// 6. Start the push server; it returns once stopped
	logger.Info("push channel listening", "port", port, "tls", useTLS)
	if err := router.Listen(port); err != nil {
		logger.Error("push server failed", "error", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Registry().Close(closeCtx); err != nil {
		logger.Warn("closing vaults", "error", err)
	}
	logger.Info("exiting")
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
