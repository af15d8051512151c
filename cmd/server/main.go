package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/table-dispatcher/api/handlers"
	"github.com/feichai0017/table-dispatcher/api/routes"
	"github.com/feichai0017/table-dispatcher/config"
	"github.com/feichai0017/table-dispatcher/pkg/logger"
	"github.com/feichai0017/table-dispatcher/pkg/queue"
)

func main() {
	envPath := flag.String("env", ".env", "path of the .env file")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Log.Level),
		logger.WithEncoding(cfg.Log.Encoding),
		logger.WithOutputPaths(cfg.Log.Outputs),
		logger.WithRotation(cfg.Log.Rotation()),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	tenants, err := config.LoadTenants(cfg.Dispatch.TenantFile)
	if err != nil {
		log.Fatal("Failed to load tenants", logger.Error(err))
	}

	q, err := queue.NewAsynqQueue(cfg.QueueConfig(), log)
	if err != nil {
		log.Fatal("Failed to create queue", logger.Error(err))
	}
	defer q.Close()

	h := handlers.NewHandlers(tenants, q, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, cfg.Server.AllowOrigins)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr), logger.Int("tenants", len(tenants.All())))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
