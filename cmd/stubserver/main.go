package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chatkit/internal/config"
	"chatkit/internal/domain"
	"chatkit/internal/observability"
	"chatkit/internal/stubserver"
)

func main() {
	cfg := config.Load()
	observability.InitLogger("chatkit-stubserver")
	log := observability.Log

	srv := stubserver.New(stubserver.Options{
		JWTSecret:        getEnv("STUB_JWT_SECRET", "dev-secret"),
		SuppressSendAcks: os.Getenv("STUB_SUPPRESS_SEND_ACKS") == "true",
	})
	srv.Seed("password",
		domain.User{ID: "u1", Username: "alice"},
		domain.User{ID: "u2", Username: "bob"},
	)

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Mount("/", srv.Router())

	addr := getEnv("STUB_ADDR", ":3001")
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := setupSignalHandler(log)
	defer cancel()

	go func() {
		log.Info("stub server listening", zap.String("addr", addr), zap.String("api_base", cfg.APIBaseURL))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("stub server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}

func setupSignalHandler(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
