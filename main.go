package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/screwdriver-cd/queue-broker/internal/api"
	"github.com/screwdriver-cd/queue-broker/internal/broker"
	"github.com/screwdriver-cd/queue-broker/internal/config"
	"github.com/screwdriver-cd/queue-broker/internal/kv"
	"github.com/screwdriver-cd/queue-broker/internal/logger"
	"github.com/screwdriver-cd/queue-broker/internal/queue"
	"github.com/screwdriver-cd/queue-broker/internal/scheduler"
	"github.com/screwdriver-cd/queue-broker/internal/token"
	"github.com/screwdriver-cd/queue-broker/internal/tracing"
	"github.com/screwdriver-cd/queue-broker/internal/web"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	ctx := context.Background()

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := tracing.Init(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	brokerCfg, err := config.GetBrokerConfig()
	if err != nil {
		log.Fatalf("broker config error: %v", err)
	}
	schedCfg, err := config.GetSchedulerConfig()
	if err != nil {
		log.Fatalf("scheduler config error: %v", err)
	}
	webCfg, err := config.GetWebConfig()
	if err != nil {
		log.Fatalf("web config error: %v", err)
	}
	apiCfg, err := config.GetAPIConfig()
	if err != nil {
		log.Fatalf("api config error: %v", err)
	}

	kvClient := kv.NewClient(brokerCfg.Prefix)
	qClient := queue.NewClient(brokerCfg.Prefix)
	if err := kvClient.Connect(ctx); err != nil {
		log.Fatalf("redis initialization error: %v", err)
	}
	if err := qClient.Connect(ctx); err != nil {
		log.Fatalf("redis initialization error: %v", err)
	}

	b := broker.New(kvClient, qClient, api.NewClient(), broker.Options{
		BreakerRetries: brokerCfg.BreakerRetries,
	})

	if apiCfg.URI != "" {
		factory := api.NewPipelineFactory(apiCfg.URI, apiCfg.ServiceToken)
		minter, err := token.NewMinter(factory, brokerCfg.TokenSecret)
		if err != nil {
			log.Fatalf("token minter initialization error: %v", err)
		}
		b.UseTokenGenerator(minter)
	}

	sched, err := scheduler.New(qClient, kvClient, b, b, b, schedCfg)
	if err != nil {
		log.Fatalf("scheduler initialization error: %v", err)
	}
	if err := sched.Run(ctx); err != nil {
		log.Fatalf("scheduler start error: %v", err)
	}

	server := web.NewServer(b)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", webCfg.Port),
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("HTTP server started on :%d", webCfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Graceful shutdown failed: %v", err)
	}

	sched.CleanUp(shutdownCtx)

	log.Println("Server stopped gracefully.")
}
