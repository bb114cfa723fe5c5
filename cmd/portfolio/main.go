package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"offline_portfolio/internal/app"
	"offline_portfolio/internal/config"
)

func main() {
	path := ""
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	warnings, err := config.Validate(cfg)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	for _, warning := range warnings {
		log.Printf("config warning: %s", warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	portfolio, err := app.Start(ctx, cfg, os.Getenv)
	if err != nil {
		log.Fatalf("start: %v", err)
	}
	log.Printf("portfolio edge ready version=%s origin=%s", cfg.Cache.Version, portfolio.Origin)

	<-ctx.Done()
	log.Printf("shutting down")
	if err := portfolio.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
		os.Exit(1)
	}
}
