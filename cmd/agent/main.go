package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parikshanai/edge-agent/internal/orchestrator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("CONFIG_PATH")

	agent, err := orchestrator.Boot(ctx, configPath)
	if err != nil {
		log.Fatalf("[AO] boot failed: %v", err)
	}

	if err := agent.Run(ctx); err != nil {
		log.Fatalf("[AO] run failed: %v", err)
	}
}
