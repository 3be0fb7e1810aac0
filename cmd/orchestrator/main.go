package main

import (
	"context"
	"log"

	"nimbus-kvm-orchestrator/internal/config"
	"nimbus-kvm-orchestrator/internal/orchestrator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := orchestrator.BuildLogger(cfg)
	o, err := orchestrator.New(cfg, logger)
	if err != nil {
		logger.Error("orchestrator initialization failed", "error", err)
		return
	}

	if err := o.Run(context.Background()); err != nil {
		logger.Error("orchestrator runtime failed", "error", err)
	}
}
