// Command server exposes the prediction and billing HTTP API.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/prediction_layer/internal/app/runtime"
	"github.com/R3E-Network/prediction_layer/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := runtime.NewApplication(ctx, cfg, runtime.RoleServer)
	if err != nil {
		log.Fatalf("initialise server: %v", err)
	}

	runErr := application.Run(ctx)
	if err := application.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if runErr != nil {
		log.Fatalf("server stopped: %v", runErr)
	}
}
