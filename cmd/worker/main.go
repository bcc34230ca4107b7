// Command worker drains the prediction queue and runs the reconciler. It
// serves /healthz, /metrics and POST /reconcile on the ops port.
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

	application, err := runtime.NewApplication(ctx, cfg, runtime.RoleWorker)
	if err != nil {
		log.Fatalf("initialise worker: %v", err)
	}

	runErr := application.Run(ctx)
	if err := application.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if runErr != nil {
		log.Fatalf("worker stopped: %v", runErr)
	}
}
