package main

import (
	"context"
	"log"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/joho/godotenv"

	"github.com/ymatsuda/drive-triage/internal/services"
)

var (
	scannerInstance *services.ScannerFunction
	once            sync.Once
	initErr         error
)

func init() {
	// Local runs pick up a .env file; deployed functions get real env vars.
	_ = godotenv.Load()

	// Register the CloudEvent function with the framework. Cloud Scheduler
	// fires it through Pub/Sub on a fixed interval; the event payload is
	// ignored, each delivery is just a tick.
	functions.CloudEvent("ScanInbox", scanInbox)
}

// main is required by the Go Functions Framework.
func main() {}

func scanInbox(ctx context.Context, _ cloudevents.Event) error {
	// Use sync.Once for robust, one-time initialization of clients.
	once.Do(func() {
		scannerInstance, initErr = services.NewScanner(context.Background())
	})
	if initErr != nil {
		log.Printf("CRITICAL: Scanner initialization failed: %v", initErr)
		return initErr
	}

	// Returning an error would make Pub/Sub redeliver the tick. RunOnce is
	// idempotent through the markers, so redelivery is safe either way.
	return scannerInstance.RunOnce(ctx)
}
