package main

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/joho/godotenv"

	"github.com/ymatsuda/drive-triage/internal/services"
)

var (
	relayInstance *services.RelayFunction
	once          sync.Once
	initErr       error
)

func init() {
	_ = godotenv.Load()

	// One HTTP entry point serves both surfaces: /notify for the scanner
	// and the root path for Discord's interaction webhook.
	functions.HTTP("HandleApprovalRelay", handleApprovalRelay)
}

// main is required by the Go Functions Framework.
func main() {}

func handleApprovalRelay(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		relayInstance, initErr = services.NewRelay(context.Background())
	})
	if initErr != nil {
		log.Printf("CRITICAL: Relay initialization failed: %v", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	relayInstance.ServeHTTP(w, r)
}
