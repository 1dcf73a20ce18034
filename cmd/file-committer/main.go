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
	committerInstance *services.CommitterFunction
	once              sync.Once
	initErr           error
)

func init() {
	_ = godotenv.Load()

	functions.HTTP("CommitFile", commitFile)
}

// main is required by the Go Functions Framework.
func main() {}

func commitFile(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		committerInstance, initErr = services.NewCommitter(context.Background())
	})
	if initErr != nil {
		log.Printf("CRITICAL: Committer initialization failed: %v", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	committerInstance.ServeHTTP(w, r)
}
