package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"google.golang.org/api/option"

	"github.com/ymatsuda/drive-triage/internal/gcp"
	"github.com/ymatsuda/drive-triage/internal/models"
)

// CommitterConfig holds all configuration for the file committer.
type CommitterConfig struct {
	APIKey string
	// DestRootFolderID is the parent under which per-category folders live.
	DestRootFolderID string
}

// commitStorage is the slice of the Drive gateway the committer needs.
type commitStorage interface {
	GetMetadata(ctx context.Context, fileID string) (models.DriveFile, error)
	FindOrCreateFolder(ctx context.Context, name, parentID string) (string, error)
	Rename(ctx context.Context, fileID, newName string) error
	Relocate(ctx context.Context, fileID string, fromParents []string, toParent string) error
	PatchMarker(ctx context.Context, fileID, marker string) error
}

// CommitterFunction performs the rename + relocate that only happens after
// an explicit human approval.
type CommitterFunction struct {
	storage commitStorage
	config  CommitterConfig
}

// loadCommitterConfig loads and validates all environment variables for this service.
func loadCommitterConfig() (*CommitterConfig, error) {
	apiKey := gcp.GetEnv("COMMIT_API_KEY", "")
	if apiKey == "" {
		return nil, &models.ConfigError{Setting: "COMMIT_API_KEY"}
	}
	root := gcp.GetEnv("DEST_ROOT_FOLDER_ID", "")
	if root == "" {
		return nil, &models.ConfigError{Setting: "DEST_ROOT_FOLDER_ID"}
	}
	return &CommitterConfig{APIKey: apiKey, DestRootFolderID: root}, nil
}

// NewCommitter creates a fully wired CommitterFunction from the environment.
func NewCommitter(ctx context.Context) (*CommitterFunction, error) {
	config, err := loadCommitterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	saEmail := gcp.GetEnv("SA_CLIENT_EMAIL", "")
	saKey := gcp.GetEnv("SA_PRIVATE_KEY", "")
	if saEmail == "" || saKey == "" {
		return nil, &models.ConfigError{Setting: "SA_CLIENT_EMAIL / SA_PRIVATE_KEY"}
	}
	broker, err := gcp.NewTokenBroker([]byte(saKey), gcp.GetEnv("TOKEN_ENDPOINT", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create token broker: %w", err)
	}
	identity := gcp.Identity{ClientEmail: saEmail, Scope: driveScope}
	storage, err := gcp.NewDriveGateway(ctx, option.WithTokenSource(broker.TokenSource(ctx, identity)))
	if err != nil {
		return nil, fmt.Errorf("failed to create drive gateway: %w", err)
	}

	return &CommitterFunction{storage: storage, config: *config}, nil
}

// ServeHTTP is the authenticated commit endpoint. It answers the structured
// CommitResult on both success and failure; only transport-level problems
// (auth, malformed JSON) use bare HTTP errors.
func (f *CommitterFunction) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(APIKeyHeader) != f.config.APIKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("ERROR: Could not decode commit body: %v", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		log.Printf("ERROR: Invalid commit request: %v", err)
		writeJSON(w, http.StatusBadRequest, models.CommitResult{
			Success: false,
			Message: fmt.Sprintf("%v: %v", models.ErrInvalidRequest, err),
		})
		return
	}

	result := f.Commit(r.Context(), req)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

// Commit executes one validated commit (or reject) request.
func (f *CommitterFunction) Commit(ctx context.Context, req models.CommitRequest) models.CommitResult {
	if req.Action == models.ActionReject {
		return f.reject(ctx, req)
	}

	// Parentage must be read fresh at commit time: the file may have moved
	// since it was scanned, and a racing duplicate commit may already have
	// relocated it.
	meta, err := f.storage.GetMetadata(ctx, req.FileID)
	if err != nil {
		log.Printf("[File: %s] ERROR: Failed to read metadata: %v", req.FileID, err)
		return models.CommitResult{Success: false, Message: fmt.Sprintf("failed to read file metadata: %v", err)}
	}

	destID, err := f.storage.FindOrCreateFolder(ctx, req.FolderName, f.config.DestRootFolderID)
	if err != nil {
		log.Printf("[File: %s] ERROR: Failed to resolve destination folder %q: %v", req.FileID, req.FolderName, err)
		return models.CommitResult{Success: false, Message: fmt.Sprintf("failed to resolve destination folder: %v", err)}
	}

	// Rename is cosmetic; a failure here must not strand the file in the
	// inbox, so log and carry on to the move.
	if err := f.storage.Rename(ctx, req.FileID, req.NewFileName); err != nil {
		log.Printf("[File: %s] WARNING: Rename to %q failed, continuing with move: %v", req.FileID, req.NewFileName, err)
	}

	if err := f.storage.Relocate(ctx, req.FileID, meta.Parents, destID); err != nil {
		cf := &models.CommitFailure{FileID: req.FileID, Cause: err}
		log.Printf("[File: %s] ERROR: %v", req.FileID, cf)
		return models.CommitResult{Success: false, Message: cf.Error()}
	}

	log.Printf("[File: %s] Committed: renamed to %q, moved to %q.", req.FileID, req.NewFileName, req.FolderName)
	return models.CommitResult{Success: true, Message: fmt.Sprintf("Filed %q into %q", req.NewFileName, req.FolderName)}
}

// reject stamps the terminal manual-review marker; used by the relay when
// the manual-review reject policy is configured. No rename or move happens.
func (f *CommitterFunction) reject(ctx context.Context, req models.CommitRequest) models.CommitResult {
	if err := f.storage.PatchMarker(ctx, req.FileID, models.ManualReviewMarker()); err != nil {
		log.Printf("[File: %s] ERROR: Failed to stamp manual-review marker: %v", req.FileID, err)
		return models.CommitResult{Success: false, Message: fmt.Sprintf("failed to update marker: %v", err)}
	}
	log.Printf("[File: %s] Rejected, marker set to manual review.", req.FileID)
	return models.CommitResult{Success: true, Message: "Marked for manual review"}
}
