package services

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"google.golang.org/api/option"

	"github.com/ymatsuda/drive-triage/internal/gcp"
	"github.com/ymatsuda/drive-triage/internal/models"
)

// driveScope covers every Drive call the workflow makes.
const driveScope = "https://www.googleapis.com/auth/drive"

// ScannerConfig holds all configuration for the inbox scanner.
type ScannerConfig struct {
	InboxFolderID string
	// ListPageSize bounds the single list page fetched per run.
	ListPageSize int64
	// MaxPerRun caps classified documents per run. The run executes under a
	// hard platform time ceiling and the AI calls dominate; this knob keeps
	// the run inside it.
	MaxPerRun int
}

// inboxStorage is the slice of the Drive gateway the scanner needs.
type inboxStorage interface {
	ListInbox(ctx context.Context, folderID string, pageSize int64) ([]models.DriveFile, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	PatchMarker(ctx context.Context, fileID, marker string) error
}

// documentClassifier is the external AI collaborator.
type documentClassifier interface {
	Classify(ctx context.Context, data []byte, mimeType string) (models.Classification, error)
}

// approvalNotifier delivers approval requests to the relay.
type approvalNotifier interface {
	Notify(ctx context.Context, req models.NotifyRequest) error
}

// ScannerFunction holds the dependencies for one scan run.
type ScannerFunction struct {
	storage    inboxStorage
	classifier documentClassifier
	notifier   approvalNotifier
	config     ScannerConfig
	// preflightPDF validates PDF bytes before they are sent to the model.
	preflightPDF func(data []byte) error
}

// loadScannerConfig loads and validates all environment variables for this service.
func loadScannerConfig() (*ScannerConfig, error) {
	inbox := gcp.GetEnv("INBOX_FOLDER_ID", "")
	if inbox == "" {
		return nil, &models.ConfigError{Setting: "INBOX_FOLDER_ID"}
	}
	pageSize, err := strconv.ParseInt(gcp.GetEnv("SCAN_PAGE_SIZE", "20"), 10, 64)
	if err != nil || pageSize <= 0 {
		return nil, &models.ConfigError{Setting: "SCAN_PAGE_SIZE"}
	}
	maxPerRun, err := strconv.Atoi(gcp.GetEnv("SCAN_MAX_PER_RUN", "10"))
	if err != nil || maxPerRun <= 0 {
		return nil, &models.ConfigError{Setting: "SCAN_MAX_PER_RUN"}
	}
	return &ScannerConfig{
		InboxFolderID: inbox,
		ListPageSize:  pageSize,
		MaxPerRun:     maxPerRun,
	}, nil
}

// NewScanner creates a fully wired ScannerFunction from the environment.
func NewScanner(ctx context.Context) (*ScannerFunction, error) {
	config, err := loadScannerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, &models.ConfigError{Setting: "PROJECT_ID"}
	}
	saEmail := gcp.GetEnv("SA_CLIENT_EMAIL", "")
	saKey := gcp.GetEnv("SA_PRIVATE_KEY", "")
	if saEmail == "" || saKey == "" {
		return nil, &models.ConfigError{Setting: "SA_CLIENT_EMAIL / SA_PRIVATE_KEY"}
	}
	relayURL := gcp.GetEnv("RELAY_URL", "")
	relayKey := gcp.GetEnv("RELAY_API_KEY", "")
	if relayURL == "" || relayKey == "" {
		return nil, &models.ConfigError{Setting: "RELAY_URL / RELAY_API_KEY"}
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

	classifier, err := gcp.NewClassifierClient(ctx, projectID,
		gcp.GetEnv("VERTEX_AI_REGION", "asia-northeast1"),
		gcp.GetEnv("GEMINI_MODEL", "gemini-1.5-pro"))
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier client: %w", err)
	}

	return &ScannerFunction{
		storage:      storage,
		classifier:   classifier,
		notifier:     NewRelayClient(relayURL, relayKey),
		config:       *config,
		preflightPDF: validatePDFBytes,
	}, nil
}

// RunOnce scans one page of the inbox and drives each unseen file to its
// next state. It is idempotent: overlapping runs are tolerated through the
// marker check alone, there is no locking. A failure on one file never
// aborts the rest of the run.
func (s *ScannerFunction) RunOnce(ctx context.Context) error {
	execID := uuid.NewString()
	files, err := s.storage.ListInbox(ctx, s.config.InboxFolderID, s.config.ListPageSize)
	if err != nil {
		log.Printf("[Exec: %s] ERROR: Failed to list inbox: %v", execID, err)
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	log.Printf("[Exec: %s] Scan started, %d candidate file(s) in inbox.", execID, len(files))

	classified := 0
	for i := range files {
		if classified >= s.config.MaxPerRun {
			log.Printf("[Exec: %s] Per-run cap of %d reached, leaving the rest for the next run.", execID, s.config.MaxPerRun)
			break
		}
		if s.processFile(ctx, execID, &files[i]) {
			classified++
		}
	}
	log.Printf("[Exec: %s] Scan finished, %d file(s) sent to classification.", execID, classified)
	return nil
}

// processFile drives a single file. The return value reports whether the
// file consumed a classification slot (i.e. reached the AI call).
func (s *ScannerFunction) processFile(ctx context.Context, execID string, f *models.DriveFile) bool {
	if f.Marker().Handled() {
		return false
	}

	if f.Size == 0 {
		log.Printf("[File: %s][Exec: %s] Zero-byte file, skipping.", f.ID, execID)
		s.patchMarker(ctx, execID, f.ID, models.SkipMarker("zero-byte file"))
		return false
	}
	if !models.SupportedMimeTypes[f.MimeType] {
		log.Printf("[File: %s][Exec: %s] Unsupported type %q, skipping.", f.ID, execID, f.MimeType)
		s.patchMarker(ctx, execID, f.ID, models.SkipMarker("unsupported type: "+f.MimeType))
		return false
	}

	data, err := s.storage.Download(ctx, f.ID)
	if err != nil {
		log.Printf("[File: %s][Exec: %s] ERROR: Failed to download content: %v", f.ID, execID, err)
		s.routeToManualReview(ctx, execID, f, "API error")
		return false
	}

	if f.MimeType == "application/pdf" {
		if err := s.preflightPDF(data); err != nil {
			log.Printf("[File: %s][Exec: %s] PDF failed validation, skipping: %v", f.ID, execID, err)
			s.patchMarker(ctx, execID, f.ID, models.SkipMarker("non-conforming file"))
			return false
		}
	}

	result, err := s.classifier.Classify(ctx, data, f.MimeType)
	if err != nil {
		log.Printf("[File: %s][Exec: %s] ERROR: Classification failed: %v", f.ID, execID, err)
		s.routeToManualReview(ctx, execID, f, "API error")
		return true
	}
	if !models.ValidCategory(result.Category) || result.FileName == "" {
		log.Printf("[File: %s][Exec: %s] ERROR: Model returned unusable result (category=%q, name=%q).",
			f.ID, execID, result.Category, result.FileName)
		s.routeToManualReview(ctx, execID, f, "non-conforming file")
		return true
	}

	finalName := buildFinalName(f, result.FileName)
	s.patchMarker(ctx, execID, f.ID, models.PendingMarker(finalName))

	req := models.NotifyRequest{
		Title:       "ファイル整理の承認",
		Description: fmt.Sprintf("New document classified as %s. Approve to rename and file it.", result.Category),
		FileName:    f.Name,
		FileID:      f.ID,
		Category:    result.Category,
		NewFileName: finalName,
	}
	if err := s.notifier.Notify(ctx, req); err != nil {
		// No retry here. The marker is already PENDING_RENAME, so a future
		// external trigger can surface this file again.
		log.Printf("[File: %s][Exec: %s] ERROR: Failed to send approval request: %v", f.ID, execID, err)
		return true
	}
	log.Printf("[File: %s][Exec: %s] Approval requested: %q -> %q (%s).", f.ID, execID, f.Name, finalName, result.Category)
	return true
}

// routeToManualReview stamps the terminal manual-review marker and sends a
// failure-flavored notification. No PENDING_RENAME is written on this path.
func (s *ScannerFunction) routeToManualReview(ctx context.Context, execID string, f *models.DriveFile, reasonTag string) {
	s.patchMarker(ctx, execID, f.ID, models.ManualReviewMarker())
	req := models.NotifyRequest{
		Title:       "⚠️ ファイル整理",
		Description: fmt.Sprintf("Manual review needed for %q.", f.Name),
		FileName:    f.Name,
		FileID:      f.ID,
		Category:    fmt.Sprintf("Manual review needed (%s)", reasonTag),
	}
	if err := s.notifier.Notify(ctx, req); err != nil {
		log.Printf("[File: %s][Exec: %s] ERROR: Failed to send manual-review notification: %v", f.ID, execID, err)
	}
}

// patchMarker is best-effort: a failed description write is logged and the
// run continues. The marker is advisory state, not a lock.
func (s *ScannerFunction) patchMarker(ctx context.Context, execID, fileID, marker string) {
	if err := s.storage.PatchMarker(ctx, fileID, marker); err != nil {
		log.Printf("[File: %s][Exec: %s] WARNING: Failed to write marker %q: %v", fileID, execID, marker, err)
	}
}

// buildFinalName composes <creation-date>_<suggested><original-extension>.
// This exact string rides inside the PENDING_RENAME marker and the approval
// message, and is applied verbatim by the committer.
func buildFinalName(f *models.DriveFile, suggested string) string {
	return f.CreatedTime.Format("2006-01-02") + "_" + suggested + filepath.Ext(f.Name)
}

func validatePDFBytes(data []byte) error {
	cfg := pdfmodel.NewDefaultConfiguration()
	cfg.ValidationMode = pdfmodel.ValidationRelaxed
	return api.Validate(bytes.NewReader(data), cfg)
}
