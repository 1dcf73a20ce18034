package gcp

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ymatsuda/drive-triage/internal/models"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	fileFields     = "id, name, mimeType, size, createdTime, description, parents"
)

// DriveGateway is a thin typed client over the Drive v3 API. It exposes only
// the handful of operations the workflow needs and maps every non-2xx answer
// to a models.StorageError.
type DriveGateway struct {
	svc *drive.Service
}

// NewDriveGateway builds the gateway. Pass option.WithTokenSource with a
// TokenBroker source in production; tests pass option.WithEndpoint plus a
// plain HTTP client.
func NewDriveGateway(ctx context.Context, opts ...option.ClientOption) (*DriveGateway, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}
	return &DriveGateway{svc: svc}, nil
}

// ListInbox returns one page of non-trashed children of the folder, capped
// at pageSize. The scanner bounds its run with this cap; no paging loop.
func (g *DriveGateway) ListInbox(ctx context.Context, folderID string, pageSize int64) ([]models.DriveFile, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", SanitizeFolderName(folderID))
	list, err := g.svc.Files.List().
		Q(query).
		PageSize(pageSize).
		Fields(googleapi.Field("files(" + fileFields + ")")).
		Context(ctx).Do()
	if err != nil {
		return nil, asStorageError(err)
	}
	files := make([]models.DriveFile, 0, len(list.Files))
	for _, f := range list.Files {
		files = append(files, toModel(f))
	}
	return files, nil
}

// GetMetadata reads the workflow-relevant fields of a single file. The
// committer calls this fresh at commit time; parents must never be assumed
// from an earlier scan.
func (g *DriveGateway) GetMetadata(ctx context.Context, fileID string) (models.DriveFile, error) {
	f, err := g.svc.Files.Get(fileID).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return models.DriveFile{}, asStorageError(err)
	}
	return toModel(f), nil
}

// PatchMarker writes the marker into the file description. Callers treat a
// failure here as non-fatal; the description is advisory state.
func (g *DriveGateway) PatchMarker(ctx context.Context, fileID, marker string) error {
	_, err := g.svc.Files.Update(fileID, &drive.File{Description: marker}).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return asStorageError(err)
	}
	return nil
}

// Rename changes the file display name.
func (g *DriveGateway) Rename(ctx context.Context, fileID, newName string) error {
	_, err := g.svc.Files.Update(fileID, &drive.File{Name: newName}).
		Fields("id").Context(ctx).Do()
	if err != nil {
		return asStorageError(err)
	}
	return nil
}

// Relocate replaces the file's parentage: removes fromParents, adds toParent.
// Repeating the same relocate is convergent, which is what keeps racing
// duplicate commits safe.
func (g *DriveGateway) Relocate(ctx context.Context, fileID string, fromParents []string, toParent string) error {
	call := g.svc.Files.Update(fileID, &drive.File{}).AddParents(toParent).Fields("id, parents")
	if len(fromParents) > 0 {
		call = call.RemoveParents(strings.Join(fromParents, ","))
	}
	if _, err := call.Context(ctx).Do(); err != nil {
		return asStorageError(err)
	}
	return nil
}

// FindOrCreateFolder searches for a folder with the exact (sanitized) name
// under parentID and creates it when absent. Two concurrent creators can
// both see zero matches and both create; that race is accepted, there is no
// dedup lock on the Drive side.
func (g *DriveGateway) FindOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	clean := SanitizeFolderName(name)
	query := fmt.Sprintf("name = '%s' and '%s' in parents and mimeType = '%s' and trashed = false",
		clean, SanitizeFolderName(parentID), folderMimeType)
	list, err := g.svc.Files.List().Q(query).PageSize(1).Fields("files(id, name)").Context(ctx).Do()
	if err != nil {
		return "", asStorageError(err)
	}
	if len(list.Files) > 0 {
		return list.Files[0].Id, nil
	}

	log.Printf("Destination folder %q not found under %s, creating it.", clean, parentID)
	created, err := g.svc.Files.Create(&drive.File{
		Name:     clean,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", asStorageError(err)
	}
	return created.Id, nil
}

// Download fetches the file content for classification.
func (g *DriveGateway) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := g.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, asStorageError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}
	return data, nil
}

// SanitizeFolderName strips quote characters before a name is embedded in a
// Drive query or used as a folder name. Defends against query injection and
// display artifacts alike.
func SanitizeFolderName(name string) string {
	name = strings.ReplaceAll(name, "'", "")
	name = strings.ReplaceAll(name, `"`, "")
	return strings.TrimSpace(name)
}

func toModel(f *drive.File) models.DriveFile {
	created, _ := time.Parse(time.RFC3339, f.CreatedTime)
	return models.DriveFile{
		ID:          f.Id,
		Name:        f.Name,
		MimeType:    f.MimeType,
		Size:        f.Size,
		CreatedTime: created,
		Description: f.Description,
		Parents:     f.Parents,
	}
}

func asStorageError(err error) error {
	if gerr, ok := err.(*googleapi.Error); ok {
		return &models.StorageError{Code: gerr.Code, Body: gerr.Body}
	}
	return err
}
