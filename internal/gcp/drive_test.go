package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/ymatsuda/drive-triage/internal/models"
)

// fakeDrive is a minimal Drive v3 endpoint: list, create, get, patch.
type fakeDrive struct {
	mux *http.ServeMux

	listQueries []string
	listAnswer  string
	created     []map[string]interface{}
	patched     []map[string]interface{}
	getAnswer   string
	getStatus   int
}

func newFakeDrive() *fakeDrive {
	f := &fakeDrive{mux: http.NewServeMux(), listAnswer: `{"files": []}`, getStatus: http.StatusOK}

	f.mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			f.listQueries = append(f.listQueries, r.URL.Query().Get("q"))
			fmt.Fprint(w, f.listAnswer)
		case http.MethodPost:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			f.created = append(f.created, body)
			fmt.Fprint(w, `{"id": "created-1"}`)
		}
	})
	f.mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if f.getStatus != http.StatusOK {
				w.WriteHeader(f.getStatus)
				fmt.Fprintf(w, `{"error": {"code": %d, "message": "File not found"}}`, f.getStatus)
				return
			}
			fmt.Fprint(w, f.getAnswer)
		case http.MethodPatch:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			body["_query"] = r.URL.RawQuery
			f.patched = append(f.patched, body)
			fmt.Fprint(w, `{"id": "f1"}`)
		}
	})
	return f
}

func newTestGateway(t *testing.T, f *fakeDrive) *DriveGateway {
	t.Helper()
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	gw, err := NewDriveGateway(context.Background(),
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return gw
}

func TestListInbox(t *testing.T) {
	f := newFakeDrive()
	f.listAnswer = `{"files": [
		{"id": "f1", "name": "scan001.pdf", "mimeType": "application/pdf", "size": "2048",
		 "createdTime": "2024-03-01T09:30:00.000Z", "description": "", "parents": ["inbox"]},
		{"id": "f2", "name": "old.pdf", "mimeType": "application/pdf", "size": "100",
		 "createdTime": "2024-02-01T09:30:00.000Z", "description": "PENDING_RENAME::x.pdf", "parents": ["inbox"]}
	]}`
	gw := newTestGateway(t, f)

	files, err := gw.ListInbox(context.Background(), "inbox-id", 20)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "f1", files[0].ID)
	assert.Equal(t, int64(2048), files[0].Size)
	assert.Equal(t, "2024-03-01", files[0].CreatedTime.Format("2006-01-02"))
	assert.Equal(t, models.StateUnseen, files[0].Marker().State)
	assert.Equal(t, models.StateAwaitingApproval, files[1].Marker().State)

	require.Len(t, f.listQueries, 1)
	assert.Contains(t, f.listQueries[0], "'inbox-id' in parents")
	assert.Contains(t, f.listQueries[0], "trashed = false")
}

func TestFindOrCreateFolderFindsExisting(t *testing.T) {
	f := newFakeDrive()
	f.listAnswer = `{"files": [{"id": "existing-folder", "name": "契約書"}]}`
	gw := newTestGateway(t, f)

	id, err := gw.FindOrCreateFolder(context.Background(), "契約書", "root-id")
	require.NoError(t, err)
	assert.Equal(t, "existing-folder", id)
	assert.Empty(t, f.created, "no folder may be created when one exists")
}

func TestFindOrCreateFolderCreatesAndSanitizes(t *testing.T) {
	f := newFakeDrive()
	gw := newTestGateway(t, f)

	id, err := gw.FindOrCreateFolder(context.Background(), `契約書' or "1`, "root-id")
	require.NoError(t, err)
	assert.Equal(t, "created-1", id)

	require.Len(t, f.listQueries, 1)
	assert.NotContains(t, f.listQueries[0], `契約書'`, "quotes must be stripped from the search query")

	require.Len(t, f.created, 1)
	assert.Equal(t, "契約書 or 1", f.created[0]["name"])
	assert.Equal(t, "application/vnd.google-apps.folder", f.created[0]["mimeType"])
	assert.Equal(t, []interface{}{"root-id"}, f.created[0]["parents"])
}

func TestGetMetadata(t *testing.T) {
	f := newFakeDrive()
	f.getAnswer = `{"id": "f1", "name": "a.pdf", "mimeType": "application/pdf",
		"createdTime": "2024-03-01T00:00:00Z", "description": "SKIP::zero-byte file",
		"parents": ["p1", "p2"]}`
	gw := newTestGateway(t, f)

	meta, err := gw.GetMetadata(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, meta.Parents)
	assert.Equal(t, models.StateSkipped, meta.Marker().State)
}

func TestGetMetadataMapsStorageError(t *testing.T) {
	f := newFakeDrive()
	f.getStatus = http.StatusNotFound
	gw := newTestGateway(t, f)

	_, err := gw.GetMetadata(context.Background(), "gone")
	var serr *models.StorageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
}

func TestPatchMarkerAndRename(t *testing.T) {
	f := newFakeDrive()
	gw := newTestGateway(t, f)

	require.NoError(t, gw.PatchMarker(context.Background(), "f1", "PENDING_RENAME::x.pdf"))
	require.NoError(t, gw.Rename(context.Background(), "f1", "2024-03-01_x.pdf"))

	require.Len(t, f.patched, 2)
	assert.Equal(t, "PENDING_RENAME::x.pdf", f.patched[0]["description"])
	assert.Equal(t, "2024-03-01_x.pdf", f.patched[1]["name"])
}

func TestRelocate(t *testing.T) {
	f := newFakeDrive()
	gw := newTestGateway(t, f)

	require.NoError(t, gw.Relocate(context.Background(), "f1", []string{"p1", "p2"}, "dest"))

	require.Len(t, f.patched, 1)
	q, err := url.ParseQuery(f.patched[0]["_query"].(string))
	require.NoError(t, err)
	assert.Equal(t, "dest", q.Get("addParents"))
	assert.Equal(t, "p1,p2", q.Get("removeParents"))
}

func TestSanitizeFolderName(t *testing.T) {
	assert.Equal(t, "契約書", SanitizeFolderName(` 契約書' `))
	assert.Equal(t, "ab", SanitizeFolderName(`"a"'b'`))
	assert.False(t, strings.ContainsAny(SanitizeFolderName(`x'"y`), `'"`))
}
