package models

import "time"

// DriveFile is the slice of Drive metadata the workflow actually reads.
// The Description field carries the marker (see marker.go).
type DriveFile struct {
	ID          string
	Name        string
	MimeType    string
	Size        int64
	CreatedTime time.Time
	Description string
	Parents     []string
}

// Marker parses the file's description into its workflow state.
func (f *DriveFile) Marker() Marker {
	return ParseMarker(f.Description)
}

// Classification is the classifier's answer for one document.
type Classification struct {
	Category string `json:"category"`
	FileName string `json:"fileName"`
}

// Categories is the fixed, closed set of destination folders the classifier
// may choose from. Anything outside this list is treated as a classification
// failure and routed to manual review.
var Categories = []string{
	"請求書・領収書",
	"契約書",
	"見積書・発注書",
	"納品書・検収書",
	"公的書類",
	"その他書類",
}

// ValidCategory reports whether category is a member of the closed set.
func ValidCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}

// SupportedMimeTypes lists the document types the classifier accepts.
// Anything else is skipped without an AI call.
var SupportedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/bmp":       true,
	"image/webp":      true,
}
