package models

import "strings"

// The file description is the only persisted workflow state. There is no
// database; every service decides what to do with a file by parsing the
// marker it finds there.
const (
	markerSkipPrefix    = "SKIP::"
	markerPendingPrefix = "PENDING_RENAME::"
	markerManualReview  = "PROCESSED_MANUAL_REVIEW"
)

// WorkflowState is the decoded form of a file's marker.
type WorkflowState int

const (
	// StateUnseen means no marker is present; the file is fair game for the scanner.
	StateUnseen WorkflowState = iota
	// StateSkipped is terminal: the file was rejected before classification.
	StateSkipped
	// StateAwaitingApproval means a rename was proposed and a human has not decided yet.
	StateAwaitingApproval
	// StateManualReview is terminal: classification failed and a human must sort the file by hand.
	StateManualReview
)

// Marker is the parsed description field of a Drive file.
type Marker struct {
	State WorkflowState
	// Reason holds the skip reason for StateSkipped.
	Reason string
	// FinalName holds the exact name to apply on approval for StateAwaitingApproval.
	FinalName string
}

// ParseMarker decodes a raw description string into a Marker.
// Unrecognized content is treated as Unseen so that files with human-written
// descriptions are still picked up by the scanner.
func ParseMarker(raw string) Marker {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return Marker{State: StateUnseen}
	case raw == markerManualReview:
		return Marker{State: StateManualReview}
	case strings.HasPrefix(raw, markerSkipPrefix):
		return Marker{State: StateSkipped, Reason: strings.TrimPrefix(raw, markerSkipPrefix)}
	case strings.HasPrefix(raw, markerPendingPrefix):
		return Marker{State: StateAwaitingApproval, FinalName: strings.TrimPrefix(raw, markerPendingPrefix)}
	default:
		return Marker{State: StateUnseen}
	}
}

// Handled reports whether the workflow has already dealt with this file and
// the scanner should leave it alone.
func (m Marker) Handled() bool {
	return m.State != StateUnseen
}

// SkipMarker encodes a terminal skip with a human-readable reason.
func SkipMarker(reason string) string {
	return markerSkipPrefix + reason
}

// PendingMarker encodes an awaiting-approval state carrying the exact final
// name. The committer applies this name verbatim; no hop may alter it.
func PendingMarker(finalName string) string {
	return markerPendingPrefix + finalName
}

// ManualReviewMarker encodes the terminal manual-review state.
func ManualReviewMarker() string {
	return markerManualReview
}
