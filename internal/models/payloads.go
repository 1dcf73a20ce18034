package models

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// These structs define the JSON payloads exchanged between the worker Cloud
// Functions. Every inbound body is validated at the boundary; a request that
// fails validation is rejected before any side effect happens.

// Commit actions. An empty action is a normal commit; reject is only used by
// the relay when the reject policy asks for a persisted manual-review marker.
const (
	ActionCommit = "commit"
	ActionReject = "reject"
)

// NotifyRequest is the input for the approval-relay /notify endpoint.
type NotifyRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	FileName    string `json:"fileName"`
	FileID      string `json:"fileId"`
	Category    string `json:"category"`
	NewFileName string `json:"newFileName"`
}

// Validate enforces the fields the decision round-trip cannot live without.
func (r NotifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FileID, validation.Required),
		validation.Field(&r.Category, validation.Required),
	)
}

// NotifyResponse is the output of the /notify endpoint.
type NotifyResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CommitRequest is the input for the file-committer function.
type CommitRequest struct {
	FileID      string `json:"fileId"`
	FolderName  string `json:"folderName"`
	NewFileName string `json:"newFileName"`
	Action      string `json:"action,omitempty"`
}

// Validate checks required fields per action. A reject only needs the file
// id; a commit needs everything the rename and move will apply.
func (r CommitRequest) Validate() error {
	if r.Action == ActionReject {
		return validation.ValidateStruct(&r,
			validation.Field(&r.FileID, validation.Required),
		)
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.FileID, validation.Required),
		validation.Field(&r.FolderName, validation.Required),
		validation.Field(&r.NewFileName, validation.Required),
		validation.Field(&r.Action, validation.In("", ActionCommit)),
	)
}

// CommitResult is the structured output of the file-committer function.
// It replaces an older convention where callers grepped the response body
// for the word "Success".
type CommitResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
