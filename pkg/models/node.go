// Package models contains the data types shared by the server and clients.
package models

import (
	"path"
	"regexp"
	"time"
)

// NodeType distinguishes files from directories.
type NodeType string

const (
	TypeFile NodeType = "file"
	TypeDir  NodeType = "dir"
)

// Node is one entry of a workspace directory listing. Paths are
// slash-rooted and relative to the workspace root: "/", "/src", "/src/app.js".
type Node struct {
	Path string   `json:"path"`
	Type NodeType `json:"type"`
}

// IsDir reports whether the node is a directory.
func (n Node) IsDir() bool { return n.Type == TypeDir }

// Name returns the last path element.
func (n Node) Name() string { return path.Base(n.Path) }

// Parent returns the path of the containing directory.
func (n Node) Parent() string { return path.Dir(n.Path) }

// WorkspaceStatus is the provisioning state of a workspace.
type WorkspaceStatus string

const (
	StatusProvisioning WorkspaceStatus = "provisioning"
	StatusReady        WorkspaceStatus = "ready"
	StatusFailed       WorkspaceStatus = "failed"
)

// Workspace is the record kept for every provisioned workspace.
type Workspace struct {
	ID        string          `json:"workspaceId"`
	Language  string          `json:"language"`
	Status    WorkspaceStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// CreateWorkspaceRequest is the body of POST /api/v1/workspaces.
type CreateWorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Language    string `json:"language"`
}

// ErrorResponse is returned on HTTP API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

var workspaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidWorkspaceID reports whether id is usable as a workspace identifier.
// Identifiers become object key segments and directory names.
func ValidWorkspaceID(id string) bool {
	return workspaceIDPattern.MatchString(id)
}
