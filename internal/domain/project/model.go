package project

import "time"

// Project is a shared scene. Version is the project version of the last
// persisted mutation; the live version is held by the scene store.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProjectSummary is a lightweight representation for listing
type ProjectSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Version      int64     `json:"version"`
	ObjectCount  int       `json:"object_count"`
	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`
}
