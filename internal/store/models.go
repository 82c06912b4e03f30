package store

import "github.com/BadgerOps/resurrect/internal/restoration"

// ListFilter narrows ListRequests. Zero fields match everything.
type ListFilter struct {
	ProjectID string
	Statuses  []restoration.Status
	Limit     int
}
