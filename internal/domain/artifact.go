package domain

import "cloud.google.com/go/civil"

// Artifact is a staged, immutable copy of one source's records for a logical date.
type Artifact struct {
	Source      string     `json:"source"`
	LogicalDate civil.Date `json:"logical_date"`
	Key         string     `json:"key"`
	URI         string     `json:"uri"`
	SHA256      string     `json:"sha256"`
	Size        int64      `json:"size"`
	Records     int        `json:"records"`

	// Created is false when an identical object already existed under Key.
	Created bool `json:"created"`
}
