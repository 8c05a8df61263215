package models

import "time"

// ChangeType is the kind of store mutation carried by a change event.
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeRemoved  ChangeType = "removed"
)

// ChangeEvent is one entry in the store's change stream for a user.
type ChangeEvent struct {
	EventID     string        `json:"event_id"`
	Type        ChangeType    `json:"type"`
	Session     *TimerSession `json:"session"`
	PublishedAt time.Time     `json:"published_at"`
}
