package models

import "time"

// ConflictType classifies the mismatch between a pending local snapshot and an
// incoming remote snapshot for the same session key.
type ConflictType string

const (
	// ConflictTypeDifferentTimer means two sessions claim the same logical slot.
	ConflictTypeDifferentTimer ConflictType = "different_timer"
	// ConflictTypeStateMismatch means local and remote disagree on paused state.
	ConflictTypeStateMismatch ConflictType = "state_mismatch"
	// ConflictTypeTimeDrift means the recorded start times diverge beyond the drift window.
	ConflictTypeTimeDrift ConflictType = "time_drift"
)

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy string

const (
	StrategyServerWins ResolutionStrategy = "server_wins"
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyUserChoice ResolutionStrategy = "user_choice"
	StrategyMerge      ResolutionStrategy = "merge"
)

// Valid reports whether the strategy is one of the known values.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyLocalWins, StrategyUserChoice, StrategyMerge:
		return true
	}
	return false
}

// Conflict is a transient record of one detected mismatch. It is created by
// the detector, consumed by the resolver, and never persisted.
type Conflict struct {
	ID         string       `json:"id"`
	Key        SessionKey   `json:"key"`
	Type       ConflictType `json:"type"`
	Local      *TimerSession `json:"local"`
	Remote     *TimerSession `json:"remote"`
	DetectedAt time.Time    `json:"detected_at"`
}
