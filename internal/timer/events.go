package timer

// Event is a state-machine notification derived during tick processing.
// Events fire at most once per session; the subscriber set is fixed at
// construction time rather than going through a global dispatcher.
type Event string

const (
	// EventPauseWarning fires once when the remaining pause budget drops below
	// the configured warning lead.
	EventPauseWarning Event = "pause_warning"

	// EventPauseLimitExceeded fires once when the cumulative paused time
	// reaches the budget and the session is force-stopped.
	EventPauseLimitExceeded Event = "pause_limit_exceeded"

	// EventAllocationExceeded fires once when a budgeted session runs past its
	// allocation. The session stays Running and counts into overtime.
	EventAllocationExceeded Event = "allocation_exceeded"
)
