package service

// State is the phase of the current round as seen by this node.
type State int

const (
	StateIdle State = iota
	StateBuildingProposal
	StateAwaitingProposal
	StateAwaitingPreparations
	StateAwaitingCommits
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateBuildingProposal:
		return "BuildingProposal"
	case StateAwaitingProposal:
		return "AwaitingProposal"
	case StateAwaitingPreparations:
		return "AwaitingPreparations"
	case StateAwaitingCommits:
		return "AwaitingCommits"
	case StateCommitted:
		return "Committed"
	default:
		return "Unknown"
	}
}

// PrepareOutcome is the result of checkPrepareResponse. "Not ready" and
// "responded" are kept apart so callers know whether to retry.
type PrepareOutcome int

const (
	// PrepareNotReady: the proposal still has unresolved transactions.
	PrepareNotReady PrepareOutcome = iota
	// PrepareSkipped: primary, watch-only or already responded.
	PrepareSkipped
	// PrepareRejected: the proposal violates policy; a change view was requested.
	PrepareRejected
	// PrepareResponded: a PrepareResponse was broadcast.
	PrepareResponded
)

func (o PrepareOutcome) String() string {
	switch o {
	case PrepareNotReady:
		return "not_ready"
	case PrepareSkipped:
		return "skipped"
	case PrepareRejected:
		return "rejected"
	case PrepareResponded:
		return "responded"
	default:
		return "unknown"
	}
}

// Outcome labels passed to Metrics.MessageReceived.
const (
	OutcomeAccepted  = "accepted"
	OutcomeStale     = "stale"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeSignature = "bad_signature"
	OutcomeIgnored   = "ignored"
)
