package authflow

// Stage is a step of the login flow.
type Stage int

const (
	StageIdle Stage = iota
	StageAwaitingCallback
	StageExchanging
	StageValidatingClaims
	StageCompleted
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAwaitingCallback:
		return "awaiting_callback"
	case StageExchanging:
		return "exchanging"
	case StageValidatingClaims:
		return "validating_claims"
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}
