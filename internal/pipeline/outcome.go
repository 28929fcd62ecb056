package pipeline

// Outcome records which path a request took through the orchestrator. It is
// published in the State Store before the after-request phase runs.
type Outcome string

const (
	OutcomeShortCircuit Outcome = "short_circuit"
	OutcomeSuccess      Outcome = "success"
	OutcomeFailure      Outcome = "failure"
	// OutcomeRecovered is a failure for which an after-request hook supplied
	// a response. Hooks observe it only once the chain has finished.
	OutcomeRecovered Outcome = "recovered"
)

const outcomeKey = "pipeline.outcome"

// SetOutcome publishes the outcome of the request identified by rc.
func SetOutcome(state *State, rc Context, o Outcome) {
	state.Set(outcomeKey, rc.RequestID, string(o))
}

// OutcomeOf returns the published outcome of the request identified by rc,
// or "" if none has been published.
func OutcomeOf(state *State, rc Context) Outcome {
	v, _ := state.Get(outcomeKey, rc.RequestID)
	return Outcome(v)
}
