// Package verification sequences the network, liveness and biometric checks
// of one attendance verification attempt into a single decision.
package verification

import (
	"errors"
	"time"

	"github.com/onnwee/presence/internal/ledger"
)

var (
	// ErrCapabilityUnavailable is returned when an external inference
	// capability fails. The attempt is finalized as rejected.
	ErrCapabilityUnavailable = errors.New("verification capability unavailable")

	// ErrMissingIdentity is returned when no identity claim is supplied.
	ErrMissingIdentity = errors.New("identity is required")

	// ErrMissingImage is returned when no primary image is supplied.
	ErrMissingImage = errors.New("primary image is required")
)

// Outcome is the overall result of a verification.
type Outcome string

// Outcomes.
const (
	OutcomeAccepted         Outcome = "Accepted"
	OutcomeAlreadySatisfied Outcome = "AlreadySatisfied"
	OutcomeRejected         Outcome = "Rejected"
)

// Reason explains a rejection. Every rejection carries exactly one reason.
type Reason string

// Rejection reasons.
const (
	ReasonNetworkDenied         Reason = "NetworkDenied"
	ReasonLivenessFailed        Reason = "LivenessFailed"
	ReasonNoFaceDetected        Reason = "NoFaceDetected"
	ReasonIdentityMismatch      Reason = "IdentityMismatch"
	ReasonConfigurationError    Reason = "ConfigurationError"
	ReasonCapabilityUnavailable Reason = "CapabilityUnavailable"
)

// State is a step of the verification state machine.
type State string

// States, in transition order. Accepted and Rejected are terminal.
const (
	StatePending         State = "Pending"
	StateNetworkChecked  State = "NetworkChecked"
	StateLivenessChecked State = "LivenessChecked"
	StateMatchChecked    State = "MatchChecked"
	StateAccepted        State = "Accepted"
	StateRejected        State = "Rejected"
)

var transitions = map[State][]State{
	StatePending:         {StateNetworkChecked, StateRejected},
	StateNetworkChecked:  {StateLivenessChecked, StateRejected},
	StateLivenessChecked: {StateMatchChecked, StateRejected},
	StateMatchChecked:    {StateAccepted, StateRejected},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected
}

// CanTransition reports whether the machine may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Input is one verification request for an already-authenticated identity.
type Input struct {
	IdentityID string
	// PrimaryImage is matched against the identity's enrolled embeddings.
	PrimaryImage []byte
	// Sequence is the liveness image sequence, in capture order.
	Sequence      [][]byte
	NetworkName   string
	ClientAddress string
	// SubmittedAt defaults to the orchestrator's clock.
	SubmittedAt time.Time
}

// NetworkScore reports the network stage.
type NetworkScore struct {
	Allowed        bool    `json:"allowed"`
	SecurityScore  float64 `json:"security_score"`
	NameMatched    bool    `json:"name_matched"`
	AddressMatched bool    `json:"address_matched"`
	PolicyID       string  `json:"policy_id,omitempty"`
	Reason         string  `json:"reason"`
}

// LivenessScore reports the liveness stage.
type LivenessScore struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Scored     bool    `json:"scored"`
}

// MatchScore reports the biometric stage.
type MatchScore struct {
	Similarity         float64 `json:"similarity"`
	MatchedEmbeddingID string  `json:"matched_embedding_id,omitempty"`
	Compared           int     `json:"compared"`
	// Corroborated is true when a borderline similarity was accepted on the
	// strength of the liveness confidence.
	Corroborated bool `json:"corroborated"`
}

// Scores holds the result of every stage that ran. Stages skipped by an
// earlier rejection are nil.
type Scores struct {
	Network  *NetworkScore  `json:"network,omitempty"`
	Liveness *LivenessScore `json:"liveness,omitempty"`
	Match    *MatchScore    `json:"match,omitempty"`
}

// Result is the engine's answer for one attempt.
type Result struct {
	AttemptID   string  `json:"attempt_id"`
	Outcome     Outcome `json:"outcome"`
	Reason      Reason  `json:"reason,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	State       State   `json:"state"`
	PeriodKey   string  `json:"period_key"`
	EventID     string  `json:"event_id,omitempty"`
	EvidenceKey string  `json:"-"`
	Scores      Scores  `json:"scores"`
	// Risk is advisory and never changes Outcome.
	Risk *ledger.Risk `json:"risk,omitempty"`
}

// Label renders the outcome as Accepted, AlreadySatisfied or Rejected:<reason>.
func (r *Result) Label() string {
	if r.Outcome == OutcomeRejected {
		return string(OutcomeRejected) + ":" + string(r.Reason)
	}
	return string(r.Outcome)
}
