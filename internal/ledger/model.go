// Package ledger records verification attempts and accepted attendance
// events, and guarantees at most one event per identity per period.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrAttemptNotFound is returned when an attempt does not exist.
	ErrAttemptNotFound = errors.New("verification attempt not found")

	// ErrAttemptFinalized is returned when finalizing an attempt that is no longer pending.
	ErrAttemptFinalized = errors.New("verification attempt already finalized")

	// ErrIdentityMismatch is returned when finalize names a different identity than the attempt.
	ErrIdentityMismatch = errors.New("attempt belongs to a different identity")

	// ErrMissingIdentity is returned when recording an attempt without an identity.
	ErrMissingIdentity = errors.New("identity id is required")
)

// AttemptStatus is the lifecycle state of a VerificationAttempt.
type AttemptStatus string

// Attempt statuses. Everything except StatusPending is terminal.
const (
	StatusPending          AttemptStatus = "pending"
	StatusAccepted         AttemptStatus = "accepted"
	StatusAlreadySatisfied AttemptStatus = "already_satisfied"
	StatusRejected         AttemptStatus = "rejected"
	StatusAbandoned        AttemptStatus = "abandoned"
)

// Terminal reports whether no further transition is allowed.
func (s AttemptStatus) Terminal() bool {
	return s != StatusPending
}

// StageScores carries per-stage results. Nil fields mark stages that did not run.
type StageScores struct {
	NetworkAllowed     *bool    `json:"network_allowed,omitempty"`
	NetworkScore       *float64 `json:"network_score,omitempty"`
	LivenessPassed     *bool    `json:"liveness_passed,omitempty"`
	LivenessConfidence *float64 `json:"liveness_confidence,omitempty"`
	MatchSimilarity    *float64 `json:"match_similarity,omitempty"`
	MatchedEmbeddingID string   `json:"matched_embedding_id,omitempty"`
}

// RiskLevel grades an identity's recent attempt pattern.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Risk is an advisory annotation recorded with an attempt. It never changes
// the attempt's outcome.
type Risk struct {
	Level RiskLevel `json:"level"`
	Flags []string  `json:"flags,omitempty"`
}

// Flagged reports whether r is above RiskLow.
func (r *Risk) Flagged() bool {
	return r != nil && r.Level != "" && r.Level != RiskLow
}

func (r *Risk) clone() *Risk {
	if r == nil {
		return nil
	}
	out := *r
	out.Flags = append([]string(nil), r.Flags...)
	return &out
}

// Attempt is the audit record of one verification invocation.
type Attempt struct {
	ID            string        `json:"id"`
	IdentityID    string        `json:"identity_id"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	PeriodKey     string        `json:"period_key"`
	NetworkName   string        `json:"network_name,omitempty"`
	ClientAddress string        `json:"client_address,omitempty"`
	Status        AttemptStatus `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Scores        StageScores   `json:"scores"`
	Risk          *Risk         `json:"risk,omitempty"`
	EvidenceKey   string        `json:"evidence_key,omitempty"`
	EventID       string        `json:"event_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	FinalizedAt   *time.Time    `json:"finalized_at,omitempty"`
}

// Event is an accepted attendance record.
type Event struct {
	ID                 string    `json:"id"`
	IdentityID         string    `json:"identity_id"`
	PeriodKey          string    `json:"period_key"`
	AttemptID          string    `json:"attempt_id"`
	RecordedAt         time.Time `json:"recorded_at"`
	MatchSimilarity    float64   `json:"match_similarity"`
	LivenessConfidence float64   `json:"liveness_confidence"`
	NetworkScore       float64   `json:"network_score"`
}

// Outcome is the orchestrator's verdict handed to Finalize.
type Outcome struct {
	Accepted    bool
	Reason      string
	Detail      string
	Scores      StageScores
	Risk        *Risk
	EvidenceKey string
}

// FinalizeStatus is the ledger's answer to Finalize.
type FinalizeStatus string

// Finalize statuses.
const (
	FinalizeRecorded         FinalizeStatus = "recorded"
	FinalizeAlreadySatisfied FinalizeStatus = "already_satisfied"
	FinalizeRejected         FinalizeStatus = "rejected"
)

// FinalizeResult reports what Finalize did. Event is the new event for
// FinalizeRecorded and the pre-existing one for FinalizeAlreadySatisfied.
type FinalizeResult struct {
	Status FinalizeStatus `json:"status"`
	Event  *Event         `json:"event,omitempty"`
}

// Completion is a terminal transition applied to a pending attempt.
type Completion struct {
	AttemptID   string
	Status      AttemptStatus
	Reason      string
	Detail      string
	Scores      StageScores
	Risk        *Risk
	EvidenceKey string
	FinalizedAt time.Time
}

// History is a page of an identity's attendance record.
type History struct {
	IdentityID string    `json:"identity_id"`
	Events     []Event   `json:"events"`
	Attempts   []Attempt `json:"attempts"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
}

// PeriodSummary aggregates one identity's activity in one period.
type PeriodSummary struct {
	IdentityID        string         `json:"identity_id"`
	PeriodKey         string         `json:"period_key"`
	Satisfied         bool           `json:"satisfied"`
	Event             *Event         `json:"event,omitempty"`
	Attempts          int            `json:"attempts"`
	Rejections        map[string]int `json:"rejections"`
	FirstAttemptAt    *time.Time     `json:"first_attempt_at,omitempty"`
	LastAttemptAt     *time.Time     `json:"last_attempt_at,omitempty"`
	AverageSimilarity *float64       `json:"average_similarity,omitempty"`
	LivenessPasses    int            `json:"liveness_passes"`
}

// PeriodTotals are the raw counts behind a PeriodReport.
type PeriodTotals struct {
	Attempts         int
	Identities       int
	Pending          int
	Accepted         int
	AlreadySatisfied int
	Rejected         int
	Abandoned        int
	NetworkChecked   int
	NetworkPassed    int
	Matched          int // attempts with a similarity score
	SimilaritySum    float64
	Flagged          int // attempts with risk above low
}

// PeriodReport aggregates every identity's activity in one period and pages
// through its attempt log, newest first.
type PeriodReport struct {
	PeriodKey               string         `json:"period_key"`
	Attempts                int            `json:"attempts"`
	Identities              int            `json:"identities"`
	Events                  int            `json:"events"`
	Outcomes                map[string]int `json:"outcomes"`
	VerificationSuccessRate float64        `json:"verification_success_rate"`
	NetworkPassRate         float64        `json:"network_pass_rate"`
	AverageSimilarity       *float64       `json:"average_similarity,omitempty"`
	FlaggedAttempts         int            `json:"flagged_attempts"`
	Log                     []Attempt      `json:"log"`
	Limit                   int            `json:"limit"`
	Offset                  int            `json:"offset"`
}
