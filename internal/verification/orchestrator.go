package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/presence/internal/biometric"
	"github.com/onnwee/presence/internal/ledger"
	"github.com/onnwee/presence/internal/liveness"
	"github.com/onnwee/presence/internal/network"
	"github.com/onnwee/presence/internal/tracing"
)

// NetworkChecker evaluates reported network metadata.
type NetworkChecker interface {
	Check(ctx context.Context, report network.Report) (network.Decision, error)
}

// LivenessEvaluator scores an image sequence.
type LivenessEvaluator interface {
	Evaluate(ctx context.Context, sequence [][]byte) (liveness.Result, error)
}

// EmbeddingMatcher compares a live capture with one identity's enrollment.
type EmbeddingMatcher interface {
	HasEnrollment(ctx context.Context, identityID string) (bool, error)
	Match(ctx context.Context, image []byte, identityID string) (*biometric.MatchResult, error)
}

// AttemptLedger records attempts and attendance events.
type AttemptLedger interface {
	RecordAttempt(ctx context.Context, a *ledger.Attempt) (string, error)
	Finalize(ctx context.Context, attemptID, identityID string, outcome ledger.Outcome) (*ledger.FinalizeResult, error)
	Abandon(ctx context.Context, attemptID string, scores ledger.StageScores, detail string) error
}

// EvidenceArchiver stores the primary capture of an attempt and returns its key.
type EvidenceArchiver interface {
	Archive(ctx context.Context, periodKey, attemptID string, image []byte) (string, error)
}

// Config configures an Orchestrator.
type Config struct {
	Thresholds Thresholds
	// Archiver is optional. Archival failures never change an outcome.
	Archiver EvidenceArchiver
	// History is optional. When set, matched attempts carry an advisory
	// risk annotation computed from the identity's recent attempts.
	History AttemptHistory
	// Risk defaults to DefaultRiskConfig.
	Risk RiskConfig
	// Metrics is optional.
	Metrics *Metrics
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs the verification state machine:
// Pending → NetworkChecked → LivenessChecked → MatchChecked → {Accepted, Rejected}.
// Stages run in that fixed order and the first failing stage rejects the
// attempt without running the remaining ones.
type Orchestrator struct {
	network  NetworkChecker
	liveness LivenessEvaluator
	matcher  EmbeddingMatcher
	ledger   AttemptLedger

	thresholds Thresholds
	archiver   EvidenceArchiver
	history    AttemptHistory
	risk       RiskConfig
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config, checker NetworkChecker, evaluator LivenessEvaluator, matcher EmbeddingMatcher, l AttemptLedger) (*Orchestrator, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Risk == (RiskConfig{}) {
		cfg.Risk = DefaultRiskConfig()
	}
	return &Orchestrator{
		network:    checker,
		liveness:   evaluator,
		matcher:    matcher,
		ledger:     l,
		thresholds: cfg.Thresholds,
		archiver:   cfg.Archiver,
		history:    cfg.History,
		risk:       cfg.Risk,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// attempt carries the state of one invocation.
type attempt struct {
	in     Input
	result *Result
	audit  ledger.StageScores
}

func (a *attempt) advance(next State) {
	if !a.result.State.CanTransition(next) {
		panic(fmt.Sprintf("verification: illegal transition %s -> %s", a.result.State, next))
	}
	a.result.State = next
}

func (a *attempt) reject(reason Reason, detail string) {
	a.advance(StateRejected)
	a.result.Outcome = OutcomeRejected
	a.result.Reason = reason
	a.result.Detail = detail
}

// Verify runs one verification attempt.
//
// Rejections are returned as a Result with Outcome Rejected. A non-nil error
// means the attempt could not be decided: storage failure, an unavailable
// inference capability (ErrCapabilityUnavailable), or cancellation of ctx.
// A cancelled attempt is marked abandoned and never produces an event.
// Once the attempt is recorded the Result is returned alongside any error,
// carrying its ID and the last state reached.
func (o *Orchestrator) Verify(ctx context.Context, in Input) (res *Result, err error) {
	if in.IdentityID == "" {
		return nil, ErrMissingIdentity
	}
	if len(in.PrimaryImage) == 0 {
		return nil, ErrMissingImage
	}
	if in.SubmittedAt.IsZero() {
		in.SubmittedAt = o.now()
	}

	ctx, endSpan := tracing.StartSpan(ctx, "verification.verify")
	defer func() { endSpan(err) }()

	record := &ledger.Attempt{
		IdentityID:    in.IdentityID,
		SubmittedAt:   in.SubmittedAt,
		NetworkName:   in.NetworkName,
		ClientAddress: in.ClientAddress,
	}
	attemptID, err := o.ledger.RecordAttempt(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to record verification attempt: %w", err)
	}

	a := &attempt{
		in: in,
		result: &Result{
			AttemptID: attemptID,
			State:     StatePending,
			PeriodKey: record.PeriodKey,
		},
	}
	tracing.SetAttributes(ctx,
		attribute.String("verification.attempt_id", attemptID),
		attribute.String("verification.period_key", record.PeriodKey),
	)

	if err := o.runStages(ctx, a); err != nil {
		return a.result, o.fail(ctx, a, err)
	}
	if err := o.finalize(ctx, a); err != nil {
		return a.result, o.fail(ctx, a, err)
	}
	return a.result, nil
}

// runStages leaves a.result either rejected or in StateMatchChecked.
func (o *Orchestrator) runStages(ctx context.Context, a *attempt) error {
	stages := []func(context.Context, *attempt) error{
		o.checkEnrollment,
		o.checkNetwork,
		o.checkLiveness,
		o.checkMatch,
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := stage(ctx, a); err != nil {
			return err
		}
		if a.result.State.Terminal() {
			return nil
		}
	}
	return nil
}

// checkEnrollment rejects identities with nothing to match against before
// any stage runs, so no inference is spent on them.
func (o *Orchestrator) checkEnrollment(ctx context.Context, a *attempt) (err error) {
	defer o.observeStage(StageEnrollment, o.now())

	enrolled, err := o.matcher.HasEnrollment(ctx, a.in.IdentityID)
	if err != nil {
		return err
	}
	if !enrolled {
		a.reject(ReasonConfigurationError, biometric.ErrNoEnrolledEmbeddings.Error())
	}
	return nil
}

func (o *Orchestrator) checkNetwork(ctx context.Context, a *attempt) (err error) {
	defer o.observeStage(StageNetwork, o.now())
	ctx, endSpan := tracing.StartSpan(ctx, "verification.network")
	defer func() { endSpan(err) }()

	decision, err := o.network.Check(ctx, network.Report{
		NetworkName: a.in.NetworkName,
		Address:     a.in.ClientAddress,
	})
	if err != nil {
		return err
	}

	score := &NetworkScore{
		Allowed:        decision.Allowed,
		SecurityScore:  decision.SecurityScore,
		NameMatched:    decision.NameMatched,
		AddressMatched: decision.AddressMatched,
		Reason:         decision.Reason,
	}
	if decision.MatchedPolicy != nil {
		score.PolicyID = decision.MatchedPolicy.ID
	}
	a.result.Scores.Network = score
	a.audit.NetworkAllowed = &score.Allowed
	a.audit.NetworkScore = &score.SecurityScore
	tracing.SetAttributes(ctx,
		attribute.Bool("network.allowed", decision.Allowed),
		attribute.Float64("network.security_score", decision.SecurityScore),
	)

	switch {
	case decision.Unconfigured:
		a.reject(ReasonConfigurationError, network.ReasonNoPolicy)
	case !decision.Allowed:
		a.reject(ReasonNetworkDenied, decision.Reason)
	default:
		a.advance(StateNetworkChecked)
	}
	return nil
}

func (o *Orchestrator) checkLiveness(ctx context.Context, a *attempt) (err error) {
	defer o.observeStage(StageLiveness, o.now())
	ctx, endSpan := tracing.StartSpan(ctx, "verification.liveness")
	defer func() { endSpan(err) }()

	result, err := o.liveness.Evaluate(ctx, a.in.Sequence)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return o.capabilityFailure(a, StageLiveness, err)
	}

	a.result.Scores.Liveness = &LivenessScore{
		Passed:     result.Passed,
		Confidence: result.Confidence,
		Scored:     result.Scored,
	}
	a.audit.LivenessPassed = &a.result.Scores.Liveness.Passed
	a.audit.LivenessConfidence = &a.result.Scores.Liveness.Confidence
	if result.Scored && o.metrics != nil {
		o.metrics.ObserveLivenessConfidence(result.Confidence)
	}
	tracing.SetAttributes(ctx,
		attribute.Bool("liveness.passed", result.Passed),
		attribute.Float64("liveness.confidence", result.Confidence),
	)

	if !result.Passed {
		detail := "liveness confidence below threshold"
		if !result.Scored {
			detail = fmt.Sprintf("liveness requires at least %d images", liveness.MinSequenceLength)
		}
		a.reject(ReasonLivenessFailed, detail)
		return nil
	}
	a.advance(StateLivenessChecked)
	return nil
}

func (o *Orchestrator) checkMatch(ctx context.Context, a *attempt) (err error) {
	defer o.observeStage(StageMatch, o.now())
	ctx, endSpan := tracing.StartSpan(ctx, "verification.match")
	defer func() { endSpan(err) }()

	match, err := o.matcher.Match(ctx, a.in.PrimaryImage, a.in.IdentityID)
	switch {
	case err == nil:
	case errors.Is(err, biometric.ErrNoFace):
		a.reject(ReasonNoFaceDetected, "no usable face region found in the image")
		return nil
	case errors.Is(err, biometric.ErrNoEnrolledEmbeddings), errors.Is(err, biometric.ErrDimensionMismatch):
		a.reject(ReasonConfigurationError, err.Error())
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, biometric.ErrExtractorFailed):
		return o.capabilityFailure(a, StageMatch, err)
	default:
		return err
	}

	confidence := 0.0
	if a.result.Scores.Liveness != nil {
		confidence = a.result.Scores.Liveness.Confidence
	}
	accepted, corroborated := o.thresholds.AcceptMatch(match.BestSimilarity, confidence)

	a.result.Scores.Match = &MatchScore{
		Similarity:         match.BestSimilarity,
		MatchedEmbeddingID: match.MatchedEmbeddingID,
		Compared:           match.Compared,
		Corroborated:       corroborated,
	}
	a.audit.MatchSimilarity = &a.result.Scores.Match.Similarity
	a.audit.MatchedEmbeddingID = match.MatchedEmbeddingID
	if o.metrics != nil {
		o.metrics.ObserveSimilarity(match.BestSimilarity)
	}
	tracing.SetAttributes(ctx,
		attribute.Float64("match.similarity", match.BestSimilarity),
		attribute.Bool("match.corroborated", corroborated),
	)

	if !accepted {
		a.reject(ReasonIdentityMismatch, "face did not match the enrolled identity")
		return nil
	}
	a.advance(StateMatchChecked)
	return nil
}

// capabilityFailure rejects the attempt and reports the failure as an error.
func (o *Orchestrator) capabilityFailure(a *attempt, stage string, cause error) error {
	a.reject(ReasonCapabilityUnavailable, stage+" capability unavailable")
	return &capabilityError{stage: stage, cause: cause}
}

type capabilityError struct {
	stage string
	cause error
}

func (e *capabilityError) Error() string {
	return fmt.Sprintf("%s: %s stage: %v", ErrCapabilityUnavailable, e.stage, e.cause)
}

func (e *capabilityError) Unwrap() []error {
	return []error{ErrCapabilityUnavailable, e.cause}
}

// finalize archives evidence and commits the decision to the ledger.
func (o *Orchestrator) finalize(ctx context.Context, a *attempt) (err error) {
	defer o.observeStage(StageFinalize, o.now())

	if a.result.State == StateMatchChecked {
		o.assessRisk(ctx, a)
		a.advance(StateAccepted)
		a.result.Outcome = OutcomeAccepted
	}

	o.archive(ctx, a)

	if err := ctx.Err(); err != nil {
		return err
	}

	outcome := ledger.Outcome{
		Accepted:    a.result.State == StateAccepted,
		Reason:      string(a.result.Reason),
		Detail:      a.result.Detail,
		Scores:      a.audit,
		EvidenceKey: a.result.EvidenceKey,
		Risk:        a.result.Risk,
	}
	fin, err := o.ledger.Finalize(ctx, a.result.AttemptID, a.in.IdentityID, outcome)
	if err != nil {
		return err
	}

	switch fin.Status {
	case ledger.FinalizeAlreadySatisfied:
		a.result.Outcome = OutcomeAlreadySatisfied
		a.result.Detail = "attendance already recorded for this period"
	case ledger.FinalizeRejected:
		a.result.Outcome = OutcomeRejected
	}
	if fin.Event != nil {
		a.result.EventID = fin.Event.ID
	}

	if o.metrics != nil {
		o.metrics.IncAttempts(string(a.result.Outcome), string(a.result.Reason))
	}
	tracing.AddEvent(ctx, "verification.decided",
		attribute.String("outcome", a.result.Label()),
		attribute.String("event_id", a.result.EventID),
	)
	o.logger.InfoContext(ctx, "verification finished",
		"attempt_id", a.result.AttemptID,
		"identity_id", a.in.IdentityID,
		"outcome", a.result.Label(),
		"period_key", a.result.PeriodKey,
		"trace_id", tracing.TraceID(ctx))
	o.logger.DebugContext(ctx, "verification scores",
		"attempt_id", a.result.AttemptID,
		"network_score", deref(a.audit.NetworkScore),
		"liveness_confidence", deref(a.audit.LivenessConfidence),
		"match_similarity", deref(a.audit.MatchSimilarity))
	return nil
}

func (o *Orchestrator) archive(ctx context.Context, a *attempt) {
	if o.archiver == nil {
		return
	}
	key, err := o.archiver.Archive(ctx, a.result.PeriodKey, a.result.AttemptID, a.in.PrimaryImage)
	if err != nil {
		o.logger.WarnContext(ctx, "failed to archive attempt evidence",
			"attempt_id", a.result.AttemptID,
			"error", err)
		return
	}
	a.result.EvidenceKey = key
}

// fail handles an attempt that could not be decided normally.
//
// Capability failures were already rejected by their stage and are
// finalized as such. Everything else, cancellation included, leaves the
// attempt abandoned. The audit write is detached from ctx so it survives
// cancellation.
func (o *Orchestrator) fail(ctx context.Context, a *attempt, cause error) error {
	auditCtx := context.WithoutCancel(ctx)

	var capErr *capabilityError
	if errors.As(cause, &capErr) && ctx.Err() == nil {
		_, err := o.ledger.Finalize(auditCtx, a.result.AttemptID, a.in.IdentityID, ledger.Outcome{
			Reason: string(a.result.Reason),
			Detail: a.result.Detail,
			Scores: a.audit,
		})
		if err != nil {
			o.logger.ErrorContext(ctx, "failed to finalize attempt after capability failure",
				"attempt_id", a.result.AttemptID,
				"error", err)
		}
		if o.metrics != nil {
			o.metrics.IncAttempts(string(OutcomeRejected), string(ReasonCapabilityUnavailable))
		}
		o.logger.WarnContext(ctx, "verification capability unavailable",
			"attempt_id", a.result.AttemptID,
			"identity_id", a.in.IdentityID,
			"stage", capErr.stage,
			"trace_id", tracing.TraceID(ctx),
			"error", capErr.cause)
		return fmt.Errorf("attempt %s: %w", a.result.AttemptID, cause)
	}

	detail := "verification did not complete: " + cause.Error()
	if ctxErr := ctx.Err(); ctxErr != nil {
		detail = "verification cancelled: " + ctxErr.Error()
		cause = ctxErr
	}
	if err := o.ledger.Abandon(auditCtx, a.result.AttemptID, a.audit, detail); err != nil {
		o.logger.ErrorContext(ctx, "failed to abandon attempt",
			"attempt_id", a.result.AttemptID,
			"error", err)
	}
	if o.metrics != nil {
		o.metrics.IncAttempts(outcomeAbandoned, "")
	}
	o.logger.WarnContext(ctx, "verification abandoned",
		"attempt_id", a.result.AttemptID,
		"identity_id", a.in.IdentityID,
		"state", string(a.result.State),
		"trace_id", tracing.TraceID(ctx),
		"error", cause)

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return fmt.Errorf("attempt %s: %w", a.result.AttemptID, cause)
}

func (o *Orchestrator) observeStage(stage string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObserveStageDuration(stage, o.now().Sub(start).Seconds())
	}
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
