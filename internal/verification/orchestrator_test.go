package verification

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/onnwee/presence/internal/biometric"
	"github.com/onnwee/presence/internal/ledger"
	"github.com/onnwee/presence/internal/liveness"
	"github.com/onnwee/presence/internal/network"
)

// fakeScorer is the liveness capability. It counts invocations.
type fakeScorer struct {
	confidence float64
	err        error
	before     func()
	calls      atomic.Int32
}

func (f *fakeScorer) Score(ctx context.Context, sequence [][]byte) (float64, error) {
	f.calls.Add(1)
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.confidence, nil
}

// fakeExtractor is the embedding capability. It counts invocations.
type fakeExtractor struct {
	vector []float32
	err    error
	before func()
	calls  atomic.Int32
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte) ([]float32, error) {
	f.calls.Add(1)
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fakeArchiver struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeArchiver) Archive(ctx context.Context, periodKey, attemptID string, image []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	key := "attempts/" + periodKey + "/" + attemptID + ".jpg"
	f.keys = append(f.keys, key)
	return key, nil
}

type failingPolicySource struct{}

func (failingPolicySource) ListActive(ctx context.Context) ([]network.Policy, error) {
	return nil, errors.New("connection refused")
}

// vectorWithSimilarity returns a unit vector whose cosine similarity with
// {1, 0} is s.
func vectorWithSimilarity(s float64) []float32 {
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}
}

type harness struct {
	policies  *network.InMemoryPolicyRepository
	scorer    *fakeScorer
	extractor *fakeExtractor
	ledger    *ledger.Ledger
	archiver  *fakeArchiver
	metrics   *Metrics
	orch      *Orchestrator
}

func newHarness(t *testing.T, similarity, confidence float64) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		policies:  network.NewInMemoryPolicyRepository(),
		scorer:    &fakeScorer{confidence: confidence},
		extractor: &fakeExtractor{vector: vectorWithSimilarity(similarity)},
		ledger:    ledger.New(ledger.NewInMemoryRepository(), ledger.DailyPeriod(time.UTC)),
		archiver:  &fakeArchiver{},
		metrics:   NewMetrics(),
	}

	if err := h.policies.Save(ctx, network.Policy{
		ID:           "office",
		NamePattern:  "Office-WiFi",
		AddressRange: "10.0.0.0/24",
		Active:       true,
	}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	embeddings := biometric.NewInMemoryEmbeddingRepository()
	if err := embeddings.Add(ctx, &biometric.Embedding{IdentityID: "U1", Vector: []float32{1, 0}}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	evaluator, err := liveness.NewEvaluator(h.scorer, liveness.DefaultThreshold)
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}

	h.orch, err = NewOrchestrator(Config{
		Thresholds: DefaultThresholds(),
		Archiver:   h.archiver,
		Metrics:    h.metrics,
	},
		network.NewChecker(h.policies),
		evaluator,
		biometric.NewMatcher(h.extractor, embeddings, nil),
		h.ledger,
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error: %v", err)
	}
	return h
}

func validInput() Input {
	return Input{
		IdentityID:    "U1",
		PrimaryImage:  []byte("primary"),
		Sequence:      [][]byte{[]byte("f1"), []byte("f2"), []byte("f3")},
		NetworkName:   "Office-WiFi",
		ClientAddress: "10.0.0.7",
	}
}

func (h *harness) attempts(t *testing.T, identityID string) []ledger.Attempt {
	t.Helper()
	hist, err := h.ledger.History(context.Background(), identityID, 0, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	return hist.Attempts
}

func (h *harness) events(t *testing.T, identityID string) []ledger.Event {
	t.Helper()
	hist, err := h.ledger.History(context.Background(), identityID, 0, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	return hist.Events
}

func TestVerify_Scenarios(t *testing.T) {
	tests := []struct {
		name          string
		similarity    float64
		confidence    float64
		mutate        func(*Input)
		wantLabel     string
		wantScorer    int32
		wantExtractor int32
		wantEvent     bool
	}{
		{
			name:          "A: strong match accepted",
			similarity:    0.75,
			confidence:    0.9,
			wantLabel:     "Accepted",
			wantScorer:    1,
			wantExtractor: 1,
			wantEvent:     true,
		},
		{
			name:          "B: borderline match corroborated by liveness",
			similarity:    0.4,
			confidence:    0.8,
			wantLabel:     "Accepted",
			wantScorer:    1,
			wantExtractor: 1,
			wantEvent:     true,
		},
		{
			name:          "C: borderline match with weak liveness",
			similarity:    0.4,
			confidence:    0.5,
			wantLabel:     "Rejected:IdentityMismatch",
			wantScorer:    1,
			wantExtractor: 1,
		},
		{
			name:       "D: network denied before any inference",
			similarity: 0.75,
			confidence: 0.9,
			mutate: func(in *Input) {
				in.NetworkName = "Cafe-Guest"
				in.ClientAddress = "192.168.1.20"
			},
			wantLabel: "Rejected:NetworkDenied",
		},
		{
			name:       "address matches with unreliable network name",
			similarity: 0.75,
			confidence: 0.9,
			mutate: func(in *Input) {
				in.NetworkName = ""
			},
			wantLabel:     "Accepted",
			wantScorer:    1,
			wantExtractor: 1,
			wantEvent:     true,
		},
		{
			name:       "single image cannot establish liveness",
			similarity: 0.75,
			confidence: 0.9,
			mutate: func(in *Input) {
				in.Sequence = in.Sequence[:1]
			},
			wantLabel: "Rejected:LivenessFailed",
		},
		{
			name:       "liveness below threshold",
			similarity: 0.75,
			confidence: 0.2,
			wantLabel:  "Rejected:LivenessFailed",
			wantScorer: 1,
		},
		{
			name:          "similarity below secondary",
			similarity:    0.1,
			confidence:    1.0,
			wantLabel:     "Rejected:IdentityMismatch",
			wantScorer:    1,
			wantExtractor: 1,
		},
		{
			name:       "identity without enrollment",
			similarity: 0.75,
			confidence: 0.9,
			mutate: func(in *Input) {
				in.IdentityID = "U2"
			},
			wantLabel: "Rejected:ConfigurationError",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.similarity, tt.confidence)
			in := validInput()
			if tt.mutate != nil {
				tt.mutate(&in)
			}

			res, err := h.orch.Verify(context.Background(), in)
			if err != nil {
				t.Fatalf("Verify() error: %v", err)
			}
			if got := res.Label(); got != tt.wantLabel {
				t.Errorf("Verify() = %s, want %s (detail %q)", got, tt.wantLabel, res.Detail)
			}
			if got := h.scorer.calls.Load(); got != tt.wantScorer {
				t.Errorf("liveness capability calls = %d, want %d", got, tt.wantScorer)
			}
			if got := h.extractor.calls.Load(); got != tt.wantExtractor {
				t.Errorf("embedding capability calls = %d, want %d", got, tt.wantExtractor)
			}
			if got := len(h.events(t, in.IdentityID)); (got == 1) != tt.wantEvent {
				t.Errorf("events = %d, want event %v", got, tt.wantEvent)
			}

			attempts := h.attempts(t, in.IdentityID)
			if len(attempts) != 1 {
				t.Fatalf("attempts = %d, want exactly 1", len(attempts))
			}
			if attempts[0].ID != res.AttemptID || !attempts[0].Status.Terminal() {
				t.Errorf("attempt = %+v, want finalized %s", attempts[0], res.AttemptID)
			}
			if res.Outcome == OutcomeRejected && attempts[0].Reason != string(res.Reason) {
				t.Errorf("attempt reason = %q, want %q", attempts[0].Reason, res.Reason)
			}
		})
	}
}

func TestVerify_StageScores(t *testing.T) {
	h := newHarness(t, 0.4, 0.8)

	res, err := h.orch.Verify(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.State != StateAccepted {
		t.Errorf("State = %s, want Accepted", res.State)
	}

	s := res.Scores
	if s.Network == nil || !s.Network.Allowed || s.Network.SecurityScore != 0.8 || s.Network.PolicyID != "office" {
		t.Errorf("network score = %+v", s.Network)
	}
	if s.Liveness == nil || !s.Liveness.Passed || s.Liveness.Confidence != 0.8 {
		t.Errorf("liveness score = %+v", s.Liveness)
	}
	if s.Match == nil || !s.Match.Corroborated || math.Abs(s.Match.Similarity-0.4) > 1e-6 {
		t.Errorf("match score = %+v", s.Match)
	}
	if res.EventID == "" {
		t.Error("EventID is empty for an accepted attempt")
	}
	if res.EvidenceKey == "" {
		t.Error("EvidenceKey is empty with an archiver configured")
	}

	a, err := h.ledger.Attempt(context.Background(), res.AttemptID)
	if err != nil {
		t.Fatalf("Attempt() error: %v", err)
	}
	if a.EvidenceKey != res.EvidenceKey || a.EventID != res.EventID {
		t.Errorf("attempt evidence/event = %q/%q, want %q/%q", a.EvidenceKey, a.EventID, res.EvidenceKey, res.EventID)
	}
	if a.Scores.MatchSimilarity == nil || a.Scores.LivenessConfidence == nil || a.Scores.NetworkScore == nil {
		t.Errorf("attempt scores not recorded: %+v", a.Scores)
	}

	if got := testutil.ToFloat64(h.metrics.attemptsTotal.WithLabelValues("Accepted", "")); got != 1 {
		t.Errorf("accepted attempts metric = %v, want 1", got)
	}
}

func TestVerify_RejectedStagesAreSkipped(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)
	in := validInput()
	in.NetworkName = "Elsewhere"
	in.ClientAddress = "203.0.113.9"

	res, err := h.orch.Verify(context.Background(), in)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.Scores.Network == nil || res.Scores.Network.Allowed {
		t.Errorf("network score = %+v, want denied", res.Scores.Network)
	}
	if res.Scores.Liveness != nil || res.Scores.Match != nil {
		t.Errorf("later stages ran after rejection: %+v", res.Scores)
	}
}

func TestVerify_NoActivePolicyFailsClosed(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)
	ctx := context.Background()
	if err := h.policies.Save(ctx, network.Policy{
		ID:           "office",
		NamePattern:  "Office-WiFi",
		AddressRange: "10.0.0.0/24",
		Active:       false,
	}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	res, err := h.orch.Verify(ctx, validInput())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.Label() != "Rejected:ConfigurationError" || res.Detail != network.ReasonNoPolicy {
		t.Errorf("Verify() = %s (%q), want Rejected:ConfigurationError (%q)", res.Label(), res.Detail, network.ReasonNoPolicy)
	}
	if h.scorer.calls.Load() != 0 || h.extractor.calls.Load() != 0 {
		t.Error("inference ran without a network policy")
	}
}

func TestVerify_NoFaceDetected(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)
	h.extractor.err = biometric.ErrNoFace

	res, err := h.orch.Verify(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.Label() != "Rejected:NoFaceDetected" {
		t.Errorf("Verify() = %s, want Rejected:NoFaceDetected", res.Label())
	}
}

func TestVerify_AlreadySatisfied(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)
	ctx := context.Background()

	first, err := h.orch.Verify(ctx, validInput())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	second, err := h.orch.Verify(ctx, validInput())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}

	if first.Outcome != OutcomeAccepted || second.Outcome != OutcomeAlreadySatisfied {
		t.Errorf("outcomes = %s, %s; want Accepted, AlreadySatisfied", first.Label(), second.Label())
	}
	if second.EventID != first.EventID {
		t.Errorf("second EventID = %s, want %s", second.EventID, first.EventID)
	}
	if n := len(h.events(t, "U1")); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if n := len(h.attempts(t, "U1")); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestVerify_ConcurrentSubmissionsRecordOneEvent(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)

	const n = 2
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Verify(context.Background(), validInput())
			if err != nil {
				t.Errorf("Verify() error: %v", err)
				return
			}
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	counts := map[Outcome]int{}
	for _, o := range outcomes {
		counts[o]++
	}
	if counts[OutcomeAccepted] != 1 || counts[OutcomeAlreadySatisfied] != 1 {
		t.Errorf("outcomes = %v, want one Accepted and one AlreadySatisfied", outcomes)
	}
	if got := len(h.events(t, "U1")); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestVerify_MonotonicInSimilarity(t *testing.T) {
	for _, confidence := range []float64{0.55, 0.75} {
		accepted := false
		for _, s := range []float64{-0.5, 0.0, 0.2, 0.3, 0.45, 0.59, 0.6, 0.8, 1.0} {
			h := newHarness(t, s, confidence)
			res, err := h.orch.Verify(context.Background(), validInput())
			if err != nil {
				t.Fatalf("Verify() error: %v", err)
			}
			got := res.Outcome == OutcomeAccepted
			if accepted && !got {
				t.Errorf("confidence %v: similarity %v rejected after a lower similarity was accepted", confidence, s)
			}
			accepted = accepted || got
		}
	}
}

func TestVerify_CapabilityUnavailable(t *testing.T) {
	t.Run("liveness", func(t *testing.T) {
		h := newHarness(t, 0.75, 0.9)
		h.scorer.err = errors.New("liveness service returned 502")

		res, err := h.orch.Verify(context.Background(), validInput())
		if !errors.Is(err, ErrCapabilityUnavailable) {
			t.Fatalf("Verify() error = %v, want ErrCapabilityUnavailable", err)
		}
		if h.extractor.calls.Load() != 0 {
			t.Error("match stage ran after liveness capability failure")
		}

		attempts := h.attempts(t, "U1")
		if len(attempts) != 1 || attempts[0].Status != ledger.StatusRejected || attempts[0].Reason != string(ReasonCapabilityUnavailable) {
			t.Fatalf("attempts = %+v, want one CapabilityUnavailable rejection", attempts)
		}
		if res == nil || res.AttemptID != attempts[0].ID {
			t.Fatalf("Verify() result = %+v, want attempt %s", res, attempts[0].ID)
		}
		if res.State != StateRejected || res.Reason != ReasonCapabilityUnavailable {
			t.Errorf("result = %s/%s, want Rejected/CapabilityUnavailable", res.State, res.Reason)
		}
	})

	t.Run("embedding", func(t *testing.T) {
		h := newHarness(t, 0.75, 0.9)
		h.extractor.err = errors.New("embedding service timeout")

		_, err := h.orch.Verify(context.Background(), validInput())
		if !errors.Is(err, ErrCapabilityUnavailable) {
			t.Fatalf("Verify() error = %v, want ErrCapabilityUnavailable", err)
		}
		if !errors.Is(err, biometric.ErrExtractorFailed) {
			t.Errorf("Verify() error = %v, want wrapped ErrExtractorFailed", err)
		}
		if n := len(h.events(t, "U1")); n != 0 {
			t.Errorf("events = %d, want 0", n)
		}
	})
}

func TestVerify_StorageFailureAbandonsAttempt(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)
	evaluator, _ := liveness.NewEvaluator(h.scorer, liveness.DefaultThreshold)
	embeddings := biometric.NewInMemoryEmbeddingRepository()
	_ = embeddings.Add(context.Background(), &biometric.Embedding{IdentityID: "U1", Vector: []float32{1, 0}})

	orch, err := NewOrchestrator(Config{Thresholds: DefaultThresholds()},
		network.NewChecker(failingPolicySource{}),
		evaluator,
		biometric.NewMatcher(h.extractor, embeddings, nil),
		h.ledger,
	)
	if err != nil {
		t.Fatalf("NewOrchestrator() error: %v", err)
	}

	if _, err := orch.Verify(context.Background(), validInput()); err == nil {
		t.Fatal("Verify() succeeded with failing policy storage")
	}
	attempts := h.attempts(t, "U1")
	if len(attempts) != 1 || attempts[0].Status != ledger.StatusAbandoned {
		t.Errorf("attempts = %+v, want one abandoned", attempts)
	}
}

func TestVerify_Cancellation(t *testing.T) {
	tests := []struct {
		name          string
		arm           func(h *harness, cancel context.CancelFunc)
		wantExtractor int32
	}{
		{
			name: "during liveness",
			arm: func(h *harness, cancel context.CancelFunc) {
				h.scorer.before = cancel
				h.scorer.err = context.Canceled
			},
			wantExtractor: 0,
		},
		{
			name: "after match before finalize",
			arm: func(h *harness, cancel context.CancelFunc) {
				h.extractor.before = cancel
			},
			wantExtractor: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0.9, 0.9)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.arm(h, cancel)

			res, err := h.orch.Verify(ctx, validInput())
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("Verify() error = %v, want context.Canceled", err)
			}
			if got := h.extractor.calls.Load(); got != tt.wantExtractor {
				t.Errorf("embedding capability calls = %d, want %d", got, tt.wantExtractor)
			}

			attempts := h.attempts(t, "U1")
			if len(attempts) != 1 || attempts[0].Status != ledger.StatusAbandoned {
				t.Fatalf("attempts = %+v, want one abandoned", attempts)
			}
			if res == nil || res.AttemptID != attempts[0].ID {
				t.Fatalf("Verify() result = %+v, want attempt %s", res, attempts[0].ID)
			}
			if res.State.Terminal() {
				t.Errorf("cancelled result state = %s, want non-terminal", res.State)
			}
			if n := len(h.events(t, "U1")); n != 0 {
				t.Errorf("events = %d, want 0", n)
			}

			// The abandoned attempt can never be promoted.
			if _, err := h.ledger.Finalize(context.Background(), attempts[0].ID, "U1", ledger.Outcome{Accepted: true}); !errors.Is(err, ledger.ErrAttemptFinalized) {
				t.Errorf("Finalize(abandoned) = %v, want ErrAttemptFinalized", err)
			}
		})
	}
}

func TestVerify_ArchiveFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)
	h.archiver.err = errors.New("bucket unavailable")

	res, err := h.orch.Verify(context.Background(), validInput())
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if res.Outcome != OutcomeAccepted || res.EvidenceKey != "" {
		t.Errorf("Verify() = %s with evidence %q, want Accepted without evidence", res.Label(), res.EvidenceKey)
	}
}

func TestVerify_InvalidInput(t *testing.T) {
	h := newHarness(t, 0.75, 0.9)
	ctx := context.Background()

	in := validInput()
	in.IdentityID = ""
	if _, err := h.orch.Verify(ctx, in); !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("Verify(no identity) = %v, want ErrMissingIdentity", err)
	}

	in = validInput()
	in.PrimaryImage = nil
	if _, err := h.orch.Verify(ctx, in); !errors.Is(err, ErrMissingImage) {
		t.Errorf("Verify(no image) = %v, want ErrMissingImage", err)
	}

	if n := len(h.attempts(t, "U1")); n != 0 {
		t.Errorf("attempts = %d, want 0 for rejected input", n)
	}
}

func TestNewOrchestrator_InvalidThresholds(t *testing.T) {
	_, err := NewOrchestrator(Config{Thresholds: Thresholds{Primary: 0.2, Secondary: 0.5}}, nil, nil, nil, nil)
	if !errors.Is(err, ErrInvalidThresholds) {
		t.Errorf("NewOrchestrator() error = %v, want ErrInvalidThresholds", err)
	}
}
