package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/presence/internal/ledger"
	"github.com/onnwee/presence/internal/middleware"
	"github.com/onnwee/presence/internal/verification"
)

var testNow = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)

// fakeVerifier records the input it was given.
type fakeVerifier struct {
	result *verification.Result
	err    error
	calls  int
	input  verification.Input
}

func (f *fakeVerifier) Verify(ctx context.Context, in verification.Input) (*verification.Result, error) {
	f.calls++
	f.input = in
	return f.result, f.err
}

type fakeLinker struct {
	keys []string
	err  error
}

func (f *fakeLinker) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return "", f.err
	}
	return "https://evidence.example.edu/" + key + "?sig=abc", nil
}

func newTestLedger() *ledger.Ledger {
	return ledger.New(ledger.NewInMemoryRepository(), ledger.DailyPeriod(time.UTC),
		ledger.WithClock(func() time.Time { return testNow }))
}

// multipartBody builds a verify request body. frames are sent as repeated
// "frames" parts; a nil image omits the part.
func multipartBody(t *testing.T, image []byte, frames [][]byte, networkName string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if image != nil {
		part, err := mw.CreateFormFile(FieldImage, "capture.jpg")
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		_, _ = part.Write(image)
	}
	for i, frame := range frames {
		part, err := mw.CreateFormFile(FieldFrames, fmt.Sprintf("frame-%d.jpg", i))
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		_, _ = part.Write(frame)
	}
	if networkName != "" {
		_ = mw.WriteField(FieldNetworkName, networkName)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart Close() error = %v", err)
	}
	return buf, mw.FormDataContentType()
}

func authedRequest(method, target, identityID string, body *bytes.Buffer) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	if identityID != "" {
		req = req.WithContext(middleware.SetIdentityID(req.Context(), identityID))
	}
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse error body: %v, body: %s", err, w.Body.String())
	}
	return resp.Error.Code
}

func TestVerify_PassesCaptureToVerifier(t *testing.T) {
	verifier := &fakeVerifier{result: &verification.Result{
		AttemptID: "a1",
		Outcome:   verification.OutcomeAccepted,
		State:     verification.StateAccepted,
		PeriodKey: "2026-10-17",
		EventID:   "e1",
	}}
	h := NewAttendanceHandlers(AttendanceHandlersConfig{
		Verifier: verifier,
		Reader:   newTestLedger(),
		Now:      func() time.Time { return testNow },
	})

	body, contentType := multipartBody(t, []byte("primary"), [][]byte{[]byte("f1"), []byte("f2"), []byte("f3")}, " Campus-WiFi ")
	req := authedRequest(http.MethodPost, "/v1/attendance/verify", "identity-1", body)
	req.Header.Set("Content-Type", contentType)
	req.RemoteAddr = "10.20.0.5:41000"
	w := httptest.NewRecorder()

	h.Verify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body: %s", w.Code, w.Body.String())
	}
	in := verifier.input
	if in.IdentityID != "identity-1" {
		t.Errorf("IdentityID = %q, want identity-1", in.IdentityID)
	}
	if string(in.PrimaryImage) != "primary" {
		t.Errorf("PrimaryImage = %q, want primary", in.PrimaryImage)
	}
	if len(in.Sequence) != 3 || string(in.Sequence[0]) != "f1" || string(in.Sequence[2]) != "f3" {
		t.Errorf("Sequence = %q, want [f1 f2 f3] in order", in.Sequence)
	}
	if in.NetworkName != "Campus-WiFi" {
		t.Errorf("NetworkName = %q, want Campus-WiFi", in.NetworkName)
	}
	if in.ClientAddress != "10.20.0.5" {
		t.Errorf("ClientAddress = %q, want 10.20.0.5", in.ClientAddress)
	}
	if !in.SubmittedAt.Equal(testNow) {
		t.Errorf("SubmittedAt = %v, want %v", in.SubmittedAt, testNow)
	}

	var resp struct {
		AttemptID string `json:"attempt_id"`
		Outcome   string `json:"outcome"`
		Label     string `json:"label"`
		EventID   string `json:"event_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.AttemptID != "a1" || resp.Label != "Accepted" || resp.EventID != "e1" {
		t.Errorf("response = %+v, want attempt a1 Accepted with event e1", resp)
	}
}

func TestVerify_RejectionIsOK(t *testing.T) {
	verifier := &fakeVerifier{result: &verification.Result{
		AttemptID: "a2",
		Outcome:   verification.OutcomeRejected,
		Reason:    verification.ReasonNetworkDenied,
		State:     verification.StateRejected,
	}}
	h := NewAttendanceHandlers(AttendanceHandlersConfig{Verifier: verifier, Reader: newTestLedger()})

	body, contentType := multipartBody(t, []byte("primary"), nil, "")
	req := authedRequest(http.MethodPost, "/v1/attendance/verify", "identity-1", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()

	h.Verify(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"label":"Rejected:NetworkDenied"`) {
		t.Errorf("body = %s, want Rejected:NetworkDenied label", w.Body.String())
	}
}

func TestVerify_Errors(t *testing.T) {
	tests := []struct {
		name        string
		identity    string
		image       []byte
		frames      int
		rawBody     string
		verifyErr   error
		maxUpload   int64
		wantStatus  int
		wantCode    string
		wantVerifed bool
	}{
		{
			name:       "unauthenticated",
			image:      []byte("img"),
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrCodeAuthFailed,
		},
		{
			name:       "not multipart",
			identity:   "identity-1",
			rawBody:    `{"image":"abc"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeBadRequest,
		},
		{
			name:       "missing image",
			identity:   "identity-1",
			frames:     2,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeMissingImage,
		},
		{
			name:       "empty image",
			identity:   "identity-1",
			image:      []byte{},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeMissingImage,
		},
		{
			name:       "too many frames",
			identity:   "identity-1",
			image:      []byte("img"),
			frames:     MaxLivenessFrames + 1,
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrCodeValidation,
		},
		{
			name:       "upload too large",
			identity:   "identity-1",
			image:      bytes.Repeat([]byte("x"), 4096),
			maxUpload:  1024,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   ErrCodePayloadTooLarge,
		},
		{
			name:        "capability unavailable",
			identity:    "identity-1",
			image:       []byte("img"),
			verifyErr:   fmt.Errorf("attempt a3: %w", verification.ErrCapabilityUnavailable),
			wantStatus:  http.StatusServiceUnavailable,
			wantCode:    ErrCodeCapabilityUnavailable,
			wantVerifed: true,
		},
		{
			name:        "cancelled",
			identity:    "identity-1",
			image:       []byte("img"),
			verifyErr:   context.Canceled,
			wantStatus:  StatusClientClosedRequest,
			wantCode:    ErrCodeCancelled,
			wantVerifed: true,
		},
		{
			name:        "storage failure",
			identity:    "identity-1",
			image:       []byte("img"),
			verifyErr:   errors.New("connection refused"),
			wantStatus:  http.StatusInternalServerError,
			wantCode:    ErrCodeInternal,
			wantVerifed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := &fakeVerifier{
				result: &verification.Result{Outcome: verification.OutcomeAccepted},
				err:    tt.verifyErr,
			}
			h := NewAttendanceHandlers(AttendanceHandlersConfig{
				Verifier:       verifier,
				Reader:         newTestLedger(),
				MaxUploadBytes: tt.maxUpload,
			})

			var body *bytes.Buffer
			contentType := "application/json"
			if tt.rawBody != "" {
				body = bytes.NewBufferString(tt.rawBody)
			} else {
				frames := make([][]byte, tt.frames)
				for i := range frames {
					frames[i] = []byte("frame")
				}
				body, contentType = multipartBody(t, tt.image, frames, "")
			}
			req := authedRequest(http.MethodPost, "/v1/attendance/verify", tt.identity, body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()

			h.Verify(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if code := decodeError(t, w); code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
			if called := verifier.calls > 0; called != tt.wantVerifed {
				t.Errorf("verifier called = %v, want %v", called, tt.wantVerifed)
			}
		})
	}
}

func TestVerify_UndecidedAttemptReportsID(t *testing.T) {
	tests := []struct {
		name       string
		result     *verification.Result
		err        error
		wantStatus int
		wantID     string
	}{
		{
			name: "capability unavailable",
			result: &verification.Result{
				AttemptID: "a3",
				State:     verification.StateRejected,
				Outcome:   verification.OutcomeRejected,
				Reason:    verification.ReasonCapabilityUnavailable,
			},
			err:        fmt.Errorf("attempt a3: %w", verification.ErrCapabilityUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantID:     "a3",
		},
		{
			name:       "cancelled after recording",
			result:     &verification.Result{AttemptID: "a4", State: verification.StateNetworkChecked},
			err:        context.Canceled,
			wantStatus: StatusClientClosedRequest,
			wantID:     "a4",
		},
		{
			name:       "failed before recording",
			err:        errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAttendanceHandlers(AttendanceHandlersConfig{
				Verifier: &fakeVerifier{result: tt.result, err: tt.err},
				Reader:   newTestLedger(),
			})

			body, contentType := multipartBody(t, []byte("img"), nil, "Campus-WiFi")
			req := authedRequest(http.MethodPost, "/v1/attendance/verify", "identity-1", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			h.Verify(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse error body: %v", err)
			}
			if resp.Error.AttemptID != tt.wantID {
				t.Errorf("attempt_id = %q, want %q", resp.Error.AttemptID, tt.wantID)
			}
		})
	}
}

// seedAttempt records and finalizes an accepted attempt for identityID.
func seedAttempt(t *testing.T, l *ledger.Ledger, identityID, evidenceKey string) string {
	t.Helper()
	ctx := context.Background()
	id, err := l.RecordAttempt(ctx, &ledger.Attempt{IdentityID: identityID, NetworkName: "Campus-WiFi"})
	if err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	sim := 0.82
	if _, err := l.Finalize(ctx, id, identityID, ledger.Outcome{
		Accepted:    true,
		Scores:      ledger.StageScores{MatchSimilarity: &sim},
		EvidenceKey: evidenceKey,
	}); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	return id
}

func TestHistory(t *testing.T) {
	l := newTestLedger()
	seedAttempt(t, l, "identity-1", "")
	h := NewAttendanceHandlers(AttendanceHandlersConfig{Verifier: &fakeVerifier{}, Reader: l})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", http.StatusOK, ledger.DefaultHistoryLimit, 0},
		{"explicit page", "?limit=10&offset=5", http.StatusOK, 10, 5},
		{"limit capped", "?limit=100000", http.StatusOK, ledger.MaxHistoryLimit, 0},
		{"zero limit", "?limit=0", http.StatusBadRequest, 0, 0},
		{"non-numeric limit", "?limit=ten", http.StatusBadRequest, 0, 0},
		{"negative offset", "?offset=-1", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.History(w, authedRequest(http.MethodGet, "/v1/attendance/history"+tt.query, "identity-1", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				if code := decodeError(t, w); code != ErrCodeValidation {
					t.Errorf("error code = %q, want %q", code, ErrCodeValidation)
				}
				return
			}

			var history ledger.History
			if err := json.Unmarshal(w.Body.Bytes(), &history); err != nil {
				t.Fatalf("failed to decode history: %v", err)
			}
			if history.Limit != tt.wantLimit || history.Offset != tt.wantOffset {
				t.Errorf("page = (%d, %d), want (%d, %d)", history.Limit, history.Offset, tt.wantLimit, tt.wantOffset)
			}
			if history.IdentityID != "identity-1" {
				t.Errorf("IdentityID = %q, want identity-1", history.IdentityID)
			}
			if tt.wantOffset == 0 && (len(history.Events) != 1 || len(history.Attempts) != 1) {
				t.Errorf("got %d events, %d attempts, want 1 and 1", len(history.Events), len(history.Attempts))
			}
		})
	}
}

func TestSummary(t *testing.T) {
	l := newTestLedger()
	seedAttempt(t, l, "identity-1", "")
	h := NewAttendanceHandlers(AttendanceHandlersConfig{Verifier: &fakeVerifier{}, Reader: l})

	tests := []struct {
		name          string
		query         string
		wantStatus    int
		wantPeriod    string
		wantSatisfied bool
	}{
		{"current period", "", http.StatusOK, "2026-10-17", true},
		{"explicit period", "?period=2026-10-17", http.StatusOK, "2026-10-17", true},
		{"other period", "?period=2026-10-16", http.StatusOK, "2026-10-16", false},
		{"period too long", "?period=" + strings.Repeat("9", maxPeriodKeyLength+1), http.StatusBadRequest, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.Summary(w, authedRequest(http.MethodGet, "/v1/attendance/summary"+tt.query, "identity-1", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var summary ledger.PeriodSummary
			if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
				t.Fatalf("failed to decode summary: %v", err)
			}
			if summary.PeriodKey != tt.wantPeriod || summary.Satisfied != tt.wantSatisfied {
				t.Errorf("summary = (%s, %v), want (%s, %v)", summary.PeriodKey, summary.Satisfied, tt.wantPeriod, tt.wantSatisfied)
			}
		})
	}
}

func TestGetAttempt(t *testing.T) {
	l := newTestLedger()
	attemptID := seedAttempt(t, l, "identity-1", "")
	h := NewAttendanceHandlers(AttendanceHandlersConfig{Verifier: &fakeVerifier{}, Reader: l})

	tests := []struct {
		name       string
		identity   string
		id         string
		wantStatus int
		wantCode   string
	}{
		{"owner", "identity-1", attemptID, http.StatusOK, ""},
		{"other identity", "identity-2", attemptID, http.StatusNotFound, ErrCodeNotFound},
		{"unknown attempt", "identity-1", "6a0c1f3e-5b4d-4e2a-9f1c-7d8e9a0b1c2d", http.StatusNotFound, ErrCodeNotFound},
		{"malformed id", "identity-1", "not-a-uuid", http.StatusBadRequest, ErrCodeValidation},
		{"unauthenticated", "", attemptID, http.StatusUnauthorized, ErrCodeAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authedRequest(http.MethodGet, "/v1/attendance/attempts/"+tt.id, tt.identity, nil)
			req.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()

			h.GetAttempt(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if code := decodeError(t, w); code != tt.wantCode {
					t.Errorf("error code = %q, want %q", code, tt.wantCode)
				}
				return
			}
			var attempt ledger.Attempt
			if err := json.Unmarshal(w.Body.Bytes(), &attempt); err != nil {
				t.Fatalf("failed to decode attempt: %v", err)
			}
			if attempt.ID != attemptID || attempt.Status != ledger.StatusAccepted {
				t.Errorf("attempt = (%s, %s), want (%s, accepted)", attempt.ID, attempt.Status, attemptID)
			}
		})
	}
}

func TestGetEvidence(t *testing.T) {
	l := newTestLedger()
	withEvidence := seedAttempt(t, l, "identity-1", "attempts/2026-10-17/x.jpg")
	withoutEvidence := seedAttempt(t, l, "identity-1", "")

	tests := []struct {
		name       string
		id         string
		linker     *fakeLinker
		wantStatus int
		wantCode   string
	}{
		{"archived", withEvidence, &fakeLinker{}, http.StatusOK, ""},
		{"nothing archived", withoutEvidence, &fakeLinker{}, http.StatusNotFound, ErrCodeEvidenceUnavailable},
		{"storage not configured", withEvidence, nil, http.StatusNotFound, ErrCodeEvidenceUnavailable},
		{"presign failure", withEvidence, &fakeLinker{err: errors.New("no credentials")}, http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AttendanceHandlersConfig{
				Verifier: &fakeVerifier{},
				Reader:   l,
				Now:      func() time.Time { return testNow },
			}
			if tt.linker != nil {
				cfg.Evidence = tt.linker
			}
			h := NewAttendanceHandlers(cfg)

			req := authedRequest(http.MethodGet, "/v1/attendance/attempts/"+tt.id+"/evidence", "identity-1", nil)
			req.SetPathValue("id", tt.id)
			w := httptest.NewRecorder()

			h.GetEvidence(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode != "" {
				if code := decodeError(t, w); code != tt.wantCode {
					t.Errorf("error code = %q, want %q", code, tt.wantCode)
				}
				return
			}

			var resp EvidenceLinkResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if !strings.Contains(resp.URL, "attempts/2026-10-17/x.jpg") {
				t.Errorf("URL = %q, want link to archived key", resp.URL)
			}
			if want := testNow.Add(EvidenceLinkExpiry); !resp.ExpiresAt.Equal(want) {
				t.Errorf("ExpiresAt = %v, want %v", resp.ExpiresAt, want)
			}
		})
	}
}
