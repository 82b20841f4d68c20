package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/presence/internal/ledger"
	"github.com/onnwee/presence/internal/middleware"
	"github.com/onnwee/presence/internal/verification"
)

// Upload constraints for POST /v1/attendance/verify.
const (
	DefaultMaxUploadBytes = 20 << 20
	MaxLivenessFrames     = 32
	maxPeriodKeyLength    = 64
)

// Multipart field names accepted by Verify.
const (
	FieldImage       = "image"
	FieldFrames      = "frames"
	FieldNetworkName = "network_name"
)

// EvidenceLinkExpiry is how long a presigned evidence link stays valid.
const EvidenceLinkExpiry = 10 * time.Minute

// Verifier runs one verification attempt.
type Verifier interface {
	Verify(ctx context.Context, in verification.Input) (*verification.Result, error)
}

// AttendanceReader serves the caller's attendance record.
type AttendanceReader interface {
	History(ctx context.Context, identityID string, limit, offset int) (*ledger.History, error)
	Summary(ctx context.Context, identityID, periodKey string) (*ledger.PeriodSummary, error)
	Attempt(ctx context.Context, id string) (*ledger.Attempt, error)
}

// EvidenceLinker issues time-limited links to archived captures.
type EvidenceLinker interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// AttendanceHandlersConfig configures AttendanceHandlers.
type AttendanceHandlersConfig struct {
	Verifier Verifier
	Reader   AttendanceReader
	// Evidence is optional; without it the evidence endpoint answers 404.
	Evidence EvidenceLinker
	// MaxUploadBytes defaults to DefaultMaxUploadBytes.
	MaxUploadBytes int64
	Logger         *slog.Logger
	// Now defaults to time.Now and stamps each submission.
	Now func() time.Time
}

// AttendanceHandlers holds dependencies for attendance HTTP handlers.
type AttendanceHandlers struct {
	verifier       Verifier
	reader         AttendanceReader
	evidence       EvidenceLinker
	maxUploadBytes int64
	logger         *slog.Logger
	now            func() time.Time
}

// NewAttendanceHandlers creates a new AttendanceHandlers instance.
func NewAttendanceHandlers(cfg AttendanceHandlersConfig) *AttendanceHandlers {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AttendanceHandlers{
		verifier:       cfg.Verifier,
		reader:         cfg.Reader,
		evidence:       cfg.Evidence,
		maxUploadBytes: cfg.MaxUploadBytes,
		logger:         cfg.Logger,
		now:            cfg.Now,
	}
}

// VerifyResponse is the body of a decided verification.
type VerifyResponse struct {
	*verification.Result
	Label string `json:"label"`
}

// Verify handles POST /v1/attendance/verify.
//
// The request is multipart/form-data with the primary capture in "image",
// the liveness sequence in repeated "frames" parts (capture order) and the
// reported network name in "network_name". Every decided attempt, rejected
// ones included, answers 200 with the outcome in the body.
func (h *AttendanceHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	identityID := middleware.GetIdentityID(r.Context())
	if identityID == "" {
		writeCodedError(w, r, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeCodedError(w, r, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
				fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Request must be multipart/form-data")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	images := r.MultipartForm.File[FieldImage]
	if len(images) == 0 {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeMissingImage, "Primary image is required")
		return
	}
	if len(images) > 1 {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "Exactly one primary image is allowed")
		return
	}
	frameHeaders := r.MultipartForm.File[FieldFrames]
	if len(frameHeaders) > MaxLivenessFrames {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation,
			fmt.Sprintf("At most %d liveness frames are allowed", MaxLivenessFrames))
		return
	}

	primary, err := readPart(images[0])
	if err != nil {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read primary image")
		return
	}
	if len(primary) == 0 {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeMissingImage, "Primary image is empty")
		return
	}
	frames := make([][]byte, 0, len(frameHeaders))
	for _, fh := range frameHeaders {
		frame, err := readPart(fh)
		if err != nil {
			writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Failed to read liveness frame")
			return
		}
		frames = append(frames, frame)
	}

	result, err := h.verifier.Verify(r.Context(), verification.Input{
		IdentityID:    identityID,
		PrimaryImage:  primary,
		Sequence:      frames,
		NetworkName:   strings.TrimSpace(r.FormValue(FieldNetworkName)),
		ClientAddress: middleware.ClientAddress(r),
		SubmittedAt:   h.now(),
	})
	if err != nil {
		h.writeVerifyError(w, r, result, err)
		return
	}

	writeJSON(w, r, http.StatusOK, VerifyResponse{Result: result, Label: result.Label()})
}

// writeVerifyError maps an undecided verification to a status. When the
// attempt was recorded its ID is included so the client can look it up.
func (h *AttendanceHandlers) writeVerifyError(w http.ResponseWriter, r *http.Request, result *verification.Result, err error) {
	var attemptID string
	if result != nil {
		attemptID = result.AttemptID
	}

	switch {
	case errors.Is(err, verification.ErrMissingImage):
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeMissingImage, "Primary image is required")
	case errors.Is(err, verification.ErrMissingIdentity):
		writeCodedError(w, r, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
	case errors.Is(err, verification.ErrCapabilityUnavailable):
		h.logger.WarnContext(r.Context(), "verification capability unavailable",
			"attempt_id", attemptID, "trace_id", middleware.GetTraceID(r), "error", err)
		writeAttemptError(w, r, http.StatusServiceUnavailable, ErrCodeCapabilityUnavailable,
			"Verification service temporarily unavailable", attemptID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeAttemptError(w, r, StatusClientClosedRequest, ErrCodeCancelled, "Verification cancelled", attemptID)
	default:
		h.logger.ErrorContext(r.Context(), "verification failed",
			"attempt_id", attemptID, "trace_id", middleware.GetTraceID(r), "error", err)
		writeAttemptError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Verification could not be completed", attemptID)
	}
}

// parsePage reads the limit and offset query parameters. Limits above
// ledger.MaxHistoryLimit are clamped.
func parsePage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	query := r.URL.Query()
	limit = ledger.DefaultHistoryLimit
	if limitStr := query.Get("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "limit must be a positive integer")
			return 0, 0, false
		}
		if limit > ledger.MaxHistoryLimit {
			limit = ledger.MaxHistoryLimit
		}
	}
	if offsetStr := query.Get("offset"); offsetStr != "" {
		var err error
		offset, err = strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "offset must be a non-negative integer")
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// History handles GET /v1/attendance/history?limit=&offset=.
func (h *AttendanceHandlers) History(w http.ResponseWriter, r *http.Request) {
	identityID := middleware.GetIdentityID(r.Context())
	if identityID == "" {
		writeCodedError(w, r, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	history, err := h.reader.History(r.Context(), identityID, limit, offset)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load attendance history", "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to load attendance history")
		return
	}
	writeJSON(w, r, http.StatusOK, history)
}

// Summary handles GET /v1/attendance/summary?period=. Without a period the
// current one is summarized.
func (h *AttendanceHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	identityID := middleware.GetIdentityID(r.Context())
	if identityID == "" {
		writeCodedError(w, r, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return
	}

	period := r.URL.Query().Get("period")
	if len(period) > maxPeriodKeyLength {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "period is too long")
		return
	}

	summary, err := h.reader.Summary(r.Context(), identityID, period)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to summarize attendance", "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to summarize attendance")
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// GetAttempt handles GET /v1/attendance/attempts/{id}. Attempts of other
// identities are reported as not found.
func (h *AttendanceHandlers) GetAttempt(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.ownedAttempt(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, attempt)
}

// EvidenceLinkResponse is the body of the evidence endpoint.
type EvidenceLinkResponse struct {
	AttemptID string    `json:"attempt_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GetEvidence handles GET /v1/attendance/attempts/{id}/evidence and returns
// a presigned link to the archived primary capture.
func (h *AttendanceHandlers) GetEvidence(w http.ResponseWriter, r *http.Request) {
	attempt, ok := h.ownedAttempt(w, r)
	if !ok {
		return
	}
	if h.evidence == nil || attempt.EvidenceKey == "" {
		writeCodedError(w, r, http.StatusNotFound, ErrCodeEvidenceUnavailable, "No evidence stored for this attempt")
		return
	}

	url, err := h.evidence.PresignGet(r.Context(), attempt.EvidenceKey, EvidenceLinkExpiry)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to presign evidence link",
			"attempt_id", attempt.ID,
			"error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to create evidence link")
		return
	}

	writeJSON(w, r, http.StatusOK, EvidenceLinkResponse{
		AttemptID: attempt.ID,
		URL:       url,
		ExpiresAt: h.now().Add(EvidenceLinkExpiry).UTC(),
	})
}

func (h *AttendanceHandlers) ownedAttempt(w http.ResponseWriter, r *http.Request) (*ledger.Attempt, bool) {
	identityID := middleware.GetIdentityID(r.Context())
	if identityID == "" {
		writeCodedError(w, r, http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return nil, false
	}

	attemptID := r.PathValue("id")
	if _, err := uuid.Parse(attemptID); err != nil {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "Attempt ID must be a UUID")
		return nil, false
	}

	attempt, err := h.reader.Attempt(r.Context(), attemptID)
	if errors.Is(err, ledger.ErrAttemptNotFound) || (err == nil && attempt.IdentityID != identityID) {
		writeCodedError(w, r, http.StatusNotFound, ErrCodeNotFound, "Attempt not found")
		return nil, false
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load attempt", "attempt_id", attemptID, "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to load attempt")
		return nil, false
	}
	return attempt, true
}
