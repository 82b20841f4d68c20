package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/presence/internal/middleware"
	"github.com/onnwee/presence/internal/network"
)

// maxCheckBodyBytes bounds the JSON body of POST /v1/network/check.
const maxCheckBodyBytes = 4 << 10

// NetworkService checks network reports and lists the allow-list.
type NetworkService interface {
	Check(ctx context.Context, report network.Report) (network.Decision, error)
	Requirements(ctx context.Context) (network.Requirements, error)
}

// NetworkHandlers holds dependencies for network HTTP handlers.
type NetworkHandlers struct {
	service NetworkService
	logger  *slog.Logger
}

// NewNetworkHandlers creates a new NetworkHandlers instance.
func NewNetworkHandlers(service NetworkService, logger *slog.Logger) *NetworkHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkHandlers{service: service, logger: logger}
}

// CheckNetworkRequest is the body of POST /v1/network/check.
type CheckNetworkRequest struct {
	NetworkName string `json:"network_name"`
}

// Requirements handles GET /v1/network/requirements.
func (h *NetworkHandlers) Requirements(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.Requirements(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load network requirements", "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to load network requirements")
		return
	}
	writeJSON(w, r, http.StatusOK, req)
}

// Check handles POST /v1/network/check. It runs the network stage alone
// against the observed client address; no attempt is recorded.
func (h *NetworkHandlers) Check(w http.ResponseWriter, r *http.Request) {
	var body CheckNetworkRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeCodedError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body")
			return
		}
	}

	decision, err := h.service.Check(r.Context(), network.Report{
		NetworkName: strings.TrimSpace(body.NetworkName),
		Address:     middleware.ClientAddress(r),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to check network", "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to check network")
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}
