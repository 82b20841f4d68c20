package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/onnwee/presence/internal/ledger"
)

// PeriodReporter aggregates one attendance period across identities.
type PeriodReporter interface {
	PeriodReport(ctx context.Context, periodKey string, limit, offset int) (*ledger.PeriodReport, error)
}

// ReportHandlers serves operator reports. Routes are expected behind
// middleware.RequireRole(auth.RoleAdmin).
type ReportHandlers struct {
	reporter PeriodReporter
	logger   *slog.Logger
}

// NewReportHandlers creates a new ReportHandlers instance.
func NewReportHandlers(reporter PeriodReporter, logger *slog.Logger) *ReportHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportHandlers{reporter: reporter, logger: logger}
}

// PeriodReport handles GET /v1/admin/attendance/report?period=&limit=&offset=.
// Without a period the current one is reported.
func (h *ReportHandlers) PeriodReport(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("period")
	if len(period) > maxPeriodKeyLength {
		writeCodedError(w, r, http.StatusBadRequest, ErrCodeValidation, "period is too long")
		return
	}
	limit, offset, ok := parsePage(w, r)
	if !ok {
		return
	}

	report, err := h.reporter.PeriodReport(r.Context(), period, limit, offset)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to build period report", "period_key", period, "error", err)
		writeCodedError(w, r, http.StatusInternalServerError, ErrCodeInternal, "Failed to build period report")
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
