package balances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

type balanceResponse struct {
	AccountCode string `json:"accountCode"`
	AsOf        string `json:"asOf"`
	Balance     string `json:"balance"`
}

type ledgerLineResponse struct {
	EntryID     int64  `json:"entryId"`
	EntryNumber string `json:"entryNumber"`
	EntryDate   string `json:"entryDate"`
	Description string `json:"description,omitempty"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
}

type trialBalanceRowResponse struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Opening string `json:"opening"`
	Debit   string `json:"debit"`
	Credit  string `json:"credit"`
	Closing string `json:"closing"`
}

type trialBalanceGroupResponse struct {
	Key     string                    `json:"key"`
	Rows    []trialBalanceRowResponse `json:"rows"`
	Opening string                    `json:"opening"`
	Debit   string                    `json:"debit"`
	Credit  string                    `json:"credit"`
	Closing string                    `json:"closing"`
}

type trialBalanceResponse struct {
	PeriodID    int64                       `json:"periodId"`
	PeriodCode  string                      `json:"periodCode"`
	Groups      []trialBalanceGroupResponse `json:"groups"`
	TotalDebit  string                      `json:"totalDebit"`
	TotalCredit string                      `json:"totalCredit"`
	Balanced    bool                        `json:"balanced"`
}

type faultResponse struct {
	ID         int64     `json:"id"`
	AccountID  int64     `json:"accountId"`
	Expected   string    `json:"expected"`
	Cached     string    `json:"cached"`
	Detail     string    `json:"detail"`
	DetectedAt time.Time `json:"detectedAt"`
}

type rebuildRequest struct {
	Actor string `json:"actor"`
}

func toTrialBalanceResponse(tb TrialBalance) trialBalanceResponse {
	out := trialBalanceResponse{
		PeriodID:    tb.PeriodID,
		PeriodCode:  tb.PeriodCode,
		TotalDebit:  tb.TotalDebit.StringFixed(2),
		TotalCredit: tb.TotalCredit.StringFixed(2),
		Balanced:    tb.Balanced(),
	}
	for _, grp := range tb.Groups {
		g := trialBalanceGroupResponse{
			Key:     grp.Key,
			Opening: grp.Opening.StringFixed(2),
			Debit:   grp.Debit.StringFixed(2),
			Credit:  grp.Credit.StringFixed(2),
			Closing: grp.Closing.StringFixed(2),
		}
		for _, row := range grp.Rows {
			g.Rows = append(g.Rows, trialBalanceRowResponse{
				Code:    row.Code,
				Name:    row.Name,
				Opening: row.Opening.StringFixed(2),
				Debit:   row.Debit.StringFixed(2),
				Credit:  row.Credit.StringFixed(2),
				Closing: row.Closing.StringFixed(2),
			})
		}
		out.Groups = append(out.Groups, g)
	}
	return out
}

// RebuildQueue hands rebuild requests to a background worker. When absent the
// handler rebuilds synchronously.
type RebuildQueue interface {
	EnqueueRebuild(ctx context.Context, actor string) (string, error)
}

// Handler exposes balance and trial-balance reports over HTTP.
type Handler struct {
	service   *Service
	logger    *slog.Logger
	queue     RebuildQueue
	rateLimit func(http.Handler) http.Handler
	tbGroup   singleflight.Group
}

// NewHandler constructs the reports handler. queue may be nil.
func NewHandler(logger *slog.Logger, service *Service, queue RebuildQueue) *Handler {
	limiter := httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	return &Handler{service: service, logger: logger, queue: queue, rateLimit: limiter}
}

// MountRoutes attaches report routes to the router. Exports are rate limited.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/trial-balance/{periodID}", h.TrialBalance)
	r.Get("/accounts/{code}/balance", h.BalanceAsOf)
	r.Get("/accounts/{code}/ledger", h.AccountLedger)
	r.Get("/faults", h.Faults)
	r.Post("/verify", h.Verify)
	r.Post("/rebuild", h.Rebuild)
	r.Group(func(r chi.Router) {
		r.Use(h.rateLimit)
		r.Get("/trial-balance/{periodID}/export.csv", h.TrialBalanceCSV)
	})
}

// buildTrialBalance collapses concurrent builds of the same period into one.
func (h *Handler) buildTrialBalance(ctx context.Context, periodID int64) (TrialBalance, error) {
	resultChan := h.tbGroup.DoChan(fmt.Sprintf("tb:%d", periodID), func() (interface{}, error) {
		return h.service.TrialBalance(ctx, periodID)
	})
	select {
	case <-ctx.Done():
		return TrialBalance{}, ctx.Err()
	case res := <-resultChan:
		tb, _ := res.Val.(TrialBalance)
		return tb, res.Err
	}
}

func (h *Handler) TrialBalance(w http.ResponseWriter, r *http.Request) {
	periodID, err := strconv.ParseInt(chi.URLParam(r, "periodID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid period id")
		return
	}
	tb, err := h.buildTrialBalance(r.Context(), periodID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTrialBalanceResponse(tb))
}

func (h *Handler) TrialBalanceCSV(w http.ResponseWriter, r *http.Request) {
	periodID, err := strconv.ParseInt(chi.URLParam(r, "periodID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid period id")
		return
	}
	tb, err := h.buildTrialBalance(r.Context(), periodID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=trial-balance-%s.csv", tb.PeriodCode))
	if err := WriteTrialBalanceCSV(w, tb); err != nil {
		h.logger.Error("trial balance csv export", slog.Any("error", err))
	}
}

func (h *Handler) BalanceAsOf(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDateParam(r, "asOf", time.Now())
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid asOf date")
		return
	}
	code := chi.URLParam(r, "code")
	balance, err := h.service.BalanceAsOf(r.Context(), code, asOf)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{
		AccountCode: code,
		AsOf:        asOf.Format("2006-01-02"),
		Balance:     balance.StringFixed(2),
	})
}

func (h *Handler) AccountLedger(w http.ResponseWriter, r *http.Request) {
	from, err := parseDateParam(r, "from", time.Time{})
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid from date")
		return
	}
	to, err := parseDateParam(r, "to", time.Now())
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid to date")
		return
	}
	lines, err := h.service.AccountLedger(r.Context(), chi.URLParam(r, "code"), from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]ledgerLineResponse, 0, len(lines))
	for _, line := range lines {
		out = append(out, ledgerLineResponse{
			EntryID:     line.EntryID,
			EntryNumber: line.EntryNumber,
			EntryDate:   line.EntryDate.Format("2006-01-02"),
			Description: line.Description,
			Debit:       line.Debit.StringFixed(2),
			Credit:      line.Credit.StringFixed(2),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) Faults(w http.ResponseWriter, r *http.Request) {
	faults, err := h.service.Faults(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]faultResponse, 0, len(faults))
	for _, f := range faults {
		out = append(out, faultResponse{
			ID:         f.ID,
			AccountID:  f.AccountID,
			Expected:   f.Expected.StringFixed(2),
			Cached:     f.Cached.StringFixed(2),
			Detail:     f.Detail,
			DetectedAt: f.DetectedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	mismatches, err := h.service.Verify(r.Context())
	if err != nil && !errors.Is(err, ErrIntegrityViolation) {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"clean":      len(mismatches) == 0,
		"mismatches": len(mismatches),
	})
}

func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if req.Actor == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "actor required")
		return
	}
	if h.queue != nil {
		taskID, err := h.queue.EnqueueRebuild(r.Context(), req.Actor)
		if err != nil {
			h.respondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "queued", "taskId": taskID})
		return
	}
	affected, err := h.service.Rebuild(r.Context(), req.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": affected})
}

func parseDateParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return time.Parse("2006-01-02", raw)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, accounts.ErrNotFound), errors.Is(err, periods.ErrNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrIntegrityViolation):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	default:
		h.logger.Error("balances handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
