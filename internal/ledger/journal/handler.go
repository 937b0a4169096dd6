package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/accounts"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/periods"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

type lineRequest struct {
	AccountCode string `json:"accountCode" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	Side        string `json:"side" validate:"required,oneof=DEBIT CREDIT"`
	Description string `json:"description"`
}

type draftRequest struct {
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
	ReferenceType string `json:"referenceType"`
	ReferenceID   string `json:"referenceId" validate:"omitempty,uuid4"`
	Description   string `json:"description"`
}

type postRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type reverseRequest struct {
	Actor string `json:"actor" validate:"required"`
	Date  string `json:"date" validate:"required,datetime=2006-01-02"`
}

type postDirectRequest struct {
	Date          string        `json:"date" validate:"required,datetime=2006-01-02"`
	ReferenceType string        `json:"referenceType"`
	ReferenceID   string        `json:"referenceId" validate:"omitempty,uuid4"`
	Description   string        `json:"description"`
	Actor         string        `json:"actor" validate:"required"`
	Lines         []lineRequest `json:"lines" validate:"required,min=2,dive"`
}

type lineResponse struct {
	ID          int64  `json:"id"`
	AccountCode string `json:"accountCode"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Description string `json:"description,omitempty"`
	Position    int    `json:"position"`
}

type entryResponse struct {
	ID            int64          `json:"id"`
	Number        *string        `json:"number,omitempty"`
	PeriodID      *int64         `json:"periodId,omitempty"`
	Date          string         `json:"date"`
	ReferenceType string         `json:"referenceType,omitempty"`
	ReferenceID   *uuid.UUID     `json:"referenceId,omitempty"`
	Description   string         `json:"description,omitempty"`
	Status        string         `json:"status"`
	ReversalOf    *int64         `json:"reversalOf,omitempty"`
	PostedAt      *time.Time     `json:"postedAt,omitempty"`
	PostedBy      *string        `json:"postedBy,omitempty"`
	Lines         []lineResponse `json:"lines,omitempty"`
}

func toEntryResponse(e JournalEntry) entryResponse {
	out := entryResponse{
		ID:            e.ID,
		Number:        e.Number,
		PeriodID:      e.PeriodID,
		Date:          e.Date.Format("2006-01-02"),
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		Description:   e.Description,
		Status:        string(e.Status),
		ReversalOf:    e.ReversalOf,
		PostedAt:      e.PostedAt,
		PostedBy:      e.PostedBy,
	}
	for _, line := range e.Lines {
		out.Lines = append(out.Lines, lineResponse{
			ID:          line.ID,
			AccountCode: line.AccountCode,
			Debit:       line.Debit.StringFixed(2),
			Credit:      line.Credit.StringFixed(2),
			Description: line.Description,
			Position:    line.Position,
		})
	}
	return out
}

// Handler exposes journal entries over HTTP.
type Handler struct {
	service  *Service
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler constructs the journal handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{service: service, logger: logger, validate: validator.New()}
}

// MountRoutes attaches journal routes to the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.PostDirect)
	r.Post("/drafts", h.CreateDraft)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.DiscardDraft)
	r.Post("/{id}/lines", h.AddLine)
	r.Delete("/{id}/lines/{lineID}", h.RemoveLine)
	r.Post("/{id}/post", h.Post)
	r.Post("/{id}/reverse", h.Reverse)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid entry id")
		return
	}
	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, _ := time.Parse("2006-01-02", req.Date)
	in := DraftInput{Date: date, ReferenceType: req.ReferenceType, Description: req.Description}
	if req.ReferenceID != "" {
		ref, err := uuid.Parse(req.ReferenceID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid reference id")
			return
		}
		in.ReferenceID = &ref
	}
	entry, err := h.service.CreateDraft(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (h *Handler) AddLine(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid entry id")
		return
	}
	var req lineRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	intent, err := toIntent(req)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	line, err := h.service.AddLine(r.Context(), id, intent)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lineResponse{
		ID:          line.ID,
		AccountCode: line.AccountCode,
		Debit:       line.Debit.StringFixed(2),
		Credit:      line.Credit.StringFixed(2),
		Description: line.Description,
		Position:    line.Position,
	})
}

func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid entry id")
		return
	}
	lineID, err := strconv.ParseInt(chi.URLParam(r, "lineID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid line id")
		return
	}
	if err := h.service.RemoveLine(r.Context(), id, lineID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid entry id")
		return
	}
	if err := h.service.DiscardDraft(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid entry id")
		return
	}
	var req postRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	entry, err := h.service.Post(r.Context(), id, req.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryResponse(entry))
}

func (h *Handler) Reverse(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid entry id")
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, _ := time.Parse("2006-01-02", req.Date)
	entry, err := h.service.Reverse(r.Context(), id, req.Actor, date)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (h *Handler) PostDirect(w http.ResponseWriter, r *http.Request) {
	var req postDirectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, _ := time.Parse("2006-01-02", req.Date)
	in := PostingRequest{
		Date:          date,
		ReferenceType: req.ReferenceType,
		Description:   req.Description,
		Actor:         req.Actor,
	}
	if req.ReferenceID != "" {
		ref, err := uuid.Parse(req.ReferenceID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid reference id")
			return
		}
		in.ReferenceID = &ref
	}
	for _, line := range req.Lines {
		intent, err := toIntent(line)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		in.Lines = append(in.Lines, intent)
	}
	entry, err := h.service.PostDirect(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

func toIntent(req lineRequest) (LineIntent, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return LineIntent{}, errors.New("invalid line amount")
	}
	return LineIntent{
		AccountCode: req.AccountCode,
		Amount:      amount,
		Side:        accounts.Side(req.Side),
		Description: req.Description,
	}, nil
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrLineNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateNumber):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrEntryNotDraft), errors.Is(err, ErrNotPosted), errors.Is(err, ErrIntegrityHold):
		err = fmt.Errorf("%w: %v", httpx.ErrState, err)
	case errors.Is(err, ErrUnbalanced), errors.Is(err, ErrEmptyEntry),
		errors.Is(err, accounts.ErrNotPostable), errors.Is(err, accounts.ErrNotFound),
		errors.Is(err, periods.ErrNoOpenPeriod):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	default:
		h.logger.Error("journal handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
