package periods

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

type createRequest struct {
	Code      string `json:"code"`
	StartDate string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"endDate" validate:"required,datetime=2006-01-02"`
}

type closeRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type periodResponse struct {
	ID        int64   `json:"id"`
	Code      string  `json:"code"`
	StartDate string  `json:"startDate"`
	EndDate   string  `json:"endDate"`
	IsClosed  bool    `json:"isClosed"`
	ClosedAt  *string `json:"closedAt,omitempty"`
	ClosedBy  *string `json:"closedBy,omitempty"`
}

func toResponse(p Period) periodResponse {
	resp := periodResponse{
		ID:        p.ID,
		Code:      p.Code,
		StartDate: p.StartDate.Format("2006-01-02"),
		EndDate:   p.EndDate.Format("2006-01-02"),
		IsClosed:  p.IsClosed,
		ClosedBy:  p.ClosedBy,
	}
	if p.ClosedAt != nil {
		at := p.ClosedAt.Format(time.RFC3339)
		resp.ClosedAt = &at
	}
	return resp
}

// Handler exposes period management over HTTP.
type Handler struct {
	service  *Service
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler constructs the period handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{service: service, logger: logger, validate: validator.New()}
}

// MountRoutes attaches period routes to the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/{id}/close", h.Close)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]periodResponse, 0, len(all))
	for _, p := range all {
		out = append(out, toResponse(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	start, _ := time.Parse("2006-01-02", req.StartDate)
	end, _ := time.Parse("2006-01-02", req.EndDate)
	period, err := h.service.Create(r.Context(), CreateInput{Code: req.Code, StartDate: start, EndDate: end})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(period))
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid period id")
		return
	}
	var req closeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	period, err := h.service.Close(r.Context(), id, req.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(period))
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoOpenPeriod):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrOverlap):
		err = fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrAlreadyClosed), errors.Is(err, ErrDraftsOutstanding), errors.Is(err, ErrNoNextPeriod):
		err = fmt.Errorf("%w: %v", httpx.ErrState, err)
	case errors.Is(err, ErrCloseInProgress), errors.Is(err, ErrConflict):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	default:
		h.logger.Error("periods handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
