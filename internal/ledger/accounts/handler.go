package accounts

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
)

type createRequest struct {
	Code           string `json:"code" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Type           string `json:"type" validate:"required,oneof=ASSET LIABILITY EQUITY REVENUE EXPENSE"`
	ParentID       *int64 `json:"parentId"`
	IsHeader       bool   `json:"isHeader"`
	OpeningBalance string `json:"openingBalance"`
}

type updateRequest struct {
	IsHeader *bool  `json:"isHeader"`
	IsActive *bool  `json:"isActive"`
	IsLocked *bool  `json:"isLocked"`
	ParentID *int64 `json:"parentId"`
	Reparent bool   `json:"reparent"`
}

type accountResponse struct {
	ID             int64  `json:"id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	NormalSide     string `json:"normalSide"`
	IsHeader       bool   `json:"isHeader"`
	ParentID       *int64 `json:"parentId,omitempty"`
	IsActive       bool   `json:"isActive"`
	IsLocked       bool   `json:"isLocked"`
	OpeningBalance string `json:"openingBalance"`
	CurrentBalance string `json:"currentBalance"`
}

func toResponse(a Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Code:           a.Code,
		Name:           a.Name,
		Type:           string(a.Type),
		NormalSide:     string(a.NormalSide),
		IsHeader:       a.IsHeader,
		ParentID:       a.ParentID,
		IsActive:       a.IsActive,
		IsLocked:       a.IsLocked,
		OpeningBalance: a.OpeningBalance.StringFixed(2),
		CurrentBalance: a.CurrentBalance.StringFixed(2),
	}
}

// Handler exposes the account registry over HTTP.
type Handler struct {
	service  *Service
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler constructs the registry handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{service: service, logger: logger, validate: validator.New()}
}

// MountRoutes attaches registry routes to the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{code}", h.Get)
	r.Patch("/{code}", h.Update)
	r.Delete("/{code}", h.Delete)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.service.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]accountResponse, 0, len(all))
	for _, a := range all {
		out = append(out, toResponse(a))
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
	opening := decimal.Zero
	if req.OpeningBalance != "" {
		var err error
		if opening, err = decimal.NewFromString(req.OpeningBalance); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid opening balance")
			return
		}
	}
	account, err := h.service.Create(r.Context(), CreateInput{
		Code:           req.Code,
		Name:           req.Name,
		Type:           AccountType(req.Type),
		ParentID:       req.ParentID,
		IsHeader:       req.IsHeader,
		OpeningBalance: opening,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(account))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.ResolveCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(account))
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.ResolveCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if req.IsHeader != nil {
		if account, err = h.service.SetHeader(r.Context(), account.ID, *req.IsHeader); err != nil {
			h.respondError(w, err)
			return
		}
	}
	if req.IsActive != nil {
		if account, err = h.service.SetActive(r.Context(), account.ID, *req.IsActive); err != nil {
			h.respondError(w, err)
			return
		}
	}
	if req.IsLocked != nil {
		if account, err = h.service.SetLocked(r.Context(), account.ID, *req.IsLocked); err != nil {
			h.respondError(w, err)
			return
		}
	}
	if req.Reparent {
		if account, err = h.service.Reparent(r.Context(), account.ID, req.ParentID); err != nil {
			h.respondError(w, err)
			return
		}
	}
	httpx.JSON(w, http.StatusOK, toResponse(account))
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.ResolveCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.service.Remove(r.Context(), account.ID); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, ErrDuplicateCode):
		err = fmt.Errorf("%w: %v", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrHasPostings):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	case errors.Is(err, ErrInvalidParent), errors.Is(err, ErrUnknownType), errors.Is(err, ErrNotPostable):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	default:
		h.logger.Error("accounts handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
