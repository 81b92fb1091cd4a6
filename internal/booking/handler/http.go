package handler

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/scan"
	"github.com/example/parkwise/internal/booking/service"
	"github.com/example/parkwise/internal/booking/token"
)

const qrSize = 256

// Config carries the secrets the HTTP surface checks.
type Config struct {
	JWTSecret string
	// CallbackSecret, when set, must match the X-Callback-Secret header of
	// payment callbacks.
	CallbackSecret string
}

// HTTP exposes booking, gate and wallet endpoints.
type HTTP struct {
	svc      *service.Service
	gateway  *scan.Gateway
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(svc *service.Service, gateway *scan.Gateway, cfg Config, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, gateway: gateway, cfg: cfg, validate: validator.New(), logger: logger.Named("http")}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Post("/v1/payments/callback", h.paymentCallback)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(h.cfg.JWTSecret), h.provision)

		r.Get("/v1/accounts/me", h.me)
		r.Get("/v1/bookings/{id}", h.getBooking)
		r.Get("/v1/bookings/{id}/qr", h.bookingQR)
		r.Get("/v1/garages/{id}/spots", h.garageSpots)
		r.Get("/v1/garages/{id}/occupancy", h.garageOccupancy)
		// the booking's driver or the garage owner; the engine checks which
		r.Post("/v1/bookings/{id}/entry", h.recordEntry)
		r.Post("/v1/bookings/{id}/exit", h.recordExit)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(domain.RoleDriver))
			r.Post("/v1/bookings", h.createBooking)
			r.Post("/v1/bookings/{id}/cancel", h.cancelBooking)
			r.Post("/v1/bookings/{id}/decision", h.decide)
		})

		r.Group(func(r chi.Router) {
			r.Use(requireRole(domain.RoleGarageOwner))
			r.Post("/v1/scans", h.scanPass)
			r.Get("/v1/garages/{id}/dashboard", h.garageDashboard)
		})
	})
	return r
}

// provision opens the caller's account on first use.
func (h *HTTP) provision(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := auth.CallerFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing caller", false)
			return
		}
		if _, err := h.svc.EnsureAccount(r.Context(), caller); err != nil {
			h.logger.Error("provision account", zap.String("account_id", caller.AccountID.String()), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal", "could not open account", true)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, _ := auth.CallerFromContext(r.Context())
			if caller.Role != role {
				writeError(w, http.StatusForbidden, "forbidden", "requires role "+string(role), false)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type createBookingRequest struct {
	GarageID             string    `json:"garage_id" validate:"required,uuid"`
	SpotID               string    `json:"spot_id" validate:"required,uuid"`
	EstimatedArrivalTime time.Time `json:"estimated_arrival_time"`
}

func (h *HTTP) createBooking(w http.ResponseWriter, r *http.Request) {
	var payload createBookingRequest
	if !h.decode(w, r, &payload) {
		return
	}
	if payload.EstimatedArrivalTime.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_request", "estimated_arrival_time is required", false)
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	res, err := h.svc.Initiate(r.Context(), r.Header.Get("Idempotency-Key"), service.InitiateRequest{
		DriverID:    caller.AccountID,
		GarageID:    uuid.MustParse(payload.GarageID),
		SpotID:      uuid.MustParse(payload.SpotID),
		ArrivalTime: payload.EstimatedArrivalTime,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	b, err := h.svc.GetBooking(r.Context(), id, caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *HTTP) bookingQR(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	pass, err := h.svc.Pass(r.Context(), id, caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	png, err := token.QR(pass, qrSize)
	if err != nil {
		h.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *HTTP) cancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	b, err := h.svc.CancelPending(r.Context(), id, caller.AccountID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type decisionRequest struct {
	Action string `json:"action" validate:"required,oneof=confirm cancel"`
}

func (h *HTTP) decide(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload decisionRequest
	if !h.decode(w, r, &payload) {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	b, err := h.svc.DriverDecision(r.Context(), id, caller.AccountID, service.Decision(payload.Action))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *HTTP) recordEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	b, err := h.svc.RecordEntry(r.Context(), id, caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (h *HTTP) recordExit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	b, err := h.svc.RecordExit(r.Context(), id, caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type scanRequest struct {
	Pass string `json:"pass" validate:"required"`
}

func (h *HTTP) scanPass(w http.ResponseWriter, r *http.Request) {
	var payload scanRequest
	if !h.decode(w, r, &payload) {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	res, err := h.gateway.Scan(r.Context(), payload.Pass, caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) garageSpots(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	list, err := h.svc.Spots(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"spots": list})
}

func (h *HTTP) garageOccupancy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	occ, err := h.svc.Occupancy(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

func (h *HTTP) garageDashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := auth.CallerFromContext(r.Context())
	d, err := h.svc.Dashboard(r.Context(), id, caller)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *HTTP) me(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())
	acc, err := h.svc.Account(r.Context(), caller.AccountID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// externalID accepts the gateway's transaction id as a JSON string or number.
type externalID string

func (e *externalID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = externalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*e = externalID(n.String())
	return nil
}

type paymentCallback struct {
	Obj struct {
		ID          externalID `json:"id" validate:"required"`
		Success     bool       `json:"success"`
		AmountCents int64      `json:"amount_cents" validate:"gte=0"`
		Order       struct {
			MerchantOrderID string `json:"merchant_order_id" validate:"required,startswith=wallet-"`
		} `json:"order"`
	} `json:"obj"`
}

// walletAccount extracts the account id from "wallet-{uuid}-{unix}".
func walletAccount(orderID string) (uuid.UUID, error) {
	rest := strings.TrimPrefix(orderID, "wallet-")
	i := strings.LastIndex(rest, "-")
	if i <= 0 {
		return uuid.Nil, errors.New("malformed merchant_order_id")
	}
	return uuid.Parse(rest[:i])
}

func (h *HTTP) paymentCallback(w http.ResponseWriter, r *http.Request) {
	if h.cfg.CallbackSecret != "" {
		got := r.Header.Get("X-Callback-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.CallbackSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid callback secret", false)
			return
		}
	}
	var payload paymentCallback
	if !h.decode(w, r, &payload) {
		return
	}
	if !payload.Obj.Success || payload.Obj.AmountCents == 0 {
		h.logger.Info("payment callback ignored",
			zap.String("transaction_id", string(payload.Obj.ID)),
			zap.Bool("success", payload.Obj.Success),
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	accountID, err := walletAccount(payload.Obj.Order.MerchantOrderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return
	}
	entry, err := h.svc.TopUp(r.Context(), string(payload.Obj.ID), accountID, domain.Money(payload.Obj.AmountCents))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "credited", "entry": entry})
}

func (h *HTTP) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), false)
		return false
	}
	return true
}

func (h *HTTP) fail(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, code, err.Error(), domain.IsRetryable(err))
}

func classify(err error) (int, string) {
	if errors.Is(err, token.ErrInvalidPass) {
		return http.StatusBadRequest, "invalid_pass"
	}
	code := domain.ErrorCode(err)
	switch {
	case errors.Is(err, domain.ErrGarageClosed):
		return http.StatusUnprocessableEntity, code
	case errors.Is(err, domain.ErrDriverBlocked):
		return http.StatusForbidden, code
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, code
	case errors.Is(err, domain.ErrConflictingBooking),
		errors.Is(err, domain.ErrSpotUnavailable),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, code
	case errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden, code
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, code
	case errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusInternalServerError, code
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid id", false)
		return uuid.Nil, false
	}
	return id, true
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, retryable bool) {
	writeJSON(w, status, errorBody{Error: msg, Code: code, Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
