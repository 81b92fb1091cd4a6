package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
	"github.com/example/parkwise/internal/booking/handler"
	"github.com/example/parkwise/internal/booking/ledger"
	"github.com/example/parkwise/internal/booking/repository"
	"github.com/example/parkwise/internal/booking/scan"
	"github.com/example/parkwise/internal/booking/service"
	"github.com/example/parkwise/internal/booking/spots"
	"github.com/example/parkwise/internal/booking/token"
	"github.com/example/parkwise/internal/garage"
	"github.com/example/parkwise/internal/lock"
)

const (
	jwtSecret      = "jwt-secret"
	callbackSecret = "cb-secret"
)

type api struct {
	t      *testing.T
	server *httptest.Server
	garage domain.GarageConfig
	spots  []uuid.UUID
}

func newAPI(t *testing.T) *api {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	locks := lock.NewKeyed()
	registry := spots.NewRegistry(store, nil)
	passes := token.NewIssuer("pass-secret", "parkwise", time.Hour)

	a := &api{t: t}
	a.garage = domain.GarageConfig{
		ID:                 uuid.New(),
		OwnerID:            uuid.New(),
		Name:               gofakeit.Company(),
		GracePeriodMinutes: 15,
		BlockDurationHours: 24,
		PricePerHour:       1000,
		Location:           time.UTC,
	}
	g := garage.Garage{Config: a.garage}
	for i := 0; i < 2; i++ {
		g.Spots = append(g.Spots, domain.Spot{ID: uuid.New(), GarageID: a.garage.ID, Label: fmt.Sprintf("A%d", i+1)})
		a.spots = append(a.spots, g.Spots[i].ID)
	}
	catalog := garage.NewStatic(g)
	require.NoError(t, catalog.Sync(ctx, registry, store))

	svc := service.New(service.Deps{
		Bookings:    store,
		Accounts:    store,
		Spots:       registry,
		Ledger:      ledger.New(store, store, store, locks, nil, nil),
		Garages:     catalog,
		Tx:          store,
		Locks:       locks,
		Idempotency: repository.NewMemoryIdempotencyRepo(time.Hour),
		Passes:      passes,
	}, service.DefaultConfig())
	gateway := scan.NewGateway(svc, passes, nil)
	h := handler.NewHTTP(svc, gateway, handler.Config{JWTSecret: jwtSecret, CallbackSecret: callbackSecret}, nil)
	a.server = httptest.NewServer(h.Router())
	t.Cleanup(a.server.Close)
	return a
}

func (a *api) tokenFor(id uuid.UUID, role domain.Role) string {
	a.t.Helper()
	tok, err := auth.Sign(jwtSecret, id, role, time.Hour)
	require.NoError(a.t, err)
	return tok
}

func (a *api) do(method, path, bearer string, body any, header ...string) *http.Response {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	require.NoError(a.t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(a.t, err)
	a.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (a *api) fund(account uuid.UUID, txID string, cents int64) *http.Response {
	return a.do(http.MethodPost, "/v1/payments/callback", "", map[string]any{
		"obj": map[string]any{
			"id":           txID,
			"success":      true,
			"amount_cents": cents,
			"order":        map[string]any{"merchant_order_id": fmt.Sprintf("wallet-%s-%d", account, time.Now().Unix())},
		},
	}, "X-Callback-Secret", callbackSecret)
}

func (a *api) book(driverToken string, spot uuid.UUID) service.InitiateResult {
	a.t.Helper()
	resp := a.do(http.MethodPost, "/v1/bookings", driverToken, map[string]any{
		"garage_id":              a.garage.ID.String(),
		"spot_id":                spot.String(),
		"estimated_arrival_time": time.Now().Add(30 * time.Minute),
	})
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
	return decodeBody[service.InitiateResult](a.t, resp)
}

func TestBookingFlowOverHTTP(t *testing.T) {
	a := newAPI(t)
	driver := uuid.New()
	driverToken := a.tokenFor(driver, domain.RoleDriver)
	ownerToken := a.tokenFor(a.garage.OwnerID, domain.RoleGarageOwner)

	resp := a.do(http.MethodGet, "/v1/accounts/me", driverToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acc := decodeBody[map[string]any](t, resp)
	require.Equal(t, "0.00", acc["balance"])

	require.Equal(t, http.StatusOK, a.fund(driver, "tx-1", 5000).StatusCode)

	res := a.book(driverToken, a.spots[0])
	require.Equal(t, domain.StatusPending, res.Booking.Status)
	require.NotEmpty(t, res.Pass)

	path := "/v1/bookings/" + res.Booking.ID.String()
	resp = a.do(http.MethodGet, path, ownerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(http.MethodGet, path, a.tokenFor(uuid.New(), domain.RoleDriver), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "not_authorized", decodeBody[errorBody](t, resp).Code)

	resp = a.do(http.MethodGet, path+"/qr", driverToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp = a.do(http.MethodGet, "/v1/garages/"+a.garage.ID.String()+"/occupancy", driverToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	occ := decodeBody[spots.Occupancy](t, resp)
	require.Equal(t, 2, occ.Total)
	require.Equal(t, 1, occ.Occupied)

	resp = a.do(http.MethodPost, "/v1/scans", ownerToken, map[string]string{"pass": res.Pass})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entry := decodeBody[scan.Result](t, resp)
	require.Equal(t, scan.EventEntry, entry.Event)
	require.Equal(t, domain.StatusConfirmed, entry.Booking.Status)

	resp = a.do(http.MethodPost, path+"/exit", ownerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decodeBody[domain.Booking](t, resp)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.ActualCost)

	resp = a.do(http.MethodPost, "/v1/scans", ownerToken, map[string]string{"pass": res.Pass})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "invalid_state", decodeBody[errorBody](t, resp).Code)
}

func TestCreateBookingErrors(t *testing.T) {
	a := newAPI(t)
	driver := uuid.New()
	driverToken := a.tokenFor(driver, domain.RoleDriver)

	resp := a.do(http.MethodPost, "/v1/bookings", "", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = a.do(http.MethodPost, "/v1/bookings", driverToken, map[string]any{"garage_id": "nope", "spot_id": a.spots[0].String()})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeBody[errorBody](t, resp).Code)

	resp = a.do(http.MethodPost, "/v1/bookings", driverToken, map[string]any{
		"garage_id":              a.garage.ID.String(),
		"spot_id":                a.spots[0].String(),
		"estimated_arrival_time": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body := decodeBody[errorBody](t, resp)
	require.Equal(t, "insufficient_funds", body.Code)
	require.False(t, body.Retryable)

	resp = a.do(http.MethodPost, "/v1/bookings", a.tokenFor(a.garage.OwnerID, domain.RoleGarageOwner), map[string]any{
		"garage_id":              a.garage.ID.String(),
		"spot_id":                a.spots[0].String(),
		"estimated_arrival_time": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.Equal(t, http.StatusOK, a.fund(driver, "tx-2", 5000).StatusCode)
	a.book(driverToken, a.spots[0])

	resp = a.do(http.MethodPost, "/v1/bookings", driverToken, map[string]any{
		"garage_id":              a.garage.ID.String(),
		"spot_id":                a.spots[1].String(),
		"estimated_arrival_time": time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body = decodeBody[errorBody](t, resp)
	require.Equal(t, "conflicting_booking", body.Code)
	require.True(t, body.Retryable)
}

func TestCancelAndDecision(t *testing.T) {
	a := newAPI(t)
	driver := uuid.New()
	driverToken := a.tokenFor(driver, domain.RoleDriver)
	a.do(http.MethodGet, "/v1/accounts/me", driverToken, nil)
	require.Equal(t, http.StatusOK, a.fund(driver, "tx-3", 5000).StatusCode)
	res := a.book(driverToken, a.spots[1])
	path := "/v1/bookings/" + res.Booking.ID.String()

	resp := a.do(http.MethodPost, path+"/decision", driverToken, map[string]string{"action": "maybe"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(http.MethodPost, path+"/decision", driverToken, map[string]string{"action": "confirm"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = a.do(http.MethodPost, path+"/cancel", a.tokenFor(uuid.New(), domain.RoleDriver), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "not_owner", decodeBody[errorBody](t, resp).Code)

	resp = a.do(http.MethodPost, path+"/cancel", driverToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.StatusCancelled, decodeBody[domain.Booking](t, resp).Status)

	resp = a.do(http.MethodGet, "/v1/bookings/"+uuid.NewString(), driverToken, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPaymentCallback(t *testing.T) {
	a := newAPI(t)
	driver := uuid.New()
	driverToken := a.tokenFor(driver, domain.RoleDriver)

	require.Equal(t, http.StatusNotFound, a.fund(driver, "tx-early", 100).StatusCode)

	a.do(http.MethodGet, "/v1/accounts/me", driverToken, nil)
	require.Equal(t, http.StatusOK, a.fund(driver, "tx-9", 1250).StatusCode)
	require.Equal(t, http.StatusOK, a.fund(driver, "tx-9", 1250).StatusCode)

	resp := a.do(http.MethodPost, "/v1/payments/callback", "", map[string]any{
		"obj": map[string]any{
			"id":           987,
			"success":      false,
			"amount_cents": 700,
			"order":        map[string]any{"merchant_order_id": "wallet-" + driver.String() + "-1"},
		},
	}, "X-Callback-Secret", callbackSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ignored", decodeBody[map[string]string](t, resp)["status"])

	resp = a.do(http.MethodPost, "/v1/payments/callback", "", map[string]any{"obj": map[string]any{}}, "X-Callback-Secret", "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = a.do(http.MethodGet, "/v1/accounts/me", driverToken, nil)
	require.Equal(t, "12.50", decodeBody[map[string]any](t, resp)["balance"])
}

func TestScanRequiresOwnerRole(t *testing.T) {
	a := newAPI(t)
	resp := a.do(http.MethodPost, "/v1/scans", a.tokenFor(uuid.New(), domain.RoleDriver), map[string]string{"pass": "x"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(http.MethodPost, "/v1/scans", a.tokenFor(a.garage.OwnerID, domain.RoleGarageOwner), map[string]string{"pass": "garbage"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_pass", decodeBody[errorBody](t, resp).Code)
}

func TestDriverRecordsOwnEntryAndExit(t *testing.T) {
	a := newAPI(t)
	driver := uuid.New()
	driverToken := a.tokenFor(driver, domain.RoleDriver)
	a.do(http.MethodGet, "/v1/accounts/me", driverToken, nil)
	require.Equal(t, http.StatusOK, a.fund(driver, "tx-4", 5000).StatusCode)
	res := a.book(driverToken, a.spots[0])
	path := "/v1/bookings/" + res.Booking.ID.String()

	resp := a.do(http.MethodPost, path+"/entry", a.tokenFor(uuid.New(), domain.RoleDriver), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "not_authorized", decodeBody[errorBody](t, resp).Code)

	resp = a.do(http.MethodPost, path+"/entry", driverToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.StatusConfirmed, decodeBody[domain.Booking](t, resp).Status)

	resp = a.do(http.MethodPost, path+"/exit", driverToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.StatusCompleted, decodeBody[domain.Booking](t, resp).Status)
}

func TestOwnerDashboardOverHTTP(t *testing.T) {
	a := newAPI(t)
	driver := uuid.New()
	driverToken := a.tokenFor(driver, domain.RoleDriver)
	ownerToken := a.tokenFor(a.garage.OwnerID, domain.RoleGarageOwner)
	a.do(http.MethodGet, "/v1/accounts/me", driverToken, nil)
	require.Equal(t, http.StatusOK, a.fund(driver, "tx-5", 5000).StatusCode)
	res := a.book(driverToken, a.spots[1])

	path := "/v1/garages/" + a.garage.ID.String() + "/dashboard"
	resp := a.do(http.MethodGet, path, ownerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeBody[service.Dashboard](t, resp)
	require.Equal(t, a.garage.ID, d.GarageID)
	require.Equal(t, 2, d.Occupancy.Total)
	require.Equal(t, 1, d.Occupancy.Reserved)
	require.Len(t, d.Spots, 2)
	require.Len(t, d.TodayBookings, 1)
	require.Equal(t, res.Booking.ID, d.TodayBookings[0].ID)
	require.Zero(t, d.TodayRevenue)

	resp = a.do(http.MethodGet, path, driverToken, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(http.MethodGet, path, a.tokenFor(uuid.New(), domain.RoleGarageOwner), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "not_authorized", decodeBody[errorBody](t, resp).Code)
}
