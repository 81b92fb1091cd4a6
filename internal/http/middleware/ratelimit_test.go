package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/parkwise/internal/auth"
	"github.com/example/parkwise/internal/booking/domain"
)

func newLimiter(t *testing.T) (*RateLimiter, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRateLimiter(client, Limits{
		Read:  RateConfig{Rate: 10, Burst: 10},
		Write: RateConfig{Rate: 1, Burst: 2},
		Gate:  RateConfig{Rate: 1, Burst: 3},
	})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestWritesArePerAccount(t *testing.T) {
	l, now := newLimiter(t)
	h := auth.Middleware("secret")(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	post := func(account uuid.UUID) *httptest.ResponseRecorder {
		tok, err := auth.Sign("secret", account, domain.RoleDriver, time.Minute)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/v1/bookings", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	alice, bob := uuid.New(), uuid.New()
	require.Equal(t, http.StatusNoContent, post(alice).Code)
	require.Equal(t, http.StatusNoContent, post(alice).Code)
	limited := post(alice)
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "1", limited.Header().Get("Retry-After"))

	require.Equal(t, http.StatusNoContent, post(bob).Code)

	*now = now.Add(time.Second)
	require.Equal(t, http.StatusNoContent, post(alice).Code)
}

func TestReadsUseTheirOwnBucket(t *testing.T) {
	l, _ := newLimiter(t)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/bookings/x", nil)
		req.Header.Set("X-Client-ID", "gate-7")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/bookings/x", nil)
	req.Header.Set("X-Client-ID", "gate-7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGateScansUseTheirOwnBucket(t *testing.T) {
	l, _ := newLimiter(t)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	do := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("X-Client-ID", "gate-3")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	id := uuid.NewString()

	require.Equal(t, http.StatusOK, do("/v1/scans"))
	require.Equal(t, http.StatusOK, do("/v1/bookings/"+id+"/entry"))
	require.Equal(t, http.StatusOK, do("/v1/bookings/"+id+"/exit"))
	require.Equal(t, http.StatusTooManyRequests, do("/v1/scans"))

	// the write bucket is untouched by gate traffic
	require.Equal(t, http.StatusOK, do("/v1/bookings"))
	require.Equal(t, http.StatusOK, do("/v1/bookings/"+id+"/cancel"))
	require.Equal(t, http.StatusTooManyRequests, do("/v1/bookings"))
}

func TestNilLimiterPassesThrough(t *testing.T) {
	var l *RateLimiter
	called := false
	l.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, called)
}
