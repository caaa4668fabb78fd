package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teetime-scheduler/internal/attempts"
	"github.com/example/teetime-scheduler/internal/auth"
	"github.com/example/teetime-scheduler/internal/gapscan"
	"github.com/example/teetime-scheduler/internal/reservation"
)

type fakeScanner struct {
	mu      sync.Mutex
	scans   int
	refresh int
}

func (f *fakeScanner) RunGapScan(context.Context, int, reservation.TargetWindow) (gapscan.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return gapscan.Report{RunID: "r"}, nil
}

func (f *fakeScanner) RefreshPending(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh++
}

type fixture struct {
	srv     *Server
	h       http.Handler
	store   *attempts.Memory
	scanner *fakeScanner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a := auth.NewStore(auth.NewMemory(), securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	_, err := a.CreateOperator(context.Background(), "pro", "shop")
	require.NoError(t, err)

	w, err := reservation.NewTargetWindow("07:00", "11:00", time.UTC)
	require.NoError(t, err)

	f := &fixture{store: attempts.NewMemory(), scanner: &fakeScanner{}}
	f.srv = &Server{
		Auth:     a,
		Attempts: f.store,
		Trigger:  f.scanner,
		GapDays:  5,
		Window:   w,
		Log:      zerolog.New(io.Discard),
	}
	f.h = f.srv.Routes()
	return f
}

func (f *fixture) login(t *testing.T, password string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"username": {"pro"}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) do(t *testing.T, cookie *http.Cookie, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) session(t *testing.T) *http.Cookie {
	t.Helper()
	rec := f.login(t, "shop")
	require.Equal(t, http.StatusFound, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestPublicRoutes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	rec = f.do(t, nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, nil, http.MethodGet, "/login", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="password"`)

	rec = f.do(t, nil, http.MethodGet, "/static/style.css", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, nil, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := time.Date(2026, 6, 20, 7, 40, 0, 0, time.UTC)
	_, err := f.store.RecordAttempt(ctx, attempts.Attempt{
		Source: attempts.SourceDaily, TargetDate: slot, Tier: "primary", Kind: reservation.KindBooked,
		Step: reservation.StepSucceeded, Resource: "Diamondback", SlotStart: &slot, FinishedAt: slot,
	})
	require.NoError(t, err)
	_, err = f.store.RecordAttempt(ctx, attempts.Attempt{
		Source: attempts.SourceGap, TargetDate: slot.AddDate(0, 0, 1), Tier: "backup", Kind: reservation.KindStepTimeout,
		Step: reservation.StepConfirming, NeedsVerification: true, FinishedAt: slot,
	})
	require.NoError(t, err)
	target := slot.AddDate(0, 0, 1)
	_, err = f.store.RecordScan(ctx, attempts.Scan{RunID: "scan-1", FinishedAt: slot, WindowDays: 5, Gaps: 1, TargetDate: &target})
	require.NoError(t, err)

	rec := f.do(t, f.session(t), http.MethodGet, "/?flash=hello", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Diamondback 07:40")
	assert.Contains(t, body, "1 attempt(s) need manual verification")
	assert.Contains(t, body, `action="/attempts/2/verified"`)
	assert.Contains(t, body, "scan-1")
	assert.Contains(t, body, "Sun Jun 21")
	assert.Contains(t, body, "07:00-11:00")
	assert.Contains(t, body, "hello")
}

func TestLoginFailuresAreThrottled(t *testing.T) {
	f := newFixture(t)

	rec := f.login(t, "nope")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid username/password")

	for i := 0; i < 4; i++ {
		f.login(t, "nope")
	}
	rec = f.login(t, "shop")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestScanRequest(t *testing.T) {
	f := newFixture(t)
	cookie := f.session(t)

	rec := f.do(t, nil, http.MethodPost, "/scan", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, cookie, http.MethodPost, "/scan", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "flash=Gap+scan+started")

	f.srv.Wait()
	f.scanner.mu.Lock()
	defer f.scanner.mu.Unlock()
	assert.Equal(t, 1, f.scanner.scans)
}

func TestScanRefusedNearDailyRun(t *testing.T) {
	f := newFixture(t)
	f.srv.Quiet = func(time.Time) bool { return true }
	cookie := f.session(t)

	rec := f.do(t, cookie, http.MethodPost, "/scan", nil)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "flash=Daily+run+is+close")

	f.srv.Wait()
	f.scanner.mu.Lock()
	defer f.scanner.mu.Unlock()
	assert.Zero(t, f.scanner.scans)
}

func TestVerifyAttempt(t *testing.T) {
	f := newFixture(t)
	cookie := f.session(t)
	ctx := context.Background()
	date := time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC)
	id, err := f.store.RecordAttempt(ctx, attempts.Attempt{TargetDate: date, Kind: reservation.KindStepTimeout, Step: reservation.StepConfirming, NeedsVerification: true})
	require.NoError(t, err)

	rec := f.do(t, cookie, http.MethodPost, "/attempts/1/verified", url.Values{"booked": {"yes"}})
	assert.Equal(t, http.StatusSeeOther, rec.Code)

	as, err := f.store.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, id, as[0].ID)
	assert.Equal(t, reservation.KindBooked, as[0].Kind)
	assert.False(t, as[0].NeedsVerification)
	assert.NotNil(t, as[0].VerifiedAt)
	assert.Equal(t, 1, f.scanner.refresh)

	rec = f.do(t, cookie, http.MethodPost, "/attempts/1/verified", url.Values{"booked": {"no"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, cookie, http.MethodPost, "/attempts/abc/verified", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, f.session(t), http.MethodGet, "/export.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "teesched-attempts.xlsx")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "PK"), "xlsx is a zip archive")
}
