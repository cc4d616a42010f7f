package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"roombooking/internal/appers"
	"roombooking/internal/application/entity"
	use_cases "roombooking/internal/application/use-cases"
	"roombooking/pkg/config"
	"roombooking/pkg/httpserver"
	"roombooking/pkg/metrics"

	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUseCase struct {
	use_cases.UseCaser

	createdReq   entity.BookingRequest
	createErr    error
	bookingID    uuid.UUID
	cancelID     uuid.UUID
	cancelBy     int64
	cancelErr    error
	requeuedID   int64
	requeueErr   error
	failedLimit  int
	failed       []entity.OutboxJob
	conflict     bool
	healthResult entity.HealthCheckResponseData
}

func (f *fakeUseCase) CreateBooking(_ context.Context, req entity.BookingRequest) (uuid.UUID, error) {
	f.createdReq = req
	return f.bookingID, f.createErr
}

func (f *fakeUseCase) CancelBooking(_ context.Context, id uuid.UUID, requester int64) error {
	f.cancelID, f.cancelBy = id, requester
	return f.cancelErr
}

func (f *fakeUseCase) CheckConflict(_ context.Context, room string, start, end time.Time) (bool, error) {
	return f.conflict, nil
}

func (f *fakeUseCase) RequeueJob(_ context.Context, id int64) error {
	f.requeuedID = id
	return f.requeueErr
}

func (f *fakeUseCase) ListFailedJobs(_ context.Context, limit int) ([]entity.OutboxJob, error) {
	f.failedLimit = limit
	return f.failed, nil
}

func (f *fakeUseCase) HealthCheck(context.Context) entity.HealthCheckResponseData {
	return f.healthResult
}

func newTestApp(uc *fakeUseCase) *fiberTestApp {
	reg := prometheus.NewRegistry()
	conf := config.Config{Server: config.Server{BodyLimit: 1 << 20}}
	app := httpserver.NewFiber(conf, metrics.New(reg))
	NewRouter(NewBookingHandler(uc, zap.NewNop().Sugar()), app, &conf, reg, zap.NewNop().Sugar()).RegisterRouter()
	return &fiberTestApp{do: func(req *http.Request) (*http.Response, error) { return app.Test(req, -1) }}
}

type fiberTestApp struct {
	do func(req *http.Request) (*http.Response, error)
}

func (a *fiberTestApp) call(t *testing.T, method, target, body string, headers map[string]string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestCreateBooking(t *testing.T) {
	id := uuid.Must(uuid.NewV4())

	testcases := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "created",
			body:       `{"room":"R1","start":"2026-03-02T10:00:00Z","end":"2026-03-02T11:00:00Z","ownerId":1,"participantIds":[2,3]}`,
			wantStatus: http.StatusCreated,
			wantBody:   id.String(),
		},
		{
			name:       "malformed body",
			body:       `{"room":`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid request body",
		},
		{
			name:       "validation",
			body:       `{"room":""}`,
			err:        appers.NewValidationError("room: failed on 'required'"),
			wantStatus: http.StatusBadRequest,
			wantBody:   "room: failed on 'required'",
		},
		{
			name:       "conflict",
			body:       `{"room":"R1"}`,
			err:        appers.ErrBookingConflict,
			wantStatus: http.StatusConflict,
			wantBody:   appers.ErrBookingConflict.StatusDesc,
		},
		{
			name:       "storage down",
			body:       `{"room":"R1"}`,
			err:        appers.NewStorageError("insert booking", io.ErrUnexpectedEOF),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "storage unavailable",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &fakeUseCase{bookingID: id, createErr: tc.err}
			status, body := newTestApp(uc).call(t, http.MethodPost, "/bookings", tc.body, nil)

			assert.Equal(t, tc.wantStatus, status)
			assert.Contains(t, body, tc.wantBody)
			assert.NotContains(t, body, "unexpected EOF")
		})
	}

	t.Run("passes times through", func(t *testing.T) {
		uc := &fakeUseCase{bookingID: id}
		newTestApp(uc).call(t, http.MethodPost, "/bookings",
			`{"room":"R1","start":"2026-03-02T12:00:00+02:00","end":"2026-03-02T13:00:00+02:00","ownerId":1}`, nil)

		assert.Equal(t, "R1", uc.createdReq.Room)
		assert.True(t, uc.createdReq.Start.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)))
		assert.Equal(t, int64(1), uc.createdReq.OwnerID)
	})
}

func TestCancelBooking(t *testing.T) {
	id := uuid.Must(uuid.NewV4())

	testcases := []struct {
		name       string
		path       string
		user       string
		err        error
		wantStatus int
	}{
		{name: "cancelled", path: "/bookings/" + id.String(), user: "1", wantStatus: http.StatusOK},
		{name: "bad id", path: "/bookings/nope", user: "1", wantStatus: http.StatusBadRequest},
		{name: "no user", path: "/bookings/" + id.String(), wantStatus: http.StatusBadRequest},
		{name: "not owner", path: "/bookings/" + id.String(), user: "2", err: appers.ErrForbidden, wantStatus: http.StatusForbidden},
		{name: "unknown", path: "/bookings/" + id.String(), user: "1", err: appers.ErrBookingNotFound, wantStatus: http.StatusNotFound},
		{name: "already cancelled", path: "/bookings/" + id.String(), user: "1", err: appers.ErrBookingAlreadyCancelled, wantStatus: http.StatusConflict},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &fakeUseCase{cancelErr: tc.err}
			headers := map[string]string{}
			if tc.user != "" {
				headers[userHeader] = tc.user
			}

			status, _ := newTestApp(uc).call(t, http.MethodDelete, tc.path, "", headers)
			assert.Equal(t, tc.wantStatus, status)
		})
	}

	t.Run("passes requester", func(t *testing.T) {
		uc := &fakeUseCase{}
		newTestApp(uc).call(t, http.MethodDelete, "/bookings/"+id.String(), "", map[string]string{userHeader: "7"})
		assert.Equal(t, id, uc.cancelID)
		assert.Equal(t, int64(7), uc.cancelBy)
	})
}

func TestCheckConflictRoute(t *testing.T) {
	uc := &fakeUseCase{conflict: true}
	app := newTestApp(uc)

	status, body := app.call(t, http.MethodGet,
		"/bookings/conflicts?room=R1&start=2026-03-02T10:00:00Z&end=2026-03-02T11:00:00Z", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"conflict":true}`, body)

	status, _ = app.call(t, http.MethodGet, "/bookings/conflicts?room=R1&start=tomorrow&end=2026-03-02T11:00:00Z", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRequeueRoute(t *testing.T) {
	testcases := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{name: "requeued", path: "/outbox/12/requeue", wantStatus: http.StatusOK},
		{name: "not failed", path: "/outbox/12/requeue", err: appers.ErrJobNotFailed, wantStatus: http.StatusConflict},
		{name: "unknown", path: "/outbox/12/requeue", err: appers.ErrJobNotFound, wantStatus: http.StatusNotFound},
		{name: "bad id", path: "/outbox/x/requeue", wantStatus: http.StatusBadRequest},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &fakeUseCase{requeueErr: tc.err}
			status, _ := newTestApp(uc).call(t, http.MethodPost, tc.path, "", nil)
			assert.Equal(t, tc.wantStatus, status)
		})
	}
}

func TestListFailedRoute(t *testing.T) {
	bookingID := uuid.Must(uuid.NewV4())
	uc := &fakeUseCase{failed: []entity.OutboxJob{{
		ID:          3,
		Kind:        entity.KindInvite,
		Status:      entity.OutboxFailed,
		BookingID:   bookingID,
		Email:       "ana@example.com",
		Attempts:    5,
		MaxAttempts: 5,
		LastError:   "550 no such user",
	}}}

	status, body := newTestApp(uc).call(t, http.MethodGet, "/outbox/failed?limit=20", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 20, uc.failedLimit)

	var got []failedJobResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, bookingID.String(), got[0].BookingID)
	assert.Equal(t, "550 no such user", got[0].LastError)
}

func TestHealthRoute(t *testing.T) {
	testcases := []struct {
		name       string
		checks     entity.HealthCheckResponseData
		wantStatus int
	}{
		{
			name:       "healthy without kafka",
			checks:     entity.HealthCheckResponseData{Database: entity.HealthCheckItem{Status: true, Type: "postgresql"}},
			wantStatus: http.StatusOK,
		},
		{
			name: "kafka down",
			checks: entity.HealthCheckResponseData{
				Database: entity.HealthCheckItem{Status: true, Type: "postgresql"},
				Kafka:    &entity.HealthCheckItem{Status: false, Type: "kafka", Error: "no brokers"},
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "database down",
			checks:     entity.HealthCheckResponseData{Database: entity.HealthCheckItem{Type: "postgresql"}},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := newTestApp(&fakeUseCase{healthResult: tc.checks}).call(t, http.MethodGet, "/health", "", nil)
			assert.Equal(t, tc.wantStatus, status)
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	app := newTestApp(&fakeUseCase{})
	app.call(t, http.MethodGet, "/outbox/failed", "", nil)

	status, body := app.call(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "roombooking_api_http_requests_total")
}
