package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"roombooking/pkg/config"
	"roombooking/pkg/httpclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRelay(url string) *RelaySender {
	client := httpclient.NewClient(config.HTTPClient{
		ConnectTimeout: time.Second,
		ClientTimeout:  5 * time.Second,
	})
	return NewRelaySender(url, client, zap.NewNop().Sugar())
}

func TestRelaySender(t *testing.T) {
	requests := make(chan relayRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got relayRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		requests <- got

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{Accepted: []string{got.To}, Rejected: []string{}})
	}))
	defer srv.Close()

	msg := testMessage("ana@example.com")
	res, err := newTestRelay(srv.URL).Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"ana@example.com"}, res.Accepted)
	assert.Empty(t, res.Rejected)

	got := <-requests
	assert.Equal(t, "rooms@example.com", got.From)
	assert.Equal(t, "Room booking: R1", got.Subject)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "invite.ics", got.Attachments[0].Filename)
	assert.Equal(t, msg.Attachment.Content, got.Attachments[0].Content)
}

func TestRelaySenderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accepted":[],"rejected":["gone@example.com"]}`))
	}))
	defer srv.Close()

	res, err := newTestRelay(srv.URL).Send(context.Background(), testMessage("gone@example.com"))
	require.NoError(t, err)
	assert.Equal(t, []string{"gone@example.com"}, res.Rejected)
}

func TestRelaySenderServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "relay overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestRelay(srv.URL).Send(context.Background(), testMessage("ana@example.com"))
	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "relay overloaded")
	assert.Equal(t, int32(1), calls.Load(), "a send is exactly one request")
}

func TestNewPicksTransport(t *testing.T) {
	logger := zap.NewNop().Sugar()

	s, err := New(config.Mail{Transport: "smtp", Host: "localhost", Port: 25}, config.HTTPClient{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, s)

	s, err = New(config.Mail{Transport: "HTTP", RelayURL: "http://relay"}, config.HTTPClient{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &RelaySender{}, s)

	_, err = New(config.Mail{Transport: "pigeon"}, config.HTTPClient{}, logger)
	assert.Error(t, err)
}
