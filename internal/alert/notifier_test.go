package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/fault"
)

func TestWebhookNotifierPosts(t *testing.T) {
	var got Notification
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Notify(context.Background(), &Notification{
		Kind:      "raised",
		Condition: "offline",
		DeviceID:  "dev-1",
		Alias:     "kiosk-01",
		Value:     31,
		Message:   "kiosk-01 offline for 31 minutes",
		Ts:        "2026-08-24T10:00:00Z",
	})

	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "raised", got.Kind)
	assert.Equal(t, "kiosk-01", got.Alias)
	assert.InDelta(t, 31, got.Value, 0.01)
}

func TestWebhookNotifierRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Notify(context.Background(), &Notification{Kind: "rollup", Condition: "offline"})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifierGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.Notify(context.Background(), &Notification{Kind: "raised", Condition: "low_battery"})

	require.Error(t, err)
	assert.Equal(t, fault.CodeUpstream, fault.GetCode(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookNotifierNoSinkDrops(t *testing.T) {
	n := NewWebhookNotifier("")
	assert.NoError(t, n.Notify(context.Background(), &Notification{Kind: "raised"}))
}

func TestRollupMessage(t *testing.T) {
	msg := rollupMessage("offline", 7, []string{"kiosk-01", "kiosk-02", "kiosk-03"}, 4)
	assert.Equal(t, "7 devices offline: kiosk-01, kiosk-02, kiosk-03 and 4 more", msg)

	msg = rollupMessage("service_down", 2, []string{"kiosk-01", "kiosk-02"}, 0)
	assert.Equal(t, "2 devices service_down: kiosk-01, kiosk-02", msg)
}
