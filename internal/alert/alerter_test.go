package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() Alert {
	return Alert{
		Type:    AlertTypeSourceDown,
		Source:  "scanner",
		Title:   "Chain source unreachable",
		Message: "log scan endpoint is not responding",
		Fields: map[string]string{
			"network":  "trc20",
			"downtime": "5m",
		},
	}
}

// TestMultiAlerter_Send_AllChannels verifies that MultiAlerter fans out to
// every registered channel on a single Send call.
func TestMultiAlerter_Send_AllChannels(t *testing.T) {
	var slackReceived atomic.Int32
	var mailReceived atomic.Int32

	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer slackSrv.Close()

	mailSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mailReceived.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer mailSrv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(),
		NewSlackAlerter(slackSrv.URL),
		NewMailAlerter(mailSrv.URL, "ops@example.com"),
	)

	err := multi.Send(context.Background(), testAlert())
	require.NoError(t, err)

	assert.Equal(t, int32(1), slackReceived.Load())
	assert.Equal(t, int32(1), mailReceived.Load())
}

// TestMultiAlerter_CooldownDedup verifies that sending the same alert twice
// within the cooldown window only dispatches one actual request.
func TestMultiAlerter_CooldownDedup(t *testing.T) {
	var received atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))

	require.NoError(t, multi.Send(context.Background(), testAlert()))
	require.NoError(t, multi.Send(context.Background(), testAlert()))

	assert.Equal(t, int32(1), received.Load(), "second alert within cooldown must be suppressed")
}

// TestMultiAlerter_DeadLetterKeyedPerRecord verifies that dead-letter alerts
// for different records are not collapsed by cooldown.
func TestMultiAlerter_DeadLetterKeyedPerRecord(t *testing.T) {
	var received atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	multi := NewMultiAlerter(time.Hour, testLogger(), NewWebhookAlerter(srv.URL))

	for _, id := range []string{"rec-1", "rec-2"} {
		a := Alert{
			Type:    AlertTypeDeadLetter,
			Source:  "retry_queue",
			Title:   "record dead-lettered",
			Fields:  map[string]string{"retry_record_id": id},
			Message: "max attempts exhausted",
		}
		require.NoError(t, multi.Send(context.Background(), a))
	}

	assert.Equal(t, int32(2), received.Load())
}

// TestMultiAlerter_PrunesExpiredCooldownEntries verifies that per-record
// dead-letter cooldown keys do not accumulate for the life of the process.
func TestMultiAlerter_PrunesExpiredCooldownEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now()
	multi := NewMultiAlerter(time.Minute, testLogger(), NewWebhookAlerter(srv.URL))
	multi.nowFunc = func() time.Time { return now }

	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		a := Alert{
			Type:    AlertTypeDeadLetter,
			Source:  "retry_queue",
			Title:   "record dead-lettered",
			Fields:  map[string]string{"retry_record_id": id},
			Message: "max attempts exhausted",
		}
		require.NoError(t, multi.Send(context.Background(), a))
	}

	multi.mu.Lock()
	entries := len(multi.lastSent)
	multi.mu.Unlock()
	assert.Equal(t, 3, entries)

	// Once the cooldown window has passed, the next send sweeps the stale
	// keys instead of letting them pile up.
	now = now.Add(2 * time.Minute)
	require.NoError(t, multi.Send(context.Background(), testAlert()))

	multi.mu.Lock()
	entries = len(multi.lastSent)
	multi.mu.Unlock()
	assert.Equal(t, 1, entries, "expired cooldown entries must be pruned")
}

func TestMailAlerter_Payload(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mail := NewMailAlerter(srv.URL, "ops@example.com")
	require.NoError(t, mail.Send(context.Background(), testAlert()))

	assert.Equal(t, "ops@example.com", got["recipient"])
	assert.Equal(t, "[SOURCE_DOWN] Chain source unreachable", got["subject"])
	assert.Contains(t, got["body"], "log scan endpoint is not responding")
}

func TestWebhookAlerter_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	webhook := NewWebhookAlerter(srv.URL)
	err := webhook.Send(context.Background(), testAlert())
	assert.Error(t, err)
}
