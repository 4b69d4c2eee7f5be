package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	events []*Event
}

func (m *memStore) Append(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func TestRecordPersistsAndDefaults(t *testing.T) {
	store := &memStore{}
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	logger := NewLogger(store, WithClock(func() time.Time { return fixed }))

	err := logger.Record(context.Background(), Event{
		Action: ActionLoginFailure,
		UserID: "u1",
		IP:     "1.2.3.4",
	})
	require.NoError(t, err)
	require.Len(t, store.events, 1)

	got := store.events[0]
	require.NotEmpty(t, got.ID)
	require.Equal(t, fixed, got.Timestamp)
	require.Equal(t, LevelInfo, got.Level)
	require.Equal(t, ActionLoginFailure, got.Action)
}

func TestForwarderDeliversEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := &memStore{}
	logger := NewLogger(store, WithForwardURL(srv.URL))
	defer logger.Close()

	err := logger.Record(context.Background(), Event{Action: ActionLockoutTriggered, Level: LevelWarning})
	require.NoError(t, err)

	select {
	case ev := <-received:
		require.Equal(t, ActionLockoutTriggered, ev.Action)
		require.Equal(t, LevelWarning, ev.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not deliver event")
	}

	// Local persistence happened regardless of forwarding.
	require.Len(t, store.events, 1)
}

func TestForwarderFailureDoesNotSurface(t *testing.T) {
	store := &memStore{}
	logger := NewLogger(store, WithForwardURL("http://127.0.0.1:1/unreachable"))
	defer logger.Close()

	err := logger.Record(context.Background(), Event{Action: ActionLogout})
	require.NoError(t, err)
	require.Len(t, store.events, 1)
}
