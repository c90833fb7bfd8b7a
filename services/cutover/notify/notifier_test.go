package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/caseflow-io/caseflow-engine/services/cutover/api"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendDeliversEventToAllWebhooks(t *testing.T) {
	var mu sync.Mutex
	var received []api.Event
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var ev api.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
	})
	first := httptest.NewServer(handler)
	defer first.Close()
	second := httptest.NewServer(handler)
	defer second.Close()

	n := NewNotifier(zap.NewNop(), []string{first.URL, second.URL})
	n.Send(context.Background(), api.Event{
		Timestamp:         time.Now(),
		Level:             api.EventLevelInfo,
		Message:           "phase transition",
		Phase:             api.CutoverPhaseDualWrite,
		TrafficPercentage: 25,
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	require.Equal(t, "phase transition", received[0].Message)
	require.Equal(t, api.CutoverPhaseDualWrite, received[0].Phase)
}

func TestSendFailureDoesNotPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	n := NewNotifier(zap.NewNop(), []string{srv.URL})
	// Best effort: no panic, no error surface.
	n.Send(context.Background(), api.Event{Message: "unreachable sink"})
}

func TestSendNoWebhooksIsNoop(t *testing.T) {
	n := NewNotifier(zap.NewNop(), nil)
	n.Send(context.Background(), api.Event{Message: "nothing configured"})
}
