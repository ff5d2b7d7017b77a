package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/config"
)

var testUpgrader = websocket.Upgrader{}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// fakeProvider runs a websocket server that expects one subscribe request,
// confirms it and then sends the given frames in order.
func fakeProvider(t *testing.T, frames []string, keepOpen bool) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		defer ws.Close()

		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}

		if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":1,"id":1}`)); err != nil {
			return
		}

		for _, f := range frames {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}

		if keepOpen {
			// Block until the client goes away.
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func blockFrame(slot uint64) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","method":"blockNotification","params":{"result":{"value":{"slot":%d}},"subscription":1}}`, slot)
}

func TestConnection_DeliversEvents(t *testing.T) {
	srv := fakeProvider(t, []string{blockFrame(100), blockFrame(101)}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var firsts atomic.Int64

	conn, err := Dial(ctx, config.Endpoint{ID: "fake", URL: srv.URL}, discardLogger(),
		WithFirstEventFunc(func(string) { firsts.Add(1) }),
	)
	require.NoError(t, err)

	conn.Start(ctx)
	defer conn.Close()

	ev := <-conn.Events()
	require.Equal(t, "fake", ev.Source)
	require.EqualValues(t, 100, ev.Key)
	require.False(t, ev.Arrival.IsZero())

	ev = <-conn.Events()
	require.EqualValues(t, 101, ev.Key)

	require.EqualValues(t, 1, firsts.Load(), "first-event callback must fire exactly once")
}

func TestConnection_KeepaliveProducesNoEvent(t *testing.T) {
	srv := fakeProvider(t, []string{
		`{"jsonrpc":"2.0","method":"somethingElse","params":{}}`,
		`not json at all`,
		blockFrame(42),
	}, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Dial(ctx, config.Endpoint{ID: "fake", URL: srv.URL}, discardLogger())
	require.NoError(t, err)

	conn.Start(ctx)
	defer conn.Close()

	// Keepalives and malformed frames are skipped; the first event is the
	// block notification.
	ev := <-conn.Events()
	require.EqualValues(t, 42, ev.Key)
}

func TestConnection_ServerCloseIsTerminal(t *testing.T) {
	srv := fakeProvider(t, []string{blockFrame(7)}, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Dial(ctx, config.Endpoint{ID: "fake", URL: srv.URL}, discardLogger())
	require.NoError(t, err)

	conn.Start(ctx)

	<-conn.Events()

	select {
	case err := <-conn.Errs():
		require.Error(t, err)
		require.Contains(t, err.Error(), "fake")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a terminal error after the server closed")
	}
}

func TestConnection_CleanCloseEmitsNoError(t *testing.T) {
	srv := fakeProvider(t, nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Dial(ctx, config.Endpoint{ID: "fake", URL: srv.URL}, discardLogger())
	require.NoError(t, err)

	conn.Start(ctx)
	conn.Close()

	// The events channel closes when the read loop exits.
	for range conn.Events() {
	}

	select {
	case err := <-conn.Errs():
		t.Fatalf("unexpected terminal error: %v", err)
	default:
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, config.Endpoint{ID: "dead", URL: "ws://127.0.0.1:1"}, discardLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), "dead")
}
