package run

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	cfgpkg "github.com/XBitOrg/xbit-testing-datasource-bench/internal/config"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/report"
	"github.com/XBitOrg/xbit-testing-datasource-bench/internal/report/mocks"
)

var testUpgrader = websocket.Upgrader{}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// fakeProvider streams block notifications for the given slot range, one
// every interval, after confirming the subscription.
func fakeProvider(t *testing.T, firstSlot, lastSlot uint64, interval, delay time.Duration) *httptest.Server {
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

		time.Sleep(delay)

		for slot := firstSlot; slot <= lastSlot; slot++ {
			frame := fmt.Sprintf(`{"jsonrpc":"2.0","method":"blockNotification","params":{"result":{"value":{"slot":%d}},"subscription":1}}`, slot)
			if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}

			time.Sleep(interval)
		}

		// Keep the connection open until the client disconnects.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func testConfig(duration time.Duration) cfgpkg.Config {
	return cfgpkg.Config{
		Duration:        duration,
		Horizon:         100,
		MaxQueue:        1024,
		PingInterval:    100 * time.Millisecond,
		GracefulTimeout: 5 * time.Second,
	}
}

func TestController_Run_TwoSources(t *testing.T) {
	fast := fakeProvider(t, 100, 160, 10*time.Millisecond, 0)
	slow := fakeProvider(t, 100, 160, 10*time.Millisecond, 5*time.Millisecond)

	ctrl := gomock.NewController(t)
	reporter := mocks.NewMockReporter(ctrl)

	var published report.Snapshot

	reporter.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, snap report.Snapshot) error {
			published = snap
			return nil
		})

	c, err := New(testConfig(time.Second), []cfgpkg.Endpoint{
		{ID: "fast", URL: fast.URL},
		{ID: "slow", URL: slow.URL},
	}, discardLogger(), WithReporter(reporter))
	require.NoError(t, err)

	snap, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, published, snap)

	require.False(t, snap.Insufficient)
	require.Greater(t, snap.ScoredBuckets, uint64(0))
	require.Len(t, snap.Sources, 2)
	require.GreaterOrEqual(t, snap.RunDurationMs, int64(1000))

	// Both sources must have been measured against each other.
	require.Greater(t, snap.Sources["fast"].MeasuredCount, uint64(0))
	require.Greater(t, snap.Sources["slow"].MeasuredCount, uint64(0))
	require.Len(t, snap.Ranking, 2)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func TestController_Run_SignalsFirstEventPerSource(t *testing.T) {
	a := fakeProvider(t, 100, 160, 10*time.Millisecond, 0)
	b := fakeProvider(t, 100, 160, 10*time.Millisecond, 3*time.Millisecond)

	ctrl := gomock.NewController(t)
	reporter := mocks.NewMockReporter(ctrl)
	reporter.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	out := new(syncBuffer)
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{}))

	c, err := New(testConfig(time.Second), []cfgpkg.Endpoint{
		{ID: "a", URL: a.URL},
		{ID: "b", URL: b.URL},
	}, logger, WithReporter(reporter))
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.NoError(t, err)

	logs := out.String()
	require.Contains(t, logs, "source reported its first event")
	require.Contains(t, logs, "source=a")
	require.Contains(t, logs, "source=b")
	require.Equal(t, 2, strings.Count(logs, "source reported its first event"),
		"the first-event signal fires exactly once per source")
}

func TestController_Run_DeadSourceDoesNotAbortRun(t *testing.T) {
	alive := fakeProvider(t, 100, 160, 10*time.Millisecond, 0)
	other := fakeProvider(t, 100, 160, 10*time.Millisecond, 3*time.Millisecond)

	ctrl := gomock.NewController(t)
	reporter := mocks.NewMockReporter(ctrl)
	reporter.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(nil)

	c, err := New(testConfig(time.Second), []cfgpkg.Endpoint{
		{ID: "alive", URL: alive.URL},
		{ID: "other", URL: other.URL},
		{ID: "dead", URL: "ws://127.0.0.1:1"},
	}, discardLogger(), WithReporter(reporter))
	require.NoError(t, err)

	snap, err := c.Run(context.Background())
	require.NoError(t, err)

	// The unreachable source is reported but never measured or ranked.
	require.Contains(t, snap.Sources, "dead")
	require.EqualValues(t, 0, snap.Sources["dead"].MeasuredCount)
	require.Greater(t, snap.ScoredBuckets, uint64(0))
}

func TestController_Run_NoSourcesConnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	reporter := mocks.NewMockReporter(ctrl)
	// Publish must not be called.

	c, err := New(testConfig(time.Second), []cfgpkg.Endpoint{
		{ID: "dead1", URL: "ws://127.0.0.1:1"},
		{ID: "dead2", URL: "ws://127.0.0.1:1"},
	}, discardLogger(), WithReporter(reporter))
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.ErrorIs(t, err, ErrNoSourcesConnected)
}

func TestController_Run_PublishFailureSurfaces(t *testing.T) {
	a := fakeProvider(t, 100, 160, 10*time.Millisecond, 0)
	b := fakeProvider(t, 100, 160, 10*time.Millisecond, 2*time.Millisecond)

	ctrl := gomock.NewController(t)
	reporter := mocks.NewMockReporter(ctrl)
	reporter.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(fmt.Errorf("sink unavailable"))

	c, err := New(testConfig(time.Second), []cfgpkg.Endpoint{
		{ID: "a", URL: a.URL},
		{ID: "b", URL: b.URL},
	}, discardLogger(), WithReporter(reporter))
	require.NoError(t, err)

	snap, err := c.Run(context.Background())
	require.ErrorContains(t, err, "sink unavailable")

	// The snapshot itself survives the failed publish.
	require.Greater(t, snap.ScoredBuckets, uint64(0))
}
