package price

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_RecordsTickerFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotStreams := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotStreams <- r.URL.Query().Get("streams")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		frames := []string{
			`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"50000.5"}}`,
			`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","E":1700000001000,"s":"BTCUSDT","c":"50001.5"}}`,
			`{"result":null,"id":1}`,
			`{"stream":"solusdt@ticker","data":{"e":"24hrTicker","E":1700000001200,"s":"SOLUSDT","c":"150"}}`,
			`{"stream":"ethusdt@ticker","data":{"e":"24hrTicker","E":1700000001500,"s":"ETHUSDT","c":"3000"}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewTracker(nil)
	feed := NewFeed("ws"+strings.TrimPrefix(srv.URL, "http"), tr, nil)
	feed.SetSymbols([]string{"ETHUSDT", "BTCUSDT", "BTCUSDT"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	select {
	case streams := <-gotStreams:
		assert.Equal(t, "btcusdt@ticker/ethusdt@ticker", streams)
	case <-time.After(5 * time.Second):
		t.Fatal("feed never connected")
	}

	require.Eventually(t, func() bool {
		return len(tr.SamplesInWindow("BTCUSDT")) == 2 && len(tr.SamplesInWindow("ETHUSDT")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, tr.SamplesInWindow("SOLUSDT"))
	samples := tr.SamplesInWindow("BTCUSDT")
	assert.Equal(t, "50001.5", samples[1].Price.String())
	assert.Equal(t, int64(1700000001000), samples[1].Time.UnixMilli())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop on cancel")
	}
}
