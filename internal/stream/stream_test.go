package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alpaca-trader/internal/config"
	"alpaca-trader/internal/models"
)

func TestRequiredActions(t *testing.T) {
	symSet := func(symbols ...string) map[models.Symbol]struct{} {
		set := make(map[models.Symbol]struct{})
		for _, s := range symbols {
			set[models.NewSymbol(s)] = struct{}{}
		}
		return set
	}

	t.Run("no changes", func(t *testing.T) {
		actions := requiredActions(symSet("AAPL"), symSet("AAPL"))
		assert.Empty(t, actions)
	})

	t.Run("subscribe only", func(t *testing.T) {
		actions := requiredActions(symSet("AAPL", "MSFT"), symSet("AAPL"))
		require.Len(t, actions, 1)
		assert.Equal(t, "subscribe", actions[0].Action)
		assert.Equal(t, []models.Symbol{"MSFT"}, actions[0].Bars)
	})

	t.Run("subscribe and unsubscribe", func(t *testing.T) {
		actions := requiredActions(symSet("MSFT", "AMZN"), symSet("AAPL"))
		require.Len(t, actions, 2)
		assert.Equal(t, "subscribe", actions[0].Action)
		assert.Equal(t, []models.Symbol{"AMZN", "MSFT"}, actions[0].Bars)
		assert.Equal(t, "unsubscribe", actions[1].Action)
		assert.Equal(t, []models.Symbol{"AAPL"}, actions[1].Bars)
	})
}

func TestParseMessagesToleratesBothFramings(t *testing.T) {
	array, err := parseMessages([]byte(`[{"T":"success","msg":"connected"}]`))
	require.NoError(t, err)
	require.Len(t, array, 1)
	assert.Equal(t, "success", array[0].Type)

	single, err := parseMessages([]byte(`{"T":"error","code":406,"msg":"connection limit exceeded"}`))
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, 406, single[0].Code)
}

var upgrader = websocket.Upgrader{}

// fakeStreamServer performs the connect/auth handshake, acknowledges one
// subscribe action, then emits a single minute bar.
func fakeStreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		write := func(payload string) {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
		}

		write(`[{"T":"success","msg":"connected"}]`)

		var auth streamAction
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &auth))
		require.Equal(t, "auth", auth.Action)
		require.Equal(t, "test-key", auth.Key)

		write(`[{"T":"success","msg":"authenticated"}]`)

		var subscribe streamAction
		_, data, err = conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &subscribe))
		require.Equal(t, "subscribe", subscribe.Action)

		write(`[{"T":"subscription","trades":[],"quotes":[],"bars":["AAPL"]},` +
			`{"T":"b","S":"AAPL","o":185.2,"h":185.9,"l":185.1,"c":185.6,"v":120034,"t":"2024-06-03T14:30:00Z"}]`)

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestStreamDeliversMinuteBars(t *testing.T) {
	server := fakeStreamServer(t)
	defer server.Close()

	cfg := config.AlpacaConfig{
		KeyID:     "test-key",
		SecretKey: "test-secret",
		StreamURL: "ws" + strings.TrimPrefix(server.URL, "http"),
	}

	events := make(chan BarEvent, 4)
	s := New(cfg, events, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	s.Open()
	s.SubscribeBars([]models.Symbol{models.NewSymbol("AAPL")})

	select {
	case event := <-events:
		assert.Equal(t, models.Symbol("AAPL"), event.Symbol)
		assert.Equal(t, int64(120034), event.Bar.Volume)
		assert.True(t, event.Bar.Close.InexactFloat64() > 185)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bar event")
	}

	s.Close()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream task did not exit")
	}
}
