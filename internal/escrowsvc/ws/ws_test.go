package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/avvvet/escrow-services/internal/comm"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dial connects a client socket whose server side is registered for game.
func dial(t *testing.T, hub *Ws, id string, game escrow.Address) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.StoreConnection(id, conn, game)
		close(registered)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("socket was not registered")
	}
	return conn
}

func TestNotifyFiltersByGame(t *testing.T) {
	hub := NewWs()
	all := dial(t, hub, "all", "")
	mine := dial(t, hub, "mine", "game-1")
	other := dial(t, hub, "other", "game-2")
	require.Equal(t, 3, hub.Count())

	hub.Notify(comm.EscrowEvent{Type: escrow.OpJoinGame, Game: "game-1", State: escrow.InProgress})

	for _, conn := range []*websocket.Conn{all, mine} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg comm.WSMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "escrow-event", msg.Type)

		var ev comm.EscrowEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, escrow.Address("game-1"), ev.Game)
		assert.Equal(t, escrow.InProgress, ev.State)
	}

	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err)

	hub.HandleDisconnect("other")
	assert.Equal(t, 2, hub.Count())
}
