package ws

import (
	"encoding/json"
	"sync"

	"github.com/avvvet/escrow-services/internal/comm"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // gorilla connections allow one writer at a time
	game escrow.Address
}

// Ws fans escrow events out to websocket subscribers. A socket that asked
// for no particular game receives every event.
type Ws struct {
	connMap sync.Map // socketId -> *client
}

func NewWs() *Ws {
	return &Ws{}
}

func (s *Ws) StoreConnection(socketId string, conn *websocket.Conn, game escrow.Address) {
	s.connMap.Store(socketId, &client{conn: conn, game: game})
}

func (s *Ws) HandleDisconnect(socketId string) {
	s.connMap.Delete(socketId)
}

func (s *Ws) Count() int {
	count := 0
	s.connMap.Range(func(key, value any) bool {
		count++
		return true
	})
	return count
}

// Notify implements service.Notifier.
func (s *Ws) Notify(ev comm.EscrowEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("[Ws.Notify] unable to marshal event %s", err)
		return
	}
	payload, err := json.Marshal(&comm.WSMessage{Type: "escrow-event", Data: data})
	if err != nil {
		log.Errorf("Error %s", err)
		return
	}

	s.connMap.Range(func(key, value any) bool {
		c := value.(*client)
		if c.game != "" && c.game != ev.Game {
			return true
		}
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, payload)
		c.mu.Unlock()
		if err != nil {
			log.Warnf("dropping socket %s: %v", key, err)
			c.conn.Close()
			s.connMap.Delete(key)
		}
		return true
	})
}
