package nats

import (
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const defaultURL = "nats://localhost:4224"

type Nats struct {
	Url  string
	Conn *nats.Conn
}

// Connect dials the broker at url, authenticating with token when it is set.
// The connection keeps reconnecting in the background after a drop.
func Connect(url, token, name string) (*Nats, error) {
	if url == "" {
		url = defaultURL
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("nats reconnected to %s", c.ConnectedUrl())
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Nats{Url: url, Conn: conn}, nil
}
