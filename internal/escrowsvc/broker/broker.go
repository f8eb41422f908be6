package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avvvet/escrow-services/internal/comm"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/avvvet/escrow-services/internal/escrowsvc/service"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

const (
	RequestTopic = "escrow.service"
	ReplyTopic   = "escrow.replies"
	EventTopic   = "escrow.events"
)

type Broker struct {
	Conn          *nats.Conn
	EscrowService *service.EscrowService
}

func NewBroker(nc *nats.Conn, escrowService *service.EscrowService) *Broker {
	return &Broker{
		Conn:          nc,
		EscrowService: escrowService,
	}
}

// handles requests coming from other services
func (b *Broker) handleMessage(msgNat *nats.Msg) {
	reply := b.HandleRequest(msgNat.Data)

	payload, err := json.Marshal(reply)
	if err != nil {
		log.Errorf("Error marshalling reply %s", err)
		return
	}

	if msgNat.Reply != "" {
		if err := msgNat.Respond(payload); err != nil {
			log.Errorf("Error responding on %s: %s", msgNat.Reply, err)
		}
		return
	}
	b.Publish(ReplyTopic, payload)
}

// HandleRequest decodes one envelope, runs it and returns the reply envelope.
func (b *Broker) HandleRequest(data []byte) *comm.WSMessage {
	msg := &comm.WSMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		log.Errorf("Error nats message %s", err)
		return errorReply(&comm.WSMessage{Type: "invalid"}, comm.ErrorBody{Error: "InvalidMessage", Msg: err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch msg.Type {
	case escrow.OpInitGame, escrow.OpJoinGame, escrow.OpClaimBack, escrow.OpSettle,
		escrow.OpResign, escrow.OpCancel, escrow.OpExpire:
		var req comm.OpRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Errorf("Error unmarshalling %s: %s", msg.Type, err)
			return errorReply(msg, comm.ErrorBody{Error: "InvalidRequest", Msg: err.Error()})
		}
		res, err := b.EscrowService.Execute(ctx, msg.Type, req)
		if err != nil {
			return errorReply(msg, comm.NewErrorBody(err))
		}
		return okReply(msg, comm.Reply{OK: true, Result: res})

	case "get-game":
		var request struct {
			Game escrow.Address `json:"game"`
		}
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return errorReply(msg, comm.ErrorBody{Error: "InvalidRequest", Msg: err.Error()})
		}
		game, err := b.EscrowService.GetGame(ctx, request.Game)
		if err != nil {
			return errorReply(msg, comm.NewErrorBody(err))
		}
		return okReply(msg, comm.Reply{OK: true, Result: &comm.OpResult{Op: msg.Type, Game: game}})

	case "get-vault":
		var request struct {
			Vault escrow.Address `json:"vault"`
		}
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			return errorReply(msg, comm.ErrorBody{Error: "InvalidRequest", Msg: err.Error()})
		}
		vault, err := b.EscrowService.GetVault(ctx, request.Vault)
		if err != nil {
			return errorReply(msg, comm.NewErrorBody(err))
		}
		return okReply(msg, comm.Reply{OK: true, Result: &comm.OpResult{Op: msg.Type, Vault: vault}})

	default:
		log.Errorf("Unknown message %s", msg.Type)
		return errorReply(msg, comm.ErrorBody{Error: "UnknownMessage", Msg: msg.Type})
	}
}

func okReply(req *comm.WSMessage, r comm.Reply) *comm.WSMessage {
	data, err := json.Marshal(r)
	if err != nil {
		log.Errorf("Error marshalling %s reply %s", req.Type, err)
	}
	return &comm.WSMessage{Type: req.Type + "-response", Data: data, SocketId: req.SocketId}
}

func errorReply(req *comm.WSMessage, body comm.ErrorBody) *comm.WSMessage {
	return okReply(req, comm.Reply{OK: false, Error: &body})
}

// Notify publishes a committed operation to the event topic.
func (b *Broker) Notify(ev comm.EscrowEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Errorf("[Broker.Notify] unable to marshal event %s", err)
		return
	}

	msg := &comm.WSMessage{
		Type: "escrow-event",
		Data: data,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Error %s", err)
		return
	}

	b.Publish(EventTopic, payload)
}

// consume requests as part of a queue group so instances share the load
func (b *Broker) QueueSubscribe(topic, queueGroup string) (*nats.Subscription, error) {
	sub, err := b.Conn.QueueSubscribe(topic, queueGroup, b.handleMessage)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

// SubscribeEvents delivers escrow events published by any instance.
func (b *Broker) SubscribeEvents(handle func(comm.EscrowEvent)) (*nats.Subscription, error) {
	return b.Conn.Subscribe(EventTopic, func(m *nats.Msg) {
		var ws comm.WSMessage
		if err := json.Unmarshal(m.Data, &ws); err != nil {
			return
		}
		var ev comm.EscrowEvent
		if err := json.Unmarshal(ws.Data, &ev); err != nil {
			log.Errorf("invalid escrow event: %v", err)
			return
		}
		handle(ev)
	})
}

func (b *Broker) Publish(topic string, payload []byte) error {
	if b.Conn == nil {
		return nil
	}
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
