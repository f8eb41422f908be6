package keeper

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avvvet/escrow-services/internal/comm"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Lister finds games whose deadline has passed.
type Lister interface {
	DueGames(ctx context.Context, now time.Time, limit int) ([]escrow.Address, error)
}

// Requester is the request/reply half of a nats connection.
type Requester interface {
	Request(subj string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

// Keeper expires stale games through the escrow service. Expire needs no
// special authority, so the keeper signs with its own identity.
type Keeper struct {
	lister  Lister
	conn    Requester
	id      escrow.Address
	subject string
	limit   int
	timeout time.Duration
	now     func() time.Time
}

func New(lister Lister, conn Requester, id escrow.Address, subject string) *Keeper {
	return &Keeper{
		lister:  lister,
		conn:    conn,
		id:      id,
		subject: subject,
		limit:   50,
		timeout: 5 * time.Second,
		now:     time.Now,
	}
}

// Sweep requests expiry of every due game and returns how many the service
// accepted. A rejected game is logged and skipped.
func (k *Keeper) Sweep(ctx context.Context) (int, error) {
	due, err := k.lister.DueGames(ctx, k.now().UTC(), k.limit)
	if err != nil {
		return 0, fmt.Errorf("list due games: %w", err)
	}

	expired := 0
	for _, game := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		reply, err := k.expire(game)
		if err != nil {
			log.Errorf("Error [Keeper.Sweep] game %s: %v", game, err)
			continue
		}
		if !reply.OK {
			log.Warnf("expire of game %s rejected: %s (%d)", game, reply.Error.Error, reply.Error.Code)
			continue
		}
		log.Infof("game %s expired, now %s", game, reply.Result.Game.State)
		expired++
	}
	return expired, nil
}

func (k *Keeper) expire(game escrow.Address) (*comm.Reply, error) {
	data, err := json.Marshal(comm.OpRequest{
		User:    k.id,
		Game:    game,
		Signers: []escrow.Address{k.id},
	})
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(comm.WSMessage{Type: escrow.OpExpire, Data: data})
	if err != nil {
		return nil, err
	}

	msg, err := k.conn.Request(k.subject, payload, k.timeout)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	var env comm.WSMessage
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	var reply comm.Reply
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK && reply.Error == nil {
		return nil, fmt.Errorf("malformed reply")
	}
	if reply.OK && (reply.Result == nil || reply.Result.Game == nil) {
		return nil, fmt.Errorf("malformed reply")
	}
	return &reply, nil
}
