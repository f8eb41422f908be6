package escrow

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Resign ends a running game; the other party becomes the winner.
func (e *Engine) Resign(ctx context.Context, c Call) (*Game, error) {
	return e.transition(ctx, OpResign, c, func(g *Game) error {
		if !g.Seat(c.User) {
			return ErrNotAParty
		}
		if g.State != InProgress {
			return ErrInvalidGameState
		}
		g.State = Finished
		if c.User == g.Owner {
			g.Winner = g.Opponent
		} else {
			g.Winner = g.Owner
		}
		return nil
	})
}

// Cancel lets the owner close a game nobody joined. The stake stays in the
// vault until ClaimBack.
func (e *Engine) Cancel(ctx context.Context, c Call) (*Game, error) {
	return e.transition(ctx, OpCancel, c, func(g *Game) error {
		if c.User != g.Owner {
			return ErrNotTheOwner
		}
		if g.State != WaitingForPlayers {
			return ErrGameStillRunning
		}
		g.State = Closed
		return nil
	})
}

// Expire can be called by anyone once the game deadline passed. A waiting
// game closes, a running game finishes as a tie.
func (e *Engine) Expire(ctx context.Context, c Call) (*Game, error) {
	return e.transition(ctx, OpExpire, c, func(g *Game) error {
		if g.State != WaitingForPlayers && g.State != InProgress {
			return ErrInvalidGameState
		}
		if !e.now().After(g.EndTime) {
			return ErrGameNotExpired
		}
		if g.State == WaitingForPlayers {
			g.State = Closed
		} else {
			g.State = Finished
			g.Winner = ""
		}
		return nil
	})
}

// transition applies a funds-free state change to the game in one transaction.
func (e *Engine) transition(ctx context.Context, op string, c Call, apply func(g *Game) error) (*Game, error) {
	var game *Game
	var from GameState
	err := e.store.Atomic(ctx, func(tx Tx) error {
		g, _, err := e.accounts(ctx, tx, c)
		if err != nil {
			return err
		}
		from = g.State
		if err := apply(g); err != nil {
			return err
		}
		g.UpdatedAt = e.now()
		if err := tx.SaveGame(ctx, g); err != nil {
			return err
		}
		game = g
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("[%s] game %s moved %s -> %s by %s", op, game.Address, from, game.State, c.User)
	return game, nil
}
