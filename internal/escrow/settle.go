package escrow

import (
	"context"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Payout struct {
	To     Address         `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Settle pays the pot of a finished game according to the configured payout
// policy. It moves nothing until a policy is configured.
func (e *Engine) Settle(ctx context.Context, c Call) (*Game, []Payout, error) {
	var game *Game
	var payouts []Payout
	err := e.store.Atomic(ctx, func(tx Tx) error {
		g, v, err := e.accounts(ctx, tx, c)
		if err != nil {
			return err
		}

		if !g.Seat(c.User) {
			return ErrNotAParty
		}
		if !g.State.concluded() {
			return ErrGameNotReadyToClose
		}
		if g.Settled || g.State == Closed {
			return ErrAlreadySettled
		}

		plan, err := e.payouts(g)
		if err != nil {
			return err
		}
		for _, p := range plan {
			if err := e.release(ctx, tx, v, p.To, p.Amount, ledgerRef(OpSettle, g.Address)); err != nil {
				return err
			}
		}

		g.Settled = true
		g.UpdatedAt = e.now()
		if err := tx.SaveGame(ctx, g); err != nil {
			return err
		}
		game, payouts = g, plan
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Infof("game %s settled under %s: %d payouts", game.Address, e.opts.Payout, len(payouts))
	return game, payouts, nil
}

func (e *Engine) payouts(g *Game) ([]Payout, error) {
	refund := []Payout{{To: g.Owner, Amount: g.Stake}}
	if g.Opponent != "" {
		refund = append(refund, Payout{To: g.Opponent, Amount: g.Stake})
	}

	switch e.opts.Payout {
	case PayoutRefund:
		return refund, nil
	case PayoutWinnerTakesAll:
		if g.Winner == "" {
			return refund, nil
		}
		return []Payout{{To: g.Winner, Amount: g.Pot()}}, nil
	default:
		return nil, ErrPayoutPolicyUnset
	}
}
