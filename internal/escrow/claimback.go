package escrow

import (
	"context"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ClaimBack returns everything left in the vault to its owner once the game
// has concluded, closes the vault account and closes the game.
func (e *Engine) ClaimBack(ctx context.Context, c Call) (*Game, decimal.Decimal, error) {
	var game *Game
	var paid decimal.Decimal
	err := e.store.Atomic(ctx, func(tx Tx) error {
		g, v, err := e.accounts(ctx, tx, c)
		if err != nil {
			return err
		}

		if c.User != v.Owner {
			return ErrNotTheOwner
		}
		if !g.State.concluded() {
			return ErrGameNotReadyToClose
		}
		// the opponent's stake is still owed
		if g.State == Finished && !g.Settled {
			return ErrPayoutPending
		}

		amount := v.Balance
		if err := e.release(ctx, tx, v, c.User, amount, ledgerRef(OpClaimBack, g.Address)); err != nil {
			return err
		}
		if err := tx.CloseVault(ctx, v.Address); err != nil {
			return err
		}

		g.State = Closed
		g.UpdatedAt = e.now()
		if err := tx.SaveGame(ctx, g); err != nil {
			return err
		}
		game, paid = g, amount
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, err
	}

	log.Infof("owner %s reclaimed %s from game %s", c.User, paid, game.Address)
	return game, paid, nil
}
