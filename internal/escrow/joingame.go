package escrow

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// JoinGame seats c.User as the opponent and moves the matching stake into the
// vault. Rejections are evaluated in a fixed order: seat, funds, state.
func (e *Engine) JoinGame(ctx context.Context, c Call) (*Game, *Vault, error) {
	var game *Game
	var vault *Vault
	err := e.store.Atomic(ctx, func(tx Tx) error {
		g, v, err := e.accounts(ctx, tx, c)
		if err != nil {
			return err
		}

		if g.Seat(c.User) {
			return ErrAlreadyInGame
		}

		spendable, err := tx.Balance(ctx, c.User)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", c.User, err)
		}
		if spendable.LessThan(g.Stake.Add(e.opts.MinReserve)) {
			return ErrInsufficientFunds
		}

		if g.State != WaitingForPlayers || g.Opponent != "" {
			return ErrInvalidGameState
		}

		if err := e.fund(ctx, tx, c.User, v, g.Stake, ledgerRef(OpJoinGame, g.Address)); err != nil {
			return err
		}

		now := e.now()
		g.Opponent = c.User
		g.State = InProgress
		g.EndTime = now.Add(e.opts.GameDuration)
		g.UpdatedAt = now
		if err := tx.SaveGame(ctx, g); err != nil {
			return err
		}
		game, vault = g, v
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Infof("player %s joined game %s, vault %s holds %s", game.Opponent, game.Address, vault.Address, vault.Balance)
	return game, vault, nil
}
