package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// InitGame creates the game at c.Game owned by c.User, creates the user's
// derived vault and funds it with the stake plus the vault rent. Both the
// user and the new game account must sign.
func (e *Engine) InitGame(ctx context.Context, c Call, stake decimal.Decimal) (*Game, *Vault, error) {
	if !c.signedBy(c.User) || !c.signedBy(c.Game) {
		return nil, nil, ErrMissingSignature
	}
	if !ValidAmount(stake) {
		return nil, nil, ErrInvalidStake
	}
	if c.Vault != e.VaultAddress(c.User) {
		return nil, nil, ErrInvalidVault
	}

	var game *Game
	var vault *Vault
	err := e.store.Atomic(ctx, func(tx Tx) error {
		if err := e.keyedSigners(ctx, tx, c); err != nil {
			return err
		}
		if _, err := tx.LockGame(ctx, c.Game); err == nil {
			return ErrGameAlreadyExists
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("lock game %s: %w", c.Game, err)
		}
		if _, err := tx.LockVault(ctx, c.Vault); err == nil {
			return ErrVaultInUse
		} else if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("lock vault %s: %w", c.Vault, err)
		}

		now := e.now()
		g := &Game{
			Address:   c.Game,
			State:     WaitingForPlayers,
			Owner:     c.User,
			Stake:     stake,
			Vault:     c.Vault,
			CreatedAt: now,
			EndTime:   now.Add(e.opts.GameDuration),
			UpdatedAt: now,
		}
		v := &Vault{
			Address:   c.Vault,
			Owner:     c.User,
			Game:      c.Game,
			CreatedAt: now,
		}

		held, err := tx.Balance(ctx, v.Address)
		if err != nil {
			return fmt.Errorf("balance of %s: %w", v.Address, err)
		}
		v.Balance = held

		if err := e.fund(ctx, tx, c.User, v, stake.Add(e.opts.VaultRent), ledgerRef(OpInitGame, g.Address)); err != nil {
			return err
		}
		if err := tx.CreateGame(ctx, g); err != nil {
			return err
		}
		if err := tx.CreateVault(ctx, v); err != nil {
			return err
		}
		game, vault = g, v
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	log.Infof("game %s created by %s with stake %s, vault %s holds %s",
		game.Address, game.Owner, game.Stake, vault.Address, vault.Balance)
	return game, vault, nil
}
