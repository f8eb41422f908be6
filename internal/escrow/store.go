package escrow

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by stores when an account does not exist.
var ErrNotFound = errors.New("account not found")

// Store is the account store. Atomic runs fn in one transaction: it commits
// when fn returns nil and rolls every mutation back otherwise. Invocations
// touching the same game are serialized by the store.
type Store interface {
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	GetGame(ctx context.Context, addr Address) (*Game, error)
	GetVault(ctx context.Context, addr Address) (*Vault, error)
	Balance(ctx context.Context, addr Address) (decimal.Decimal, error)
}

// Tx is the view of the store inside Atomic. Lock* methods hold the row
// until the transaction ends.
type Tx interface {
	LockGame(ctx context.Context, addr Address) (*Game, error)
	LockVault(ctx context.Context, addr Address) (*Vault, error)
	CreateGame(ctx context.Context, g *Game) error
	SaveGame(ctx context.Context, g *Game) error
	CreateVault(ctx context.Context, v *Vault) error
	CloseVault(ctx context.Context, addr Address) error
	Balance(ctx context.Context, addr Address) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to Address, amount decimal.Decimal, ref string) error
}
