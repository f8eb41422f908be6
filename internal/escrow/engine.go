package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultGameDuration is how long a game waits for an opponent, and how long
// a started game may run, before anyone can expire it.
const DefaultGameDuration = 600 * time.Second

// DefaultVaultRent is used when no positive rent is configured. The rent keeps
// an initialized vault holding strictly more than the stake.
var DefaultVaultRent = decimal.RequireFromString("0.00114")

// Amounts are stored as NUMERIC(38, 9).
const AmountScale = 9

var maxAmount = decimal.New(1, 38-AmountScale)

// ValidAmount reports whether d is positive and fits the ledger columns
// without rounding.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Truncate(AmountScale)) && d.LessThan(maxAmount)
}

type PayoutPolicy string

const (
	PayoutUnset          PayoutPolicy = ""
	PayoutWinnerTakesAll PayoutPolicy = "winner-takes-all"
	PayoutRefund         PayoutPolicy = "refund"
)

func ParsePayoutPolicy(s string) (PayoutPolicy, error) {
	switch p := PayoutPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PayoutUnset, PayoutWinnerTakesAll, PayoutRefund:
		return p, nil
	default:
		return PayoutUnset, fmt.Errorf("unknown payout policy %q", s)
	}
}

type Options struct {
	ProgramID    Address
	VaultSeed    string
	VaultRent    decimal.Decimal // moved into the vault on init on top of the stake
	MinReserve   decimal.Decimal // what a funding identity must keep after paying
	GameDuration time.Duration
	Payout       PayoutPolicy
	Now          func() time.Time
}

type Engine struct {
	store Store
	opts  Options
}

func NewEngine(store Store, opts Options) *Engine {
	if opts.VaultSeed == "" {
		opts.VaultSeed = DefaultVaultSeed
	}
	if !opts.VaultRent.IsPositive() {
		opts.VaultRent = DefaultVaultRent
	}
	if opts.GameDuration <= 0 {
		opts.GameDuration = DefaultGameDuration
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, opts: opts}
}

func (e *Engine) Options() Options { return e.opts }

// VaultAddress derives the vault owned by owner.
func (e *Engine) VaultAddress(owner Address) Address {
	return DeriveVaultAddress(e.opts.VaultSeed, owner, e.opts.ProgramID)
}

func (e *Engine) Game(ctx context.Context, addr Address) (*Game, error) {
	g, err := e.store.GetGame(ctx, addr)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrGameNotFound
	}
	return g, err
}

func (e *Engine) Vault(ctx context.Context, addr Address) (*Vault, error) {
	v, err := e.store.GetVault(ctx, addr)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrVaultNotFound
	}
	return v, err
}

func (e *Engine) Balance(ctx context.Context, addr Address) (decimal.Decimal, error) {
	return e.store.Balance(ctx, addr)
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// accounts locks the game and its vault and checks that they belong together.
func (e *Engine) accounts(ctx context.Context, tx Tx, c Call) (*Game, *Vault, error) {
	if !c.signedBy(c.User) {
		return nil, nil, ErrMissingSignature
	}
	if err := e.keyedSigners(ctx, tx, c); err != nil {
		return nil, nil, err
	}
	g, err := tx.LockGame(ctx, c.Game)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrGameNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock game %s: %w", c.Game, err)
	}
	if c.Vault != g.Vault {
		return nil, nil, ErrInvalidVault
	}
	v, err := tx.LockVault(ctx, c.Vault)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrVaultNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock vault %s: %w", c.Vault, err)
	}
	if v.Owner != g.Owner || v.Game != g.Address || v.Address != e.VaultAddress(v.Owner) {
		return nil, nil, ErrInvalidVault
	}
	return g, v, nil
}

// keyedSigners rejects a call where the user or a signer is a vault. Vaults
// have no key and only release moves their funds.
func (e *Engine) keyedSigners(ctx context.Context, tx Tx, c Call) error {
	for _, id := range append([]Address{c.User}, c.Signers...) {
		_, err := tx.LockVault(ctx, id)
		if err == nil {
			return ErrMissingSignature
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("lock vault %s: %w", id, err)
		}
	}
	return nil
}

// fund moves amount from the funding identity into the vault, keeping the
// configured reserve behind.
func (e *Engine) fund(ctx context.Context, tx Tx, from Address, v *Vault, amount decimal.Decimal, ref string) error {
	spendable, err := tx.Balance(ctx, from)
	if err != nil {
		return fmt.Errorf("balance of %s: %w", from, err)
	}
	if spendable.LessThan(amount.Add(e.opts.MinReserve)) {
		return ErrInsufficientFunds
	}
	if err := tx.Transfer(ctx, from, v.Address, amount, ref); err != nil {
		return fmt.Errorf("fund vault %s: %w", v.Address, err)
	}
	v.Balance = v.Balance.Add(amount)
	return nil
}

// release pays amount out of the vault. Only engine operations call it.
func (e *Engine) release(ctx context.Context, tx Tx, v *Vault, to Address, amount decimal.Decimal, ref string) error {
	if amount.GreaterThan(v.Balance) {
		return ErrInsufficientVaultBalance
	}
	if !amount.IsPositive() {
		return nil
	}
	if err := tx.Transfer(ctx, v.Address, to, amount, ref); err != nil {
		return fmt.Errorf("release vault %s: %w", v.Address, err)
	}
	v.Balance = v.Balance.Sub(amount)
	return nil
}

func ledgerRef(op string, game Address) string {
	return op + ":" + string(game)
}
