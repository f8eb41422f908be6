package escrow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/avvvet/escrow-services/internal/escrowsvc/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	host   escrow.Address = "host-7Yf2"
	guest  escrow.Address = "guest-Q81c"
	viewer escrow.Address = "viewer-0pZk"
	table  escrow.Address = "game-Tq4R"
)

var rent = decimal.RequireFromString("0.00114")

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.SQLiteStore
	engine *escrow.Engine
	now    time.Time
}

func newFixture(t *testing.T, policy escrow.PayoutPolicy) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: s,
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = escrow.NewEngine(s, escrow.Options{
		ProgramID: "EscrowProgram1111",
		VaultRent: rent,
		Payout:    policy,
		Now:       func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) deposit(addr escrow.Address, amount string) {
	f.t.Helper()
	_, err := f.store.Deposit(f.ctx, addr, decimal.RequireFromString(amount))
	require.NoError(f.t, err)
}

func (f *fixture) balance(addr escrow.Address) decimal.Decimal {
	f.t.Helper()
	b, err := f.engine.Balance(f.ctx, addr)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) call(user escrow.Address) escrow.Call {
	return escrow.Call{
		User:    user,
		Game:    table,
		Vault:   f.engine.VaultAddress(host),
		Signers: []escrow.Address{user},
	}
}

func (f *fixture) initGame(stake string) (*escrow.Game, *escrow.Vault) {
	f.t.Helper()
	c := f.call(host)
	c.Signers = append(c.Signers, table)
	g, v, err := f.engine.InitGame(f.ctx, c, decimal.RequireFromString(stake))
	require.NoError(f.t, err)
	return g, v
}

// startGame leaves a game in progress with a stake of 5 from each side.
func (f *fixture) startGame() {
	f.t.Helper()
	f.deposit(host, "100")
	f.deposit(guest, "100")
	f.initGame("5")
	_, _, err := f.engine.JoinGame(f.ctx, f.call(guest))
	require.NoError(f.t, err)
}

func requireCode(t *testing.T, want *escrow.Error, err error) {
	t.Helper()
	require.Error(t, err)
	got, ok := escrow.CodeOf(err)
	require.True(t, ok, "not an escrow error: %v", err)
	assert.Equal(t, want.Code, got.Code, "got %s", got.Name)
}

func TestReferenceScenario(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.deposit(host, "1000")

	g, v := f.initGame("5")
	assert.Equal(t, escrow.WaitingForPlayers, g.State)
	assert.Equal(t, host, v.Owner)
	assert.Equal(t, table, v.Game)
	assert.True(t, v.Balance.GreaterThan(decimal.NewFromInt(5)), "vault holds %s", v.Balance)
	assert.True(t, f.balance(v.Address).Equal(v.Balance))

	// the host cannot take the second seat
	_, _, err := f.engine.JoinGame(f.ctx, f.call(host))
	requireCode(t, escrow.ErrAlreadyInGame, err)
	assert.Equal(t, escrow.Code(6002), escrow.ErrAlreadyInGame.Code)

	f.deposit(guest, "1")
	_, _, err = f.engine.JoinGame(f.ctx, f.call(guest))
	requireCode(t, escrow.ErrInsufficientFunds, err)
	assert.Equal(t, escrow.Code(6003), escrow.ErrInsufficientFunds.Code)

	f.deposit(guest, "4")
	g, v, err = f.engine.JoinGame(f.ctx, f.call(guest))
	require.NoError(t, err)
	assert.Equal(t, escrow.InProgress, g.State)
	assert.Equal(t, guest, g.Opponent)
	assert.True(t, v.Balance.Equal(decimal.NewFromInt(10).Add(rent)), "vault holds %s", v.Balance)
	assert.True(t, f.balance(guest).IsZero())

	_, _, err = f.engine.ClaimBack(f.ctx, f.call(host))
	requireCode(t, escrow.ErrGameNotReadyToClose, err)
	assert.Equal(t, escrow.Code(6005), escrow.ErrGameNotReadyToClose.Code)
}

func TestInitGame(t *testing.T) {
	tests := []struct {
		name    string
		funds   string
		stake   string
		mutate  func(f *fixture, c *escrow.Call)
		wantErr *escrow.Error
	}{
		{
			name:  "funded",
			funds: "10",
			stake: "5",
		},
		{
			name:    "game account did not sign",
			funds:   "10",
			stake:   "5",
			mutate:  func(f *fixture, c *escrow.Call) { c.Signers = []escrow.Address{host} },
			wantErr: escrow.ErrMissingSignature,
		},
		{
			name:    "zero stake",
			funds:   "10",
			stake:   "0",
			wantErr: escrow.ErrInvalidStake,
		},
		{
			name:    "stake below the ledger scale",
			funds:   "10",
			stake:   "0.0000000001",
			wantErr: escrow.ErrInvalidStake,
		},
		{
			name:    "stake the ledger would round",
			funds:   "10",
			stake:   "1.0000000004",
			wantErr: escrow.ErrInvalidStake,
		},
		{
			name:    "stake beyond the ledger range",
			funds:   "10",
			stake:   "1e40",
			wantErr: escrow.ErrInvalidStake,
		},
		{
			name:    "vault not derived from the owner",
			funds:   "10",
			stake:   "5",
			mutate:  func(f *fixture, c *escrow.Call) { c.Vault = f.engine.VaultAddress(guest) },
			wantErr: escrow.ErrInvalidVault,
		},
		{
			name:    "stake without the rent",
			funds:   "5",
			stake:   "5",
			wantErr: escrow.ErrInsufficientFunds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, escrow.PayoutUnset)
			f.deposit(host, tt.funds)

			c := f.call(host)
			c.Signers = append(c.Signers, table)
			if tt.mutate != nil {
				tt.mutate(f, &c)
			}

			g, v, err := f.engine.InitGame(f.ctx, c, decimal.RequireFromString(tt.stake))
			if tt.wantErr != nil {
				requireCode(t, tt.wantErr, err)
				assert.True(t, f.balance(host).Equal(decimal.RequireFromString(tt.funds)))
				_, err = f.engine.Game(f.ctx, table)
				requireCode(t, escrow.ErrGameNotFound, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, host, g.Owner)
			assert.Equal(t, v.Address, g.Vault)
			assert.Equal(t, f.now.Add(escrow.DefaultGameDuration), g.EndTime)
			assert.True(t, f.balance(host).Equal(decimal.RequireFromString("4.99886")))
		})
	}
}

func TestInitGameTwice(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.deposit(host, "100")
	f.initGame("5")

	c := f.call(host)
	c.Signers = append(c.Signers, table)
	_, _, err := f.engine.InitGame(f.ctx, c, decimal.NewFromInt(5))
	requireCode(t, escrow.ErrGameAlreadyExists, err)

	// a second game for the same owner would reuse the vault
	c.Game = "game-other"
	c.Signers = []escrow.Address{host, c.Game}
	_, _, err = f.engine.InitGame(f.ctx, c, decimal.NewFromInt(5))
	requireCode(t, escrow.ErrVaultInUse, err)
}

func TestJoinGameRejectionsLeaveStateUntouched(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.startGame()

	before, err := f.engine.Game(f.ctx, table)
	require.NoError(t, err)
	vault := f.balance(before.Vault)

	f.deposit(viewer, "100")
	for i := 0; i < 2; i++ {
		_, _, err = f.engine.JoinGame(f.ctx, f.call(viewer))
		requireCode(t, escrow.ErrInvalidGameState, err)
	}
	_, _, err = f.engine.JoinGame(f.ctx, f.call(guest))
	requireCode(t, escrow.ErrAlreadyInGame, err)

	after, err := f.engine.Game(f.ctx, table)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.Opponent, after.Opponent)
	assert.True(t, f.balance(before.Vault).Equal(vault))
	assert.True(t, f.balance(viewer).Equal(decimal.NewFromInt(100)))
}

func TestJoinGameChecksSeatBeforeFunds(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.deposit(host, "5.00114")
	f.initGame("5")

	// the host is broke now, yet the seat check wins
	_, _, err := f.engine.JoinGame(f.ctx, f.call(host))
	requireCode(t, escrow.ErrAlreadyInGame, err)

	// a broke stranger on a running game hears about funds first
	f.deposit(guest, "5")
	_, _, err = f.engine.JoinGame(f.ctx, f.call(guest))
	require.NoError(t, err)
	_, _, err = f.engine.JoinGame(f.ctx, f.call(viewer))
	requireCode(t, escrow.ErrInsufficientFunds, err)
}

func TestAccountValidation(t *testing.T) {
	f := newFixture(t, escrow.PayoutRefund)
	f.deposit(host, "100")
	f.deposit(guest, "100")
	f.initGame("5")

	unsigned := f.call(guest)
	unsigned.Signers = []escrow.Address{host}
	_, _, err := f.engine.JoinGame(f.ctx, unsigned)
	requireCode(t, escrow.ErrMissingSignature, err)

	missing := f.call(guest)
	missing.Game = "game-nowhere"
	_, _, err = f.engine.JoinGame(f.ctx, missing)
	requireCode(t, escrow.ErrGameNotFound, err)

	// a vault derived for somebody else cannot stand in for the game's vault
	wrong := f.call(guest)
	wrong.Vault = f.engine.VaultAddress(guest)
	_, _, err = f.engine.JoinGame(f.ctx, wrong)
	requireCode(t, escrow.ErrInvalidVault, err)
	_, err = f.engine.Cancel(f.ctx, escrow.Call{User: host, Game: table, Vault: wrong.Vault, Signers: []escrow.Address{host}})
	requireCode(t, escrow.ErrInvalidVault, err)

	assert.True(t, f.balance(guest).Equal(decimal.NewFromInt(100)))
}

func TestResignThenSettle(t *testing.T) {
	tests := []struct {
		name    string
		policy  escrow.PayoutPolicy
		resign  escrow.Address
		wantErr *escrow.Error
		host    string
		guest   string
	}{
		{
			name:   "winner takes all",
			policy: escrow.PayoutWinnerTakesAll,
			resign: guest,
			host:   "104.99886",
			guest:  "95",
		},
		{
			name:   "refund",
			policy: escrow.PayoutRefund,
			resign: host,
			host:   "99.99886",
			guest:  "100",
		},
		{
			name:    "no policy",
			policy:  escrow.PayoutUnset,
			resign:  host,
			wantErr: escrow.ErrPayoutPolicyUnset,
			host:    "94.99886",
			guest:   "95",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy)
			f.startGame()

			g, err := f.engine.Resign(f.ctx, f.call(tt.resign))
			require.NoError(t, err)
			assert.Equal(t, escrow.Finished, g.State)
			assert.NotEqual(t, tt.resign, g.Winner)

			_, payouts, err := f.engine.Settle(f.ctx, f.call(guest))
			if tt.wantErr != nil {
				requireCode(t, tt.wantErr, err)
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, payouts)
			}
			assert.True(t, f.balance(host).Equal(decimal.RequireFromString(tt.host)), "host has %s", f.balance(host))
			assert.True(t, f.balance(guest).Equal(decimal.RequireFromString(tt.guest)), "guest has %s", f.balance(guest))
		})
	}
}

func TestClaimBackAfterSettle(t *testing.T) {
	f := newFixture(t, escrow.PayoutWinnerTakesAll)
	f.startGame()
	vault := f.engine.VaultAddress(host)

	_, err := f.engine.Resign(f.ctx, f.call(host))
	require.NoError(t, err)

	// the pot is owed to the guest until settled
	_, _, err = f.engine.ClaimBack(f.ctx, f.call(host))
	requireCode(t, escrow.ErrPayoutPending, err)

	_, _, err = f.engine.Settle(f.ctx, f.call(viewer))
	requireCode(t, escrow.ErrNotAParty, err)

	g, payouts, err := f.engine.Settle(f.ctx, f.call(host))
	require.NoError(t, err)
	assert.True(t, g.Settled)
	require.Len(t, payouts, 1)
	assert.Equal(t, guest, payouts[0].To)
	assert.True(t, payouts[0].Amount.Equal(decimal.NewFromInt(10)))

	_, _, err = f.engine.Settle(f.ctx, f.call(guest))
	requireCode(t, escrow.ErrAlreadySettled, err)

	_, _, err = f.engine.ClaimBack(f.ctx, f.call(guest))
	requireCode(t, escrow.ErrNotTheOwner, err)

	g, paid, err := f.engine.ClaimBack(f.ctx, f.call(host))
	require.NoError(t, err)
	assert.Equal(t, escrow.Closed, g.State)
	assert.True(t, paid.Equal(rent), "paid %s", paid)
	assert.True(t, f.balance(vault).IsZero())
	assert.True(t, f.balance(host).Equal(decimal.NewFromInt(95)))

	_, err = f.engine.Vault(f.ctx, vault)
	requireCode(t, escrow.ErrVaultNotFound, err)
	_, _, err = f.engine.ClaimBack(f.ctx, f.call(host))
	requireCode(t, escrow.ErrVaultNotFound, err)
}

func TestSettleBeforeTheEnd(t *testing.T) {
	f := newFixture(t, escrow.PayoutRefund)
	f.startGame()

	_, _, err := f.engine.Settle(f.ctx, f.call(guest))
	requireCode(t, escrow.ErrGameNotReadyToClose, err)
	assert.True(t, f.balance(guest).Equal(decimal.NewFromInt(95)))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.deposit(host, "100")
	f.initGame("5")

	_, err := f.engine.Cancel(f.ctx, f.call(guest))
	requireCode(t, escrow.ErrNotTheOwner, err)

	g, err := f.engine.Cancel(f.ctx, f.call(host))
	require.NoError(t, err)
	assert.Equal(t, escrow.Closed, g.State)

	_, err = f.engine.Cancel(f.ctx, f.call(host))
	requireCode(t, escrow.ErrGameStillRunning, err)

	// nobody else staked, so the whole vault goes back
	_, paid, err := f.engine.ClaimBack(f.ctx, f.call(host))
	require.NoError(t, err)
	assert.True(t, paid.Equal(decimal.NewFromInt(5).Add(rent)))
	assert.True(t, f.balance(host).Equal(decimal.NewFromInt(100)))
}

func TestCancelRunningGame(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.startGame()

	_, err := f.engine.Cancel(f.ctx, f.call(host))
	requireCode(t, escrow.ErrGameStillRunning, err)
}

func TestExpire(t *testing.T) {
	t.Run("waiting game closes", func(t *testing.T) {
		f := newFixture(t, escrow.PayoutUnset)
		f.deposit(host, "100")
		f.initGame("5")

		_, err := f.engine.Expire(f.ctx, f.call(viewer))
		requireCode(t, escrow.ErrGameNotExpired, err)

		f.now = f.now.Add(escrow.DefaultGameDuration + time.Second)
		g, err := f.engine.Expire(f.ctx, f.call(viewer))
		require.NoError(t, err)
		assert.Equal(t, escrow.Closed, g.State)

		_, err = f.engine.Expire(f.ctx, f.call(viewer))
		requireCode(t, escrow.ErrInvalidGameState, err)
	})

	t.Run("running game ends in a tie", func(t *testing.T) {
		f := newFixture(t, escrow.PayoutWinnerTakesAll)
		f.startGame()

		f.now = f.now.Add(escrow.DefaultGameDuration + time.Second)
		g, err := f.engine.Expire(f.ctx, f.call(viewer))
		require.NoError(t, err)
		assert.Equal(t, escrow.Finished, g.State)
		assert.Empty(t, g.Winner)

		// with no winner both stakes are refunded
		_, payouts, err := f.engine.Settle(f.ctx, f.call(guest))
		require.NoError(t, err)
		assert.Len(t, payouts, 2)
		assert.True(t, f.balance(guest).Equal(decimal.NewFromInt(100)))
	})
}

func TestResignRules(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.deposit(host, "100")
	f.initGame("5")

	_, err := f.engine.Resign(f.ctx, f.call(host))
	requireCode(t, escrow.ErrInvalidGameState, err)

	_, err = f.engine.Resign(f.ctx, f.call(viewer))
	requireCode(t, escrow.ErrNotAParty, err)
}

func TestMinReserve(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	engine := escrow.NewEngine(s, escrow.Options{
		ProgramID:  "EscrowProgram1111",
		MinReserve: decimal.NewFromInt(1),
	})
	_, err = s.Deposit(ctx, host, decimal.NewFromInt(5))
	require.NoError(t, err)

	c := escrow.Call{User: host, Game: table, Vault: engine.VaultAddress(host), Signers: []escrow.Address{host, table}}
	_, _, err = engine.InitGame(ctx, c, decimal.NewFromInt(4))
	requireCode(t, escrow.ErrInsufficientFunds, err)

	_, v, err := engine.InitGame(ctx, c, decimal.RequireFromString("3.99"))
	require.NoError(t, err)
	assert.True(t, v.Balance.Equal(decimal.RequireFromString("3.99114")), "vault holds %s", v.Balance)
}

func TestZeroRentUsesDefault(t *testing.T) {
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	engine := escrow.NewEngine(s, escrow.Options{ProgramID: "EscrowProgram1111", VaultRent: decimal.Zero})
	_, err = s.Deposit(ctx, host, decimal.NewFromInt(10))
	require.NoError(t, err)

	c := escrow.Call{User: host, Game: table, Vault: engine.VaultAddress(host), Signers: []escrow.Address{host, table}}
	g, v, err := engine.InitGame(ctx, c, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.True(t, v.Balance.GreaterThan(g.Stake), "vault holds %s for stake %s", v.Balance, g.Stake)
	assert.True(t, v.Balance.Equal(g.Stake.Add(escrow.DefaultVaultRent)))
}

func TestVaultCannotSign(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.deposit(host, "100")
	f.deposit(guest, "100")
	f.deposit(viewer, "100")
	f.initGame("5")

	other := escrow.Address("game-B")
	vaultA := f.engine.VaultAddress(host)
	vaultB := f.engine.VaultAddress(guest)
	_, _, err := f.engine.InitGame(f.ctx, escrow.Call{
		User: guest, Game: other, Vault: vaultB, Signers: []escrow.Address{guest, other},
	}, decimal.NewFromInt(5))
	require.NoError(t, err)

	heldA, heldB := f.balance(vaultA), f.balance(vaultB)

	// the vault address is public, so anyone can put it in the signer list
	_, _, err = f.engine.JoinGame(f.ctx, escrow.Call{
		User: vaultA, Game: other, Vault: vaultB, Signers: []escrow.Address{vaultA},
	})
	requireCode(t, escrow.ErrMissingSignature, err)

	_, _, err = f.engine.JoinGame(f.ctx, escrow.Call{
		User: viewer, Game: other, Vault: vaultB, Signers: []escrow.Address{viewer, vaultA},
	})
	requireCode(t, escrow.ErrMissingSignature, err)

	third := escrow.Address("game-C")
	_, _, err = f.engine.InitGame(f.ctx, escrow.Call{
		User: vaultA, Game: third, Vault: f.engine.VaultAddress(vaultA), Signers: []escrow.Address{vaultA, third},
	}, decimal.NewFromInt(1))
	requireCode(t, escrow.ErrMissingSignature, err)

	assert.True(t, f.balance(vaultA).Equal(heldA), "vault A holds %s", f.balance(vaultA))
	assert.True(t, f.balance(vaultB).Equal(heldB), "vault B holds %s", f.balance(vaultB))
	g, err := f.engine.Game(f.ctx, other)
	require.NoError(t, err)
	assert.Equal(t, escrow.WaitingForPlayers, g.State)
	assert.Empty(t, g.Opponent)
}

func TestConcurrentJoin(t *testing.T) {
	f := newFixture(t, escrow.PayoutUnset)
	f.deposit(host, "100")
	f.initGame("5")

	players := make([]escrow.Address, 8)
	for i := range players {
		players[i] = escrow.Address(fmt.Sprintf("player-%d", i))
		f.deposit(players[i], "10")
	}

	errs := make([]error, len(players))
	var wg sync.WaitGroup
	for i, p := range players {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = f.engine.JoinGame(f.ctx, f.call(p))
		}()
	}
	wg.Wait()

	var winner escrow.Address
	for i, err := range errs {
		if err == nil {
			require.Empty(t, winner, "%s and %s both joined", winner, players[i])
			winner = players[i]
			continue
		}
		requireCode(t, escrow.ErrInvalidGameState, err)
		assert.True(t, f.balance(players[i]).Equal(decimal.NewFromInt(10)))
	}
	require.NotEmpty(t, winner)

	g, err := f.engine.Game(f.ctx, table)
	require.NoError(t, err)
	assert.Equal(t, escrow.InProgress, g.State)
	assert.Equal(t, winner, g.Opponent)
	assert.True(t, f.balance(g.Vault).Equal(decimal.NewFromInt(10).Add(rent)), "vault holds %s", f.balance(g.Vault))
	assert.True(t, f.balance(winner).Equal(decimal.NewFromInt(5)))
}

func TestDeclaredErrors(t *testing.T) {
	declared := func(op string, want *escrow.Error) bool {
		for _, e := range escrow.OperationErrors[op] {
			if e == want {
				return true
			}
		}
		return false
	}

	assert.True(t, declared(escrow.OpJoinGame, escrow.ErrAlreadyInGame))
	assert.True(t, declared(escrow.OpJoinGame, escrow.ErrInsufficientFunds))
	assert.True(t, declared(escrow.OpJoinGame, escrow.ErrInvalidGameState))
	assert.True(t, declared(escrow.OpClaimBack, escrow.ErrGameNotReadyToClose))
	assert.True(t, declared(escrow.OpSettle, escrow.ErrGameNotReadyToClose))
	assert.False(t, declared(escrow.OpInitGame, escrow.ErrGameNotFound))

	for op, errs := range escrow.OperationErrors {
		for _, e := range errs {
			got, ok := escrow.Lookup(e.Code)
			assert.True(t, ok, "%s declares unregistered %d", op, e.Code)
			assert.Same(t, e, got)
		}
	}
}
