package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps games, vaults and the ledger in postgres. Rows touched
// by an operation are locked with SELECT ... FOR UPDATE, and balances with a
// transaction-scoped advisory lock on the address.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx escrow.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetGame(ctx context.Context, addr escrow.Address) (*escrow.Game, error) {
	return pgGame(ctx, s.db, addr, false)
}

func (s *PostgresStore) GetVault(ctx context.Context, addr escrow.Address) (*escrow.Vault, error) {
	return pgVault(ctx, s.db, addr, false)
}

func (s *PostgresStore) Balance(ctx context.Context, addr escrow.Address) (decimal.Decimal, error) {
	return pgBalance(ctx, s.db, addr)
}

// Deposit credits addr from outside the escrow (faucet, payment gateway).
func (s *PostgresStore) Deposit(ctx context.Context, addr escrow.Address, amount decimal.Decimal) (string, error) {
	if !escrow.ValidAmount(amount) {
		return "", fmt.Errorf("invalid deposit amount %s", amount)
	}
	tref := "DEP-" + uuid.New().String()[:8]
	_, err := s.db.Exec(ctx, `
		INSERT INTO ledger (address, dr, cr, tref)
		VALUES ($1, $2, 0, $3)
	`, string(addr), amount, tref)
	if err != nil {
		return "", fmt.Errorf("insert deposit: %w", err)
	}
	return tref, nil
}

// DueGames lists games still waiting or running whose end time passed before
// now, oldest first.
func (s *PostgresStore) DueGames(ctx context.Context, now time.Time, limit int) ([]escrow.Address, error) {
	rows, err := s.db.Query(ctx, `
		SELECT address
		FROM games
		WHERE state IN ($1, $2)
		  AND end_time < $3
		ORDER BY end_time
		LIMIT $4
	`, int16(escrow.WaitingForPlayers), int16(escrow.InProgress), now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due games: %w", err)
	}
	defer rows.Close()

	var due []escrow.Address
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, fmt.Errorf("scan game row: %w", err)
		}
		due = append(due, escrow.Address(addr))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return due, nil
}

type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) LockGame(ctx context.Context, addr escrow.Address) (*escrow.Game, error) {
	return pgGame(ctx, t.q, addr, true)
}

func (t *pgTx) LockVault(ctx context.Context, addr escrow.Address) (*escrow.Vault, error) {
	v, err := pgVault(ctx, t.q, addr, true)
	if err != nil {
		return nil, err
	}
	if v.Balance, err = t.Balance(ctx, addr); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *pgTx) CreateGame(ctx context.Context, g *escrow.Game) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO games (address, state, owner, opponent, stake, vault, winner, settled, created_at, end_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, string(g.Address), int16(g.State), string(g.Owner), string(g.Opponent), g.Stake,
		string(g.Vault), string(g.Winner), g.Settled, g.CreatedAt, g.EndTime, g.UpdatedAt)
	if isUniqueViolation(err) {
		return escrow.ErrGameAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (t *pgTx) SaveGame(ctx context.Context, g *escrow.Game) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE games
		SET state=$2, opponent=$3, winner=$4, settled=$5, end_time=$6, updated_at=$7
		WHERE address=$1
	`, string(g.Address), int16(g.State), string(g.Opponent), string(g.Winner), g.Settled, g.EndTime, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return escrow.ErrNotFound
	}
	return nil
}

func (t *pgTx) CreateVault(ctx context.Context, v *escrow.Vault) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO vaults (address, owner, game, created_at)
		VALUES ($1, $2, $3, $4)
	`, string(v.Address), string(v.Owner), string(v.Game), v.CreatedAt)
	if isUniqueViolation(err) {
		return escrow.ErrVaultInUse
	}
	if err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}
	return nil
}

func (t *pgTx) CloseVault(ctx context.Context, addr escrow.Address) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM vaults WHERE address=$1`, string(addr))
	if err != nil {
		return fmt.Errorf("delete vault: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return escrow.ErrNotFound
	}
	return nil
}

// Balance serializes every transaction reading the same address until commit.
func (t *pgTx) Balance(ctx context.Context, addr escrow.Address) (decimal.Decimal, error) {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(addr)); err != nil {
		return decimal.Zero, fmt.Errorf("lock balance: %w", err)
	}
	return pgBalance(ctx, t.q, addr)
}

func (t *pgTx) Transfer(ctx context.Context, from, to escrow.Address, amount decimal.Decimal, ref string) error {
	baseRef := fmt.Sprintf("%s-%s", ref, uuid.New().String()[:8])
	_, err := t.q.Exec(ctx, `
		INSERT INTO ledger (address, dr, cr, tref)
		VALUES ($1, 0, $2, $3), ($4, $2, 0, $5)
	`, string(from), amount, baseRef+"-OUT", string(to), baseRef+"-IN")
	if err != nil {
		return fmt.Errorf("insert transfer %s: %w", baseRef, err)
	}
	return nil
}

func pgGame(ctx context.Context, q pgQuerier, addr escrow.Address, lock bool) (*escrow.Game, error) {
	query := `
		SELECT address, state, owner, opponent, stake, vault, winner, settled, created_at, end_time, updated_at
		FROM games
		WHERE address = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		g                               escrow.Game
		state                           int16
		address, owner, opponent, vault string
		winner                          string
	)
	err := q.QueryRow(ctx, query, string(addr)).Scan(
		&address,
		&state,
		&owner,
		&opponent,
		&g.Stake,
		&vault,
		&winner,
		&g.Settled,
		&g.CreatedAt,
		&g.EndTime,
		&g.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	g.Address, g.Owner, g.Opponent = escrow.Address(address), escrow.Address(owner), escrow.Address(opponent)
	g.Vault, g.Winner = escrow.Address(vault), escrow.Address(winner)
	g.State = escrow.GameState(state)
	return &g, nil
}

func pgVault(ctx context.Context, q pgQuerier, addr escrow.Address, lock bool) (*escrow.Vault, error) {
	query := `SELECT address, owner, game, created_at FROM vaults WHERE address = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var v escrow.Vault
	var address, owner, game string
	err := q.QueryRow(ctx, query, string(addr)).Scan(&address, &owner, &game, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	v.Address, v.Owner, v.Game = escrow.Address(address), escrow.Address(owner), escrow.Address(game)

	if !lock {
		if v.Balance, err = pgBalance(ctx, q, addr); err != nil {
			return nil, err
		}
	}
	return &v, nil
}

func pgBalance(ctx context.Context, q pgQuerier, addr escrow.Address) (decimal.Decimal, error) {
	var totalDr, totalCr decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(dr), 0),
			COALESCE(SUM(cr), 0)
		FROM ledger
		WHERE address = $1
	`, string(addr)).Scan(&totalDr, &totalCr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return totalDr.Sub(totalCr), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
