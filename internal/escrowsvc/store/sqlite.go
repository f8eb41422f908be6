package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLiteStore is the single-node account store. It runs on one connection,
// which serializes every transaction.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the
// embedded schema. ":memory:" gives a private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Atomic(ctx context.Context, fn func(tx escrow.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetGame(ctx context.Context, addr escrow.Address) (*escrow.Game, error) {
	return sqliteGame(ctx, s.db, addr)
}

func (s *SQLiteStore) GetVault(ctx context.Context, addr escrow.Address) (*escrow.Vault, error) {
	v, err := sqliteVault(ctx, s.db, addr)
	if err != nil {
		return nil, err
	}
	if v.Balance, err = sqliteBalance(ctx, s.db, addr); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLiteStore) Balance(ctx context.Context, addr escrow.Address) (decimal.Decimal, error) {
	return sqliteBalance(ctx, s.db, addr)
}

// Deposit credits addr from outside the escrow (faucet, payment gateway).
func (s *SQLiteStore) Deposit(ctx context.Context, addr escrow.Address, amount decimal.Decimal) (string, error) {
	if !escrow.ValidAmount(amount) {
		return "", fmt.Errorf("invalid deposit amount %s", amount)
	}
	tref := "DEP-" + uuid.New().String()[:8]
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger (address, dr, cr, tref, created_at)
		VALUES (?, ?, '0', ?, ?)
	`, string(addr), amount.String(), tref, toMillis(time.Now()))
	if err != nil {
		return "", fmt.Errorf("insert deposit: %w", err)
	}
	return tref, nil
}

// DueGames lists games still waiting or running whose end time passed before
// now, oldest first.
func (s *SQLiteStore) DueGames(ctx context.Context, now time.Time, limit int) ([]escrow.Address, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address
		FROM games
		WHERE state IN (?, ?)
		  AND end_time < ?
		ORDER BY end_time
		LIMIT ?
	`, int(escrow.WaitingForPlayers), int(escrow.InProgress), toMillis(now), limit)
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

type sqliteTx struct {
	q *sql.Tx
}

// LockGame needs no row lock: the single connection already excludes others.
func (t *sqliteTx) LockGame(ctx context.Context, addr escrow.Address) (*escrow.Game, error) {
	return sqliteGame(ctx, t.q, addr)
}

func (t *sqliteTx) LockVault(ctx context.Context, addr escrow.Address) (*escrow.Vault, error) {
	v, err := sqliteVault(ctx, t.q, addr)
	if err != nil {
		return nil, err
	}
	if v.Balance, err = sqliteBalance(ctx, t.q, addr); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *sqliteTx) CreateGame(ctx context.Context, g *escrow.Game) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO games (address, state, owner, opponent, stake, vault, winner, settled, created_at, end_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(g.Address), int(g.State), string(g.Owner), string(g.Opponent), g.Stake.String(),
		string(g.Vault), string(g.Winner), g.Settled, toMillis(g.CreatedAt), toMillis(g.EndTime), toMillis(g.UpdatedAt))
	if isSQLiteConstraint(err) {
		return escrow.ErrGameAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert game: %w", err)
	}
	return nil
}

func (t *sqliteTx) SaveGame(ctx context.Context, g *escrow.Game) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE games
		SET state=?, opponent=?, winner=?, settled=?, end_time=?, updated_at=?
		WHERE address=?
	`, int(g.State), string(g.Opponent), string(g.Winner), g.Settled, toMillis(g.EndTime), toMillis(g.UpdatedAt), string(g.Address))
	if err != nil {
		return fmt.Errorf("update game: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return escrow.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) CreateVault(ctx context.Context, v *escrow.Vault) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO vaults (address, owner, game, created_at)
		VALUES (?, ?, ?, ?)
	`, string(v.Address), string(v.Owner), string(v.Game), toMillis(v.CreatedAt))
	if isSQLiteConstraint(err) {
		return escrow.ErrVaultInUse
	}
	if err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}
	return nil
}

func (t *sqliteTx) CloseVault(ctx context.Context, addr escrow.Address) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM vaults WHERE address=?`, string(addr))
	if err != nil {
		return fmt.Errorf("delete vault: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return escrow.ErrNotFound
	}
	return nil
}

func (t *sqliteTx) Balance(ctx context.Context, addr escrow.Address) (decimal.Decimal, error) {
	return sqliteBalance(ctx, t.q, addr)
}

func (t *sqliteTx) Transfer(ctx context.Context, from, to escrow.Address, amount decimal.Decimal, ref string) error {
	baseRef := fmt.Sprintf("%s-%s", ref, uuid.New().String()[:8])
	now := toMillis(time.Now())
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO ledger (address, dr, cr, tref, created_at)
		VALUES (?, '0', ?, ?, ?), (?, ?, '0', ?, ?)
	`, string(from), amount.String(), baseRef+"-OUT", now, string(to), amount.String(), baseRef+"-IN", now)
	if err != nil {
		return fmt.Errorf("insert transfer %s: %w", baseRef, err)
	}
	return nil
}

func sqliteGame(ctx context.Context, q sqlQuerier, addr escrow.Address) (*escrow.Game, error) {
	var (
		g                                       escrow.Game
		state                                   int
		address, owner, opponent, vault, winner string
		stake                                   string
		createdAt, endTime, updatedAt           int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT address, state, owner, opponent, stake, vault, winner, settled, created_at, end_time, updated_at
		FROM games
		WHERE address = ?
	`, string(addr)).Scan(
		&address,
		&state,
		&owner,
		&opponent,
		&stake,
		&vault,
		&winner,
		&g.Settled,
		&createdAt,
		&endTime,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get game: %w", err)
	}
	if g.Stake, err = decimal.NewFromString(stake); err != nil {
		return nil, fmt.Errorf("game %s stake: %w", address, err)
	}
	g.Address, g.Owner, g.Opponent = escrow.Address(address), escrow.Address(owner), escrow.Address(opponent)
	g.Vault, g.Winner = escrow.Address(vault), escrow.Address(winner)
	g.State = escrow.GameState(state)
	g.CreatedAt, g.EndTime, g.UpdatedAt = fromMillis(createdAt), fromMillis(endTime), fromMillis(updatedAt)
	return &g, nil
}

func sqliteVault(ctx context.Context, q sqlQuerier, addr escrow.Address) (*escrow.Vault, error) {
	var address, owner, game string
	var createdAt int64
	err := q.QueryRowContext(ctx, `
		SELECT address, owner, game, created_at FROM vaults WHERE address = ?
	`, string(addr)).Scan(&address, &owner, &game, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, escrow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vault: %w", err)
	}
	return &escrow.Vault{
		Address:   escrow.Address(address),
		Owner:     escrow.Address(owner),
		Game:      escrow.Address(game),
		CreatedAt: fromMillis(createdAt),
	}, nil
}

// amounts are TEXT, so the sum is done in decimal rather than by SUM()
func sqliteBalance(ctx context.Context, q sqlQuerier, addr escrow.Address) (decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, `SELECT dr, cr FROM ledger WHERE address = ?`, string(addr))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read ledger: %w", err)
	}
	defer rows.Close()

	var totalDr, totalCr decimal.Decimal
	for rows.Next() {
		var dr, cr string
		if err := rows.Scan(&dr, &cr); err != nil {
			return decimal.Zero, fmt.Errorf("scan ledger row: %w", err)
		}
		d, err := decimal.NewFromString(dr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("ledger dr %q: %w", dr, err)
		}
		c, err := decimal.NewFromString(cr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("ledger cr %q: %w", cr, err)
		}
		totalDr = totalDr.Add(d)
		totalCr = totalCr.Add(c)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("read ledger: %w", err)
	}
	return totalDr.Sub(totalCr), nil
}

func isSQLiteConstraint(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
