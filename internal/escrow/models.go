package escrow

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Address identifies an account: a player identity, a game record or a vault.
type Address string

func (a Address) String() string { return string(a) }

type GameState uint8

const (
	WaitingForPlayers GameState = 0
	InProgress        GameState = 1
	Finished          GameState = 2
	Closed            GameState = 3
)

var gameStateNames = map[GameState]string{
	WaitingForPlayers: "waiting",
	InProgress:        "in_progress",
	Finished:          "finished",
	Closed:            "closed",
}

func (s GameState) String() string {
	if n, ok := gameStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

func (s GameState) MarshalText() ([]byte, error) {
	n, ok := gameStateNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid game state %d", uint8(s))
	}
	return []byte(n), nil
}

func (s *GameState) UnmarshalText(b []byte) error {
	for k, v := range gameStateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("invalid game state %q", string(b))
}

// concluded reports whether funds may leave the vault.
func (s GameState) concluded() bool {
	return s == Finished || s == Closed
}

type Game struct {
	Address   Address         `json:"address"`
	State     GameState       `json:"state"`
	Owner     Address         `json:"owner"`
	Opponent  Address         `json:"opponent,omitempty"` // empty until joined
	Stake     decimal.Decimal `json:"stake"`
	Vault     Address         `json:"vault"`
	Winner    Address         `json:"winner,omitempty"` // empty on a tie
	Settled   bool            `json:"settled"`
	CreatedAt time.Time       `json:"created_at"`
	EndTime   time.Time       `json:"end_time"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Seat reports whether id is the owner or the opponent of g.
func (g *Game) Seat(id Address) bool {
	return id == g.Owner || (g.Opponent != "" && id == g.Opponent)
}

// Pot is what the vault owes the parties until settlement.
func (g *Game) Pot() decimal.Decimal {
	if g.Opponent == "" {
		return g.Stake
	}
	return g.Stake.Mul(decimal.NewFromInt(2))
}

// Vault is the custodial account backing one game. Balance is the ledger
// balance of the vault address, not a stored column.
type Vault struct {
	Address   Address         `json:"address"`
	Owner     Address         `json:"owner"`
	Game      Address         `json:"game"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Call is one invocation: the account set plus the identities that signed it.
type Call struct {
	User    Address   `json:"user"`
	Game    Address   `json:"game"`
	Vault   Address   `json:"vault"`
	Signers []Address `json:"signers"`
}

func (c Call) signedBy(id Address) bool {
	if id == "" {
		return false
	}
	for _, s := range c.Signers {
		if s == id {
			return true
		}
	}
	return false
}
