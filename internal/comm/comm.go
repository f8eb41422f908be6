package comm

import (
	"encoding/json"
	"time"

	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/shopspring/decimal"
)

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "init-game", "join-game"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid"`
}

// OpRequest is the payload of an operation request. Signers is the list of
// identities that authorized the call; the transport is responsible for it.
type OpRequest struct {
	User    escrow.Address   `json:"user"`
	Game    escrow.Address   `json:"game"`
	Vault   escrow.Address   `json:"vault,omitempty"`
	Signers []escrow.Address `json:"signers"`
	Stake   decimal.Decimal  `json:"stake"`
}

func (r OpRequest) Call() escrow.Call {
	return escrow.Call{User: r.User, Game: r.Game, Vault: r.Vault, Signers: r.Signers}
}

type OpResult struct {
	Op      string          `json:"op"`
	Game    *escrow.Game    `json:"game,omitempty"`
	Vault   *escrow.Vault   `json:"vault,omitempty"`
	Paid    decimal.Decimal `json:"paid"`
	Payouts []escrow.Payout `json:"payouts,omitempty"`
}

type ErrorBody struct {
	Error string `json:"error"`
	Code  uint32 `json:"code,omitempty"`
	Msg   string `json:"message,omitempty"`
}

// NewErrorBody maps err to its registered name and code when it has one.
func NewErrorBody(err error) ErrorBody {
	if e, ok := escrow.CodeOf(err); ok {
		return ErrorBody{Error: e.Name, Code: uint32(e.Code), Msg: e.Msg}
	}
	return ErrorBody{Error: "InternalError", Msg: err.Error()}
}

// Reply is what the broker sends back for every request.
type Reply struct {
	OK     bool       `json:"ok"`
	Result *OpResult  `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// EscrowEvent is broadcast after every committed operation.
type EscrowEvent struct {
	Type    string           `json:"type"`
	Game    escrow.Address   `json:"game"`
	State   escrow.GameState `json:"state"`
	Actor   escrow.Address   `json:"actor"`
	Balance decimal.Decimal  `json:"vault_balance"`
	Payouts []escrow.Payout  `json:"payouts,omitempty"`
	At      time.Time        `json:"at"`
}

type DepositRequest struct {
	Address escrow.Address  `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

type DepositRes struct {
	Status  string          `json:"status"`
	TRef    string          `json:"tref"`
	Balance decimal.Decimal `json:"balance"`
}
