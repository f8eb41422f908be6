package escrow

import (
	"errors"
	"fmt"
	"slices"
)

// Code is the stable numeric identifier surfaced to callers. Codes are never
// renumbered once released; new rejections are appended at the end.
type Code uint32

// Class separates signer/ownership failures from lifecycle failures.
type Class uint8

const (
	ClassState Class = iota
	ClassAuthorization
)

// Error is a registered rejection reason.
type Error struct {
	Code  Code
	Name  string
	Msg   string
	Class Class
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Msg)
}

var (
	ErrNotTheOwner              = register(6000, "NotTheOwner", "caller is not the owner of the vault", ClassAuthorization)
	ErrInvalidGameState         = register(6001, "InvalidGameState", "operation not allowed in the current game state", ClassState)
	ErrAlreadyInGame            = register(6002, "AlreadyInGame", "caller already holds a seat in this game", ClassState)
	ErrInsufficientFunds        = register(6003, "InsufficientFunds", "insufficient funds for this operation", ClassState)
	ErrGameStillRunning         = register(6004, "GameStillRunning", "cannot close a running game", ClassState)
	ErrGameNotReadyToClose      = register(6005, "GameNotReadyToClose", "game has not concluded yet", ClassState)
	ErrInsufficientVaultBalance = register(6006, "InsufficientVaultBalance", "vault balance does not cover the release", ClassState)
	ErrNotAParty                = register(6007, "NotAParty", "caller is not a party of this game", ClassAuthorization)
	ErrPayoutPending            = register(6008, "PayoutPending", "pot must be settled before the vault is reclaimed", ClassState)
	ErrPayoutPolicyUnset        = register(6009, "PayoutPolicyUnset", "no payout policy is configured", ClassState)
	ErrAlreadySettled           = register(6010, "AlreadySettled", "game pot was already paid out", ClassState)
	ErrGameNotExpired           = register(6011, "GameNotExpired", "game deadline has not passed", ClassState)
	ErrGameAlreadyExists        = register(6012, "GameAlreadyExists", "game account already exists", ClassState)
	ErrVaultInUse               = register(6013, "VaultInUse", "owner vault is already backing a game", ClassState)
	ErrGameNotFound             = register(6014, "GameNotFound", "game account not found", ClassState)
	ErrVaultNotFound            = register(6015, "VaultNotFound", "vault account not found", ClassState)
	ErrInvalidVault             = register(6016, "InvalidVault", "vault does not match the game or its derivation", ClassAuthorization)
	ErrInvalidStake             = register(6017, "InvalidStake", "stake must be positive with at most 9 decimal places", ClassState)
	ErrMissingSignature         = register(6018, "MissingSignature", "required signer did not sign", ClassAuthorization)
)

var registry = map[Code]*Error{}

func register(code Code, name, msg string, class Class) *Error {
	if _, dup := registry[code]; dup {
		panic(fmt.Sprintf("escrow: duplicate error code %d", code))
	}
	e := &Error{Code: code, Name: name, Msg: msg, Class: class}
	registry[code] = e
	return e
}

// Lookup returns the registered error for code.
func Lookup(code Code) (*Error, bool) {
	e, ok := registry[code]
	return e, ok
}

// Codes lists every registered error in ascending code order.
func Codes() []*Error {
	out := make([]*Error, 0, len(registry))
	for c := Code(6000); len(out) < len(registry); c++ {
		if e, ok := registry[c]; ok {
			out = append(out, e)
		}
	}
	return out
}

// CodeOf extracts the escrow error carried by err, if any.
func CodeOf(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Operation names used by the transports and the audit log.
const (
	OpInitGame  = "init-game"
	OpJoinGame  = "join-game"
	OpClaimBack = "claim-back"
	OpSettle    = "settle"
	OpResign    = "resign"
	OpCancel    = "cancel"
	OpExpire    = "expire"
)

var accountErrors = []*Error{ErrMissingSignature, ErrGameNotFound, ErrVaultNotFound, ErrInvalidVault}

// withAccountErrors returns a fresh slice; the sets must not share storage.
func withAccountErrors(errs ...*Error) []*Error {
	return slices.Concat(accountErrors, errs)
}

// OperationErrors is the declared rejection set of every operation.
var OperationErrors = map[string][]*Error{
	OpInitGame:  {ErrMissingSignature, ErrInvalidStake, ErrInvalidVault, ErrGameAlreadyExists, ErrVaultInUse, ErrInsufficientFunds},
	OpJoinGame:  withAccountErrors(ErrAlreadyInGame, ErrInsufficientFunds, ErrInvalidGameState),
	OpClaimBack: withAccountErrors(ErrNotTheOwner, ErrGameNotReadyToClose, ErrPayoutPending),
	OpSettle:    withAccountErrors(ErrNotAParty, ErrGameNotReadyToClose, ErrAlreadySettled, ErrPayoutPolicyUnset, ErrInsufficientVaultBalance),
	OpResign:    withAccountErrors(ErrNotAParty, ErrInvalidGameState),
	OpCancel:    withAccountErrors(ErrNotTheOwner, ErrGameStillRunning),
	OpExpire:    withAccountErrors(ErrInvalidGameState, ErrGameNotExpired),
}
