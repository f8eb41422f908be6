package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/escrow-services/internal/audit"
	"github.com/avvvet/escrow-services/internal/comm"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Notifier receives an event after each committed operation.
type Notifier interface {
	Notify(ev comm.EscrowEvent)
}

// Funder credits identities from outside the escrow.
type Funder interface {
	Deposit(ctx context.Context, addr escrow.Address, amount decimal.Decimal) (string, error)
}

var ErrUnknownOp = errors.New("unknown operation")

type EscrowService struct {
	engine    *escrow.Engine
	recorder  audit.Recorder
	funder    Funder
	notifiers []Notifier
}

func NewEscrowService(engine *escrow.Engine, recorder audit.Recorder, funder Funder, notifiers ...Notifier) *EscrowService {
	if recorder == nil {
		recorder = audit.LogRecorder{}
	}
	return &EscrowService{
		engine:    engine,
		recorder:  recorder,
		funder:    funder,
		notifiers: notifiers,
	}
}

func (s *EscrowService) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

func (s *EscrowService) Engine() *escrow.Engine { return s.engine }

// Execute runs op for req and records the outcome. Escrow rejections are
// returned as *escrow.Error; anything else is an infrastructure failure.
func (s *EscrowService) Execute(ctx context.Context, op string, req comm.OpRequest) (*comm.OpResult, error) {
	c := req.Call()
	if c.Vault == "" {
		c.Vault = s.resolveVault(ctx, op, c)
	}

	res := &comm.OpResult{Op: op}
	var err error
	switch op {
	case escrow.OpInitGame:
		res.Game, res.Vault, err = s.engine.InitGame(ctx, c, req.Stake)
	case escrow.OpJoinGame:
		res.Game, res.Vault, err = s.engine.JoinGame(ctx, c)
	case escrow.OpClaimBack:
		res.Game, res.Paid, err = s.engine.ClaimBack(ctx, c)
	case escrow.OpSettle:
		res.Game, res.Payouts, err = s.engine.Settle(ctx, c)
	case escrow.OpResign:
		res.Game, err = s.engine.Resign(ctx, c)
	case escrow.OpCancel:
		res.Game, err = s.engine.Cancel(ctx, c)
	case escrow.OpExpire:
		res.Game, err = s.engine.Expire(ctx, c)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}

	if rerr := s.recorder.Record(ctx, audit.NewReceipt(op, c, err)); rerr != nil {
		log.Errorf("Error [EscrowService.Record] %s", rerr)
	}

	if err != nil {
		if e, ok := escrow.CodeOf(err); ok {
			log.Infof("[%s] game %s rejected for %s: %s (%d)", op, c.Game, c.User, e.Name, e.Code)
		} else {
			log.Errorf("Error [EscrowService.%s] %s", op, err)
		}
		return nil, err
	}

	if res.Vault == nil && op != escrow.OpClaimBack {
		if v, verr := s.engine.Vault(ctx, c.Vault); verr == nil {
			res.Vault = v
		}
	}
	s.notify(op, c.User, res)
	return res, nil
}

// resolveVault fills in the vault account when the caller left it out: the
// derived vault of the caller for init, the game's vault otherwise. The
// engine still validates whatever ends up in the call.
func (s *EscrowService) resolveVault(ctx context.Context, op string, c escrow.Call) escrow.Address {
	if op == escrow.OpInitGame {
		return s.engine.VaultAddress(c.User)
	}
	g, err := s.engine.Game(ctx, c.Game)
	if err != nil {
		return ""
	}
	return g.Vault
}

func (s *EscrowService) notify(op string, actor escrow.Address, res *comm.OpResult) {
	if res.Game == nil || len(s.notifiers) == 0 {
		return
	}
	ev := comm.EscrowEvent{
		Type:    op,
		Game:    res.Game.Address,
		State:   res.Game.State,
		Actor:   actor,
		Payouts: res.Payouts,
		At:      time.Now().UTC(),
	}
	if res.Vault != nil {
		ev.Balance = res.Vault.Balance
	}
	for _, n := range s.notifiers {
		n.Notify(ev)
	}
}

func (s *EscrowService) GetGame(ctx context.Context, addr escrow.Address) (*escrow.Game, error) {
	return s.engine.Game(ctx, addr)
}

func (s *EscrowService) GetVault(ctx context.Context, addr escrow.Address) (*escrow.Vault, error) {
	return s.engine.Vault(ctx, addr)
}

func (s *EscrowService) GetBalance(ctx context.Context, addr escrow.Address) (decimal.Decimal, error) {
	return s.engine.Balance(ctx, addr)
}

func (s *EscrowService) DeriveVault(owner escrow.Address) escrow.Address {
	return s.engine.VaultAddress(owner)
}

// Deposit is the development faucet.
func (s *EscrowService) Deposit(ctx context.Context, addr escrow.Address, amount decimal.Decimal) (*comm.DepositRes, error) {
	if s.funder == nil {
		return nil, errors.New("deposits are disabled")
	}
	tref, err := s.funder.Deposit(ctx, addr, amount)
	if err != nil {
		return nil, err
	}
	balance, err := s.engine.Balance(ctx, addr)
	if err != nil {
		return nil, err
	}
	log.Infof("deposit %s credited %s to %s", tref, amount, addr)
	return &comm.DepositRes{Status: "success", TRef: tref, Balance: balance}, nil
}
