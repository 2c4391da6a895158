package bank

import (
	"errors"
	"fmt"
	"math/big"

	nhbstate "rentalescrow/core/state"
)

var (
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	ErrRecipientRejected   = errors.New("bank: recipient rejects value")
	ErrInvalidAmount       = errors.New("bank: amount must be non-negative")
)

// Ledger moves native value between accounts held in the state manager. It
// shares the manager with the escrow so a reverted transition also reverts
// every balance change it caused.
type Ledger struct {
	state *nhbstate.Manager
}

// NewLedger returns a ledger backed by the supplied state manager.
func NewLedger(state *nhbstate.Manager) *Ledger {
	return &Ledger{state: state}
}

func (l *Ledger) ready() error {
	if l == nil || l.state == nil {
		return fmt.Errorf("bank: state manager required")
	}
	return nil
}

// Balance returns the value held by addr.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	return l.state.Balance(addr[:])
}

// Transfer debits from and credits to. A zero amount is a no-op that still
// honours the recipient's rejection flag.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	rejects, err := l.state.RejectsValue(to[:])
	if err != nil {
		return err
	}
	if rejects {
		return fmt.Errorf("%w: %x", ErrRecipientRejected, to)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBalance, err := l.state.Balance(from[:])
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBalance, amount)
	}
	toBalance, err := l.state.Balance(to[:])
	if err != nil {
		return err
	}
	if err := l.state.SetBalance(from[:], new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.state.SetBalance(to[:], new(big.Int).Add(toBalance, amount))
}

// Credit mints value into addr. It backs genesis allocations and the
// development faucet.
func (l *Ledger) Credit(addr [20]byte, amount *big.Int) error {
	if err := l.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	balance, err := l.state.Balance(addr[:])
	if err != nil {
		return err
	}
	return l.state.SetBalance(addr[:], new(big.Int).Add(balance, amount))
}

// SetRejecting marks addr as refusing (or accepting again) incoming value.
func (l *Ledger) SetRejecting(addr [20]byte, rejects bool) error {
	if err := l.ready(); err != nil {
		return err
	}
	return l.state.SetRejectsValue(addr[:], rejects)
}
