package rental

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"rentalescrow/core/events"
	"rentalescrow/core/types"
	"rentalescrow/observability/metrics"
)

// AssetCustody is the unique-asset ownership service. TransferFrom must fail
// unless operator is the current owner or an approved operator of the asset.
type AssetCustody interface {
	OwnerOf(contract [20]byte, id *big.Int) ([20]byte, error)
	TransferFrom(operator, from, to, contract [20]byte, id *big.Int) error
}

// ValueLedger moves native value between accounts. Transfer may fail, for
// example when the recipient refuses value.
type ValueLedger interface {
	Balance(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

// engineState persists agreements. Atomic must discard every write made by
// fn, including the collaborators' writes, when fn returns an error.
type engineState interface {
	RentalPut(*Agreement) error
	RentalGet(id [32]byte) (*Agreement, bool, error)
	Atomic(fn func() error) error
	View(fn func() error) error
}

type rentalEvent struct {
	evt *types.Event
}

func (e rentalEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e rentalEvent) Event() *types.Event { return e.evt }

// Engine wires the rental state machine with the state backend, the two
// transfer collaborators, a clock and an event emitter. Every operation runs
// inside one state.Atomic call, so the engine observes a single global
// ordering and a failing collaborator leaves no trace.
type Engine struct {
	state   engineState
	custody AssetCustody
	ledger  ValueLedger
	emitter events.Emitter
	metrics *metrics.RentalMetrics
	nowFn   func() int64
}

// NewEngine creates a rental engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		metrics: metrics.Rental(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAssetCustody configures the asset ownership service.
func (e *Engine) SetAssetCustody(custody AssetCustody) { e.custody = custody }

// SetValueLedger configures the native-value transfer service.
func (e *Engine) SetValueLedger(ledger ValueLedger) { e.ledger = ledger }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(rentalEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.custody == nil {
		return errNilCustody
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) loadAgreement(id [32]byte) (*Agreement, error) {
	agreement, ok, err := e.state.RentalGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAgreementNotFound
	}
	return agreement, nil
}

// Open validates the terms against the collaborators and persists a new
// agreement. The lender must own the asset and the borrower must hold at
// least fee + collateral; nothing else about the terms is checked.
func (e *Engine) Open(terms Terms) (*Agreement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	fee := cloneBigInt(terms.RentalFee)
	collateral := cloneBigInt(terms.CollateralAmount)
	if fee.Sign() < 0 || collateral.Sign() < 0 {
		return nil, fmt.Errorf("rental: amounts must be non-negative")
	}
	id := DeriveID(terms)
	agreement := &Agreement{
		ID:                     id,
		Lender:                 terms.Lender,
		Borrower:               terms.Borrower,
		AssetContract:          terms.AssetContract,
		AssetID:                cloneBigInt(terms.AssetID),
		Vault:                  DeriveVault(id),
		DueAt:                  terms.DueAt,
		RentalFee:              fee,
		CollateralAmount:       collateral,
		CollateralGracePeriod:  terms.CollateralGracePeriod,
		EarlyTerminationWindow: terms.EarlyTerminationWindow,
		CreatedAt:              e.now(),
		Nonce:                  terms.Nonce,
		CollateralCollected:    big.NewInt(0),
		Status:                 StatusCreated,
	}
	err := e.state.Atomic(func() error {
		if _, exists, err := e.state.RentalGet(id); err != nil {
			return err
		} else if exists {
			return ErrAgreementExists
		}
		owner, err := e.custody.OwnerOf(terms.AssetContract, agreement.AssetID)
		if err != nil {
			return err
		}
		if owner != terms.Lender {
			return ErrNonTokenOwner
		}
		balance, err := e.ledger.Balance(terms.Borrower)
		if err != nil {
			return err
		}
		if balance.Cmp(agreement.RequiredDeposit()) < 0 {
			return fmt.Errorf("%w: borrower balance %s below %s", ErrInsufficientValue, balance, agreement.RequiredDeposit())
		}
		return e.state.RentalPut(agreement)
	})
	e.metrics.ObserveOperation("open", err)
	if err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(agreement))
	return agreement.Clone(), nil
}

// Get returns a copy of the stored agreement.
func (e *Engine) Get(id [32]byte) (*Agreement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var agreement *Agreement
	err := e.state.View(func() error {
		var err error
		agreement, err = e.loadAgreement(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return agreement, nil
}

// DepositAsset moves the asset from the lender into the vault and starts the
// rental when the borrower's funds are already in place.
func (e *Engine) DepositAsset(id [32]byte, caller [20]byte) error {
	_, err := e.apply(id, Call{Op: OpDepositAsset, Caller: caller})
	return err
}

// DepositFunds moves value from the borrower into the vault and starts the
// rental when the asset is already in place. value must equal fee +
// collateral exactly.
func (e *Engine) DepositFunds(id [32]byte, caller [20]byte, value *big.Int) error {
	_, err := e.apply(id, Call{Op: OpDepositFunds, Caller: caller, Value: cloneBigInt(value)})
	return err
}

// WithdrawAsset hands the asset back to the lender before the rental starts.
func (e *Engine) WithdrawAsset(id [32]byte, caller [20]byte) error {
	_, err := e.apply(id, Call{Op: OpWithdrawAsset, Caller: caller})
	return err
}

// WithdrawFunds refunds the whole vault balance to the borrower before the
// rental starts.
func (e *Engine) WithdrawFunds(id [32]byte, caller [20]byte) error {
	_, err := e.apply(id, Call{Op: OpWithdrawFunds, Caller: caller})
	return err
}

// ReturnAsset moves the asset back to the lender and settles the collateral
// according to how late the return is.
func (e *Engine) ReturnAsset(id [32]byte, caller [20]byte) error {
	_, err := e.apply(id, Call{Op: OpReturnAsset, Caller: caller})
	return err
}

// WithdrawCollateral lets the lender claim the remaining collateral once the
// grace period is over.
func (e *Engine) WithdrawCollateral(id [32]byte, caller [20]byte) error {
	_, err := e.apply(id, Call{Op: OpWithdrawCollateral, Caller: caller})
	return err
}

func (e *Engine) apply(id [32]byte, call Call) (*Agreement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var (
		next    *Agreement
		effects []Effect
	)
	now := e.now()
	err := e.state.Atomic(func() error {
		current, err := e.loadAgreement(id)
		if err != nil {
			return err
		}
		if call.Op == OpWithdrawFunds {
			balance, err := e.ledger.Balance(current.Vault)
			if err != nil {
				return err
			}
			call.VaultBalance = balance
		}
		next, effects, err = Transition(current, call, now)
		if err != nil {
			return err
		}
		if err := e.state.RentalPut(next); err != nil {
			return err
		}
		for _, eff := range effects {
			if err := e.execute(next, eff); err != nil {
				return err
			}
		}
		return nil
	})
	e.metrics.ObserveOperation(call.Op.String(), err)
	if err != nil {
		return nil, err
	}
	for _, eff := range effects {
		if eff.Kind == EffectPayValue {
			e.metrics.ObservePayout(string(eff.Purpose), eff.Amount)
		}
	}
	e.emit(NewTransitionEvent(call.Op, next, effects))
	if call.Op == OpDepositAsset || call.Op == OpDepositFunds {
		if next.Status == StatusActive {
			e.emit(NewStartedEvent(next))
		}
	}
	return next.Clone(), nil
}

func (e *Engine) execute(a *Agreement, eff Effect) error {
	switch eff.Kind {
	case EffectMoveAsset:
		return e.custody.TransferFrom(a.Vault, eff.From, eff.To, a.AssetContract, a.AssetID)
	case EffectPayValue:
		amount := cloneBigInt(eff.Amount)
		if amount.Sign() == 0 {
			return nil
		}
		return e.ledger.Transfer(eff.From, eff.To, amount)
	default:
		return errors.New("rental: unknown effect")
	}
}
