package rental

import (
	"fmt"
	"math/big"
)

// Operation identifies one of the six caller-facing escrow operations.
type Operation uint8

const (
	OpDepositAsset Operation = iota + 1
	OpDepositFunds
	OpWithdrawAsset
	OpWithdrawFunds
	OpReturnAsset
	OpWithdrawCollateral
)

func (o Operation) String() string {
	switch o {
	case OpDepositAsset:
		return "deposit_asset"
	case OpDepositFunds:
		return "deposit_funds"
	case OpWithdrawAsset:
		return "withdraw_asset"
	case OpWithdrawFunds:
		return "withdraw_funds"
	case OpReturnAsset:
		return "return_asset"
	case OpWithdrawCollateral:
		return "withdraw_collateral"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Call is a single invocation of an operation.
type Call struct {
	Op     Operation
	Caller [20]byte
	// Value is the payment attached to OpDepositFunds.
	Value *big.Int
	// VaultBalance is the value currently held by the vault; OpWithdrawFunds
	// refunds all of it.
	VaultBalance *big.Int
}

// EffectKind distinguishes custody moves from value payments.
type EffectKind uint8

const (
	EffectMoveAsset EffectKind = iota + 1
	EffectPayValue
)

// Purpose labels why an effect happens; it ends up in events and metrics.
type Purpose string

const (
	PurposeCustody          Purpose = "custody"
	PurposeDeposit          Purpose = "deposit"
	PurposeFee              Purpose = "fee"
	PurposeHandover         Purpose = "handover"
	PurposeWithdrawal       Purpose = "withdrawal"
	PurposeRefund           Purpose = "refund"
	PurposeReturn           Purpose = "return"
	PurposeCollateralRefund Purpose = "collateral_refund"
	PurposeLatePenalty      Purpose = "late_penalty"
	PurposeCollateralClaim  Purpose = "collateral_claim"
)

// Effect is one external transfer required by a transition. Asset moves are
// always executed with the agreement vault as the operator.
type Effect struct {
	Kind    EffectKind
	Purpose Purpose
	From    [20]byte
	To      [20]byte
	Amount  *big.Int
}

func moveAsset(from, to [20]byte, purpose Purpose) Effect {
	return Effect{Kind: EffectMoveAsset, Purpose: purpose, From: from, To: to}
}

func payValue(from, to [20]byte, amount *big.Int, purpose Purpose) Effect {
	return Effect{Kind: EffectPayValue, Purpose: purpose, From: from, To: to, Amount: cloneBigInt(amount)}
}

// Transition applies call to current at time now. It never mutates current:
// on success it returns the next agreement together with the ordered list of
// transfers that must all succeed for the transition to take effect.
func Transition(current *Agreement, call Call, now int64) (*Agreement, []Effect, error) {
	if current == nil {
		return nil, nil, ErrAgreementNotFound
	}
	next := current.Clone()
	var (
		effects []Effect
		err     error
	)
	switch call.Op {
	case OpDepositAsset:
		effects, err = depositAsset(next, call, now)
	case OpDepositFunds:
		effects, err = depositFunds(next, call, now)
	case OpWithdrawAsset:
		effects, err = withdrawAsset(next, call)
	case OpWithdrawFunds:
		effects, err = withdrawFunds(next, call)
	case OpReturnAsset:
		effects, err = returnAsset(next, call, now)
	case OpWithdrawCollateral:
		effects, err = withdrawCollateral(next, call, now)
	default:
		return nil, nil, fmt.Errorf("rental: unknown operation %d", call.Op)
	}
	if err != nil {
		return nil, nil, err
	}
	return next, effects, nil
}

func depositAsset(a *Agreement, call Call, now int64) ([]Effect, error) {
	if call.Caller != a.Lender {
		return nil, fmt.Errorf("%w: only the lender deposits the asset", ErrUnauthorized)
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: agreement is %s", ErrInvalidState, a.Status)
	}
	if a.AssetDeposited {
		return nil, fmt.Errorf("%w: asset", ErrAlreadyDeposited)
	}
	if a.Status != StatusCreated && a.Status != StatusFundsOnly {
		return nil, fmt.Errorf("%w: cannot deposit asset in status %s", ErrInvalidState, a.Status)
	}
	effects := []Effect{moveAsset(a.Lender, a.Vault, PurposeCustody)}
	a.AssetDeposited = true
	a.Status = StatusAssetOnly
	if a.FundsDeposited {
		effects = append(effects, startRental(a, now)...)
	}
	return effects, nil
}

func depositFunds(a *Agreement, call Call, now int64) ([]Effect, error) {
	if call.Caller != a.Borrower {
		return nil, fmt.Errorf("%w: only the borrower deposits funds", ErrUnauthorized)
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: agreement is %s", ErrInvalidState, a.Status)
	}
	if a.FundsDeposited {
		return nil, fmt.Errorf("%w: funds", ErrAlreadyDeposited)
	}
	if a.Status != StatusCreated && a.Status != StatusAssetOnly {
		return nil, fmt.Errorf("%w: cannot deposit funds in status %s", ErrInvalidState, a.Status)
	}
	value := cloneBigInt(call.Value)
	required := a.RequiredDeposit()
	switch value.Cmp(required) {
	case -1:
		return nil, fmt.Errorf("%w: got %s, need %s", ErrInsufficientValue, value, required)
	case 1:
		return nil, fmt.Errorf("%w: got %s, need %s", ErrExcessValue, value, required)
	}
	effects := []Effect{payValue(a.Borrower, a.Vault, value, PurposeDeposit)}
	a.FundsDeposited = true
	a.Status = StatusFundsOnly
	if a.AssetDeposited {
		effects = append(effects, startRental(a, now)...)
	}
	return effects, nil
}

// startRental is the irreversible move out of the pending states. It only
// runs from the deposit that completes the pair.
func startRental(a *Agreement, now int64) []Effect {
	effects := []Effect{
		payValue(a.Vault, a.Lender, a.RentalFee, PurposeFee),
		moveAsset(a.Vault, a.Borrower, PurposeHandover),
	}
	// Zero is reserved for "never started".
	if now <= 0 {
		now = 1
	}
	a.RentalStartedAt = now
	a.Status = StatusActive
	return effects
}

func withdrawAsset(a *Agreement, call Call) ([]Effect, error) {
	if call.Caller != a.Lender {
		return nil, fmt.Errorf("%w: only the lender withdraws the asset", ErrUnauthorized)
	}
	if !a.VaultHoldsAsset() {
		return nil, fmt.Errorf("%w: cannot withdraw asset in status %s", ErrInvalidState, a.Status)
	}
	a.Status = StatusCancelled
	return []Effect{moveAsset(a.Vault, a.Lender, PurposeWithdrawal)}, nil
}

func withdrawFunds(a *Agreement, call Call) ([]Effect, error) {
	if call.Caller != a.Borrower {
		return nil, fmt.Errorf("%w: only the borrower withdraws funds", ErrUnauthorized)
	}
	if a.Status != StatusFundsOnly {
		return nil, fmt.Errorf("%w: cannot withdraw funds in status %s", ErrInvalidState, a.Status)
	}
	a.Status = StatusCancelled
	return []Effect{payValue(a.Vault, a.Borrower, call.VaultBalance, PurposeRefund)}, nil
}

func returnAsset(a *Agreement, call Call, now int64) ([]Effect, error) {
	if call.Caller != a.Borrower {
		return nil, fmt.Errorf("%w: only the borrower returns the asset", ErrUnauthorized)
	}
	if a.Status != StatusActive && a.Status != StatusDefaulted {
		return nil, fmt.Errorf("%w: cannot return asset in status %s", ErrInvalidState, a.Status)
	}
	remaining := a.RemainingCollateral()
	back := moveAsset(a.Borrower, a.Lender, PurposeReturn)
	switch {
	case now <= a.DueAt:
		a.CollateralCollected = cloneBigInt(a.CollateralAmount)
		a.Status = StatusSettled
		return []Effect{back, payValue(a.Vault, a.Borrower, remaining, PurposeCollateralRefund)}, nil
	case now < a.GraceEndsAt():
		elapsed := uint64(now) - uint64(a.DueAt)
		lenderShare, borrowerShare, err := LateSplit(remaining, elapsed, a.CollateralGracePeriod)
		if err != nil {
			return nil, err
		}
		a.CollateralCollected = cloneBigInt(a.CollateralAmount)
		a.Status = StatusSettled
		return []Effect{
			payValue(a.Vault, a.Lender, lenderShare, PurposeLatePenalty),
			payValue(a.Vault, a.Borrower, borrowerShare, PurposeCollateralRefund),
			back,
		}, nil
	default:
		if remaining.Sign() == 0 {
			a.Status = StatusSettled
		} else {
			a.Status = StatusReturned
		}
		return []Effect{back}, nil
	}
}

func withdrawCollateral(a *Agreement, call Call, now int64) ([]Effect, error) {
	if call.Caller != a.Lender {
		return nil, fmt.Errorf("%w: only the lender claims collateral", ErrUnauthorized)
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: agreement is %s", ErrInvalidState, a.Status)
	}
	if now < a.GraceEndsAt() {
		return nil, fmt.Errorf("%w: grace period has not ended", ErrInvalidState)
	}
	remaining := a.RemainingCollateral()
	if remaining.Sign() == 0 {
		return nil, fmt.Errorf("%w: collateral already collected", ErrInvalidState)
	}
	effects := []Effect{payValue(a.Vault, a.Lender, remaining, PurposeCollateralClaim)}
	switch {
	case a.VaultHoldsAsset():
		effects = append(effects, moveAsset(a.Vault, a.Borrower, PurposeHandover))
		a.Status = StatusSettled
	case a.Status == StatusActive:
		a.Status = StatusDefaulted
	case a.Status == StatusReturned:
		a.Status = StatusSettled
	case a.Status == StatusFundsOnly:
		// The borrower can still reclaim whatever the claim left behind.
	default:
		return nil, fmt.Errorf("%w: cannot claim collateral in status %s", ErrInvalidState, a.Status)
	}
	a.CollateralCollected = cloneBigInt(a.CollateralAmount)
	return effects, nil
}
