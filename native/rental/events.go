package rental

import (
	"encoding/hex"
	"strconv"

	"rentalescrow/core/types"
	"rentalescrow/crypto"
)

const (
	EventTypeOpened            = "rental.opened"
	EventTypeAssetDeposited    = "rental.asset_deposited"
	EventTypeFundsDeposited    = "rental.funds_deposited"
	EventTypeStarted           = "rental.started"
	EventTypeAssetWithdrawn    = "rental.asset_withdrawn"
	EventTypeFundsWithdrawn    = "rental.funds_withdrawn"
	EventTypeReturned          = "rental.returned"
	EventTypeCollateralClaimed = "rental.collateral_claimed"
)

// NewOpenedEvent returns the canonical payload for a newly opened agreement.
func NewOpenedEvent(a *Agreement) *types.Event {
	evt := newRentalEvent(EventTypeOpened, a)
	if a != nil {
		evt.Attributes["assetContract"] = hex.EncodeToString(a.AssetContract[:])
		evt.Attributes["assetId"] = cloneBigInt(a.AssetID).String()
		evt.Attributes["dueAt"] = strconv.FormatInt(a.DueAt, 10)
		evt.Attributes["rentalFee"] = cloneBigInt(a.RentalFee).String()
		evt.Attributes["collateral"] = cloneBigInt(a.CollateralAmount).String()
		evt.Attributes["gracePeriod"] = strconv.FormatUint(a.CollateralGracePeriod, 10)
	}
	return evt
}

// NewStartedEvent is emitted by the deposit that completes the pair.
func NewStartedEvent(a *Agreement) *types.Event {
	evt := newRentalEvent(EventTypeStarted, a)
	if a != nil {
		evt.Attributes["startedAt"] = strconv.FormatInt(a.RentalStartedAt, 10)
		evt.Attributes["rentalFee"] = cloneBigInt(a.RentalFee).String()
	}
	return evt
}

// NewTransitionEvent returns the payload for a completed operation, listing
// every value payment the transition made keyed by its purpose.
func NewTransitionEvent(op Operation, a *Agreement, effects []Effect) *types.Event {
	evt := newRentalEvent(eventTypeFor(op), a)
	for _, eff := range effects {
		if eff.Kind != EffectPayValue || eff.Purpose == PurposeDeposit {
			continue
		}
		evt.Attributes[string(eff.Purpose)] = cloneBigInt(eff.Amount).String()
	}
	return evt
}

func eventTypeFor(op Operation) string {
	switch op {
	case OpDepositAsset:
		return EventTypeAssetDeposited
	case OpDepositFunds:
		return EventTypeFundsDeposited
	case OpWithdrawAsset:
		return EventTypeAssetWithdrawn
	case OpWithdrawFunds:
		return EventTypeFundsWithdrawn
	case OpReturnAsset:
		return EventTypeReturned
	case OpWithdrawCollateral:
		return EventTypeCollateralClaimed
	default:
		return "rental.unknown"
	}
}

func newRentalEvent(eventType string, a *Agreement) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeAgreement(a)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["lender"] = crypto.NewAddress(crypto.RentalPrefix, sanitized.Lender[:]).String()
	attrs["borrower"] = crypto.NewAddress(crypto.RentalPrefix, sanitized.Borrower[:]).String()
	attrs["status"] = sanitized.Status.String()
	attrs["collateralCollected"] = sanitized.CollateralCollected.String()
	return &types.Event{Type: eventType, Attributes: attrs}
}
