package rental

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Status enumerates the explicit lifecycle states of a rental agreement.
type Status uint8

const (
	// StatusCreated: neither party has deposited.
	StatusCreated Status = iota
	// StatusAssetOnly: the vault holds the lender's asset, funds missing.
	StatusAssetOnly
	// StatusFundsOnly: the vault holds the borrower's funds, asset missing.
	StatusFundsOnly
	// StatusActive: both deposits landed, the borrower holds the asset.
	StatusActive
	// StatusDefaulted: the lender claimed the collateral while the borrower
	// still holds the asset.
	StatusDefaulted
	// StatusReturned: the asset came back after the grace period and the
	// collateral is still waiting for the lender's claim.
	StatusReturned
	// StatusSettled: nothing is left to move.
	StatusSettled
	// StatusCancelled: one party withdrew before the rental started.
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusCancelled
}

// Terminal reports whether no further asset or value movement is defined.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusAssetOnly:
		return "asset_only"
	case StatusFundsOnly:
		return "funds_only"
	case StatusActive:
		return "active"
	case StatusDefaulted:
		return "defaulted"
	case StatusReturned:
		return "returned"
	case StatusSettled:
		return "settled"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terms are the construction parameters of an agreement. They are the entire
// configuration surface of a rental and never change after Open.
type Terms struct {
	Lender                 [20]byte
	Borrower               [20]byte
	AssetContract          [20]byte
	AssetID                *big.Int
	DueAt                  int64
	RentalFee              *big.Int
	CollateralAmount       *big.Int
	CollateralGracePeriod  uint64
	EarlyTerminationWindow uint64
	Nonce                  uint64
}

// Agreement is the single long-lived record of a rental. Parties and terms
// are fixed at Open; the deposit flags, start timestamp, collateral counter
// and status move through the guarded transitions in machine.go.
type Agreement struct {
	ID                     [32]byte
	Lender                 [20]byte
	Borrower               [20]byte
	AssetContract          [20]byte
	AssetID                *big.Int
	Vault                  [20]byte
	DueAt                  int64
	RentalFee              *big.Int
	CollateralAmount       *big.Int
	CollateralGracePeriod  uint64
	EarlyTerminationWindow uint64
	CreatedAt              int64
	Nonce                  uint64

	AssetDeposited      bool
	FundsDeposited      bool
	RentalStartedAt     int64
	CollateralCollected *big.Int
	Status              Status
}

// DeriveID returns the deterministic identifier of an agreement.
func DeriveID(t Terms) [32]byte {
	var nonce [8]byte
	for i := 0; i < 8; i++ {
		nonce[7-i] = byte(t.Nonce >> (8 * i))
	}
	assetID := cloneBigInt(t.AssetID)
	return ethcrypto.Keccak256Hash(t.Lender[:], t.Borrower[:], t.AssetContract[:], assetID.Bytes(), nonce[:])
}

// DeriveVault returns the custody account holding the asset and the deposited
// value of the agreement with the given id.
func DeriveVault(id [32]byte) [20]byte {
	var vault [20]byte
	digest := ethcrypto.Keccak256([]byte("rental-vault"), id[:])
	copy(vault[:], digest[12:])
	return vault
}

// Clone returns a deep copy of the agreement so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Agreement) Clone() *Agreement {
	if a == nil {
		return nil
	}
	clone := *a
	clone.AssetID = cloneBigInt(a.AssetID)
	clone.RentalFee = cloneBigInt(a.RentalFee)
	clone.CollateralAmount = cloneBigInt(a.CollateralAmount)
	clone.CollateralCollected = cloneBigInt(a.CollateralCollected)
	return &clone
}

// RequiredDeposit is the exact value the borrower must attach to DepositFunds.
func (a *Agreement) RequiredDeposit() *big.Int {
	return new(big.Int).Add(cloneBigInt(a.RentalFee), cloneBigInt(a.CollateralAmount))
}

// RemainingCollateral is the part of the collateral not yet paid out.
func (a *Agreement) RemainingCollateral() *big.Int {
	remaining := new(big.Int).Sub(cloneBigInt(a.CollateralAmount), cloneBigInt(a.CollateralCollected))
	if remaining.Sign() < 0 {
		return big.NewInt(0)
	}
	return remaining
}

// GraceEndsAt is DueAt + CollateralGracePeriod, saturating at the int64 range.
func (a *Agreement) GraceEndsAt() int64 {
	return addSeconds(a.DueAt, a.CollateralGracePeriod)
}

// Started reports whether the rental-start sequence has run.
func (a *Agreement) Started() bool {
	return a.RentalStartedAt != 0
}

// VaultHoldsAsset reports whether the asset is currently in escrow custody.
func (a *Agreement) VaultHoldsAsset() bool {
	return a.Status == StatusAssetOnly
}

// SanitizeAgreement validates the supplied agreement and returns a cloned
// instance with non-nil amounts. The original value is not mutated.
func SanitizeAgreement(a *Agreement) (*Agreement, error) {
	if a == nil {
		return nil, fmt.Errorf("nil agreement")
	}
	clone := a.Clone()
	if clone.AssetID.Sign() < 0 {
		return nil, fmt.Errorf("asset id must be non-negative")
	}
	if clone.RentalFee.Sign() < 0 {
		return nil, fmt.Errorf("rental fee must be non-negative")
	}
	if clone.CollateralAmount.Sign() < 0 {
		return nil, fmt.Errorf("collateral amount must be non-negative")
	}
	if clone.CollateralCollected.Sign() < 0 || clone.CollateralCollected.Cmp(clone.CollateralAmount) > 0 {
		return nil, fmt.Errorf("collateral collected out of range")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid rental status: %d", clone.Status)
	}
	if clone.Started() != (clone.AssetDeposited && clone.FundsDeposited) {
		return nil, fmt.Errorf("rental start timestamp inconsistent with deposit flags")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func addSeconds(ts int64, secs uint64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if secs > uint64(maxInt64) || ts > maxInt64-int64(secs) {
		return maxInt64
	}
	return ts + int64(secs)
}
