package state

import (
	"fmt"
	"math/big"

	"rentalescrow/native/rental"
)

var rentalPrefix = []byte("rental/agreement/")

func rentalKey(id [32]byte) []byte {
	buf := make([]byte, len(rentalPrefix)+len(id))
	copy(buf, rentalPrefix)
	copy(buf[len(rentalPrefix):], id[:])
	return buf
}

// storedAgreement is the RLP layout of an agreement. RLP has no signed
// integers, so timestamps are stored as uint64 two's complement.
type storedAgreement struct {
	ID                     [32]byte
	Lender                 [20]byte
	Borrower               [20]byte
	AssetContract          [20]byte
	AssetID                *big.Int
	Vault                  [20]byte
	DueAt                  uint64
	RentalFee              *big.Int
	CollateralAmount       *big.Int
	CollateralGracePeriod  uint64
	EarlyTerminationWindow uint64
	CreatedAt              uint64
	Nonce                  uint64
	AssetDeposited         bool
	FundsDeposited         bool
	RentalStartedAt        uint64
	CollateralCollected    *big.Int
	Status                 uint8
}

func newStoredAgreement(a *rental.Agreement) *storedAgreement {
	return &storedAgreement{
		ID:                     a.ID,
		Lender:                 a.Lender,
		Borrower:               a.Borrower,
		AssetContract:          a.AssetContract,
		AssetID:                a.AssetID,
		Vault:                  a.Vault,
		DueAt:                  uint64(a.DueAt),
		RentalFee:              a.RentalFee,
		CollateralAmount:       a.CollateralAmount,
		CollateralGracePeriod:  a.CollateralGracePeriod,
		EarlyTerminationWindow: a.EarlyTerminationWindow,
		CreatedAt:              uint64(a.CreatedAt),
		Nonce:                  a.Nonce,
		AssetDeposited:         a.AssetDeposited,
		FundsDeposited:         a.FundsDeposited,
		RentalStartedAt:        uint64(a.RentalStartedAt),
		CollateralCollected:    a.CollateralCollected,
		Status:                 uint8(a.Status),
	}
}

func (s *storedAgreement) toAgreement() *rental.Agreement {
	return &rental.Agreement{
		ID:                     s.ID,
		Lender:                 s.Lender,
		Borrower:               s.Borrower,
		AssetContract:          s.AssetContract,
		AssetID:                s.AssetID,
		Vault:                  s.Vault,
		DueAt:                  int64(s.DueAt),
		RentalFee:              s.RentalFee,
		CollateralAmount:       s.CollateralAmount,
		CollateralGracePeriod:  s.CollateralGracePeriod,
		EarlyTerminationWindow: s.EarlyTerminationWindow,
		CreatedAt:              int64(s.CreatedAt),
		Nonce:                  s.Nonce,
		AssetDeposited:         s.AssetDeposited,
		FundsDeposited:         s.FundsDeposited,
		RentalStartedAt:        int64(s.RentalStartedAt),
		CollateralCollected:    s.CollateralCollected,
		Status:                 rental.Status(s.Status),
	}
}

// RentalPut validates and stores an agreement.
func (m *Manager) RentalPut(a *rental.Agreement) error {
	if a == nil {
		return fmt.Errorf("nil agreement")
	}
	sanitized, err := rental.SanitizeAgreement(a)
	if err != nil {
		return err
	}
	return m.KVPut(rentalKey(sanitized.ID), newStoredAgreement(sanitized))
}

// RentalGet loads the agreement with the given id. The boolean reports
// whether it exists.
func (m *Manager) RentalGet(id [32]byte) (*rental.Agreement, bool, error) {
	stored := new(storedAgreement)
	ok, err := m.KVGet(rentalKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	agreement, err := rental.SanitizeAgreement(stored.toAgreement())
	if err != nil {
		return nil, false, fmt.Errorf("decode agreement: %w", err)
	}
	return agreement, true, nil
}
