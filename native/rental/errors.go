package rental

import "errors"

// Errors returned by the escrow itself. Failures raised by the asset custody
// or value ledger collaborators are returned unchanged and never match these.
var (
	ErrUnauthorized      = errors.New("rental: unauthorized caller")
	ErrAlreadyDeposited  = errors.New("rental: already deposited")
	ErrInvalidState      = errors.New("rental: invalid state")
	ErrInsufficientValue = errors.New("rental: insufficient value")
	ErrExcessValue       = errors.New("rental: value exceeds required deposit")
	ErrNonTokenOwner     = errors.New("rental: lender does not own asset")
	ErrAgreementExists   = errors.New("rental: agreement already exists")
	ErrAgreementNotFound = errors.New("rental: agreement not found")

	errNilState   = errors.New("rental engine: state not configured")
	errNilCustody = errors.New("rental engine: asset custody not configured")
	errNilLedger  = errors.New("rental engine: value ledger not configured")
)
