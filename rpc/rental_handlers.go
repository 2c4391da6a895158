package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"rentalescrow/crypto"
	"rentalescrow/native/bank"
	"rentalescrow/native/nft"
	"rentalescrow/native/rental"
)

const (
	codeRentalInvalidParams = -32031
	codeRentalNotFound      = -32032
	codeRentalForbidden     = -32033
	codeRentalConflict      = -32034
	codeRentalValue         = -32035
	codeRentalTransfer      = -32036
	codeRentalUnavailable   = -32037
	codeRentalInternal      = -32039
)

type rentalOpenParams struct {
	Lender                 string `json:"lender"`
	Borrower               string `json:"borrower"`
	AssetContract          string `json:"assetContract"`
	AssetID                string `json:"assetId"`
	DueAt                  int64  `json:"dueAt"`
	RentalFee              string `json:"rentalFee"`
	Collateral             string `json:"collateral"`
	GracePeriod            uint64 `json:"gracePeriod"`
	EarlyTerminationWindow uint64 `json:"earlyTerminationWindow"`
	Nonce                  uint64 `json:"nonce"`
}

type rentalIDParams struct {
	ID string `json:"id"`
}

type rentalActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type rentalFundParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Value  string `json:"value"`
}

type rentalHistoryParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

type agreementJSON struct {
	ID                     string `json:"id"`
	Lender                 string `json:"lender"`
	Borrower               string `json:"borrower"`
	AssetContract          string `json:"assetContract"`
	AssetID                string `json:"assetId"`
	Vault                  string `json:"vault"`
	DueAt                  int64  `json:"dueAt"`
	RentalFee              string `json:"rentalFee"`
	CollateralAmount       string `json:"collateral"`
	GracePeriod            uint64 `json:"gracePeriod"`
	EarlyTerminationWindow uint64 `json:"earlyTerminationWindow"`
	CreatedAt              int64  `json:"createdAt"`
	Nonce                  uint64 `json:"nonce"`
	AssetDeposited         bool   `json:"assetDeposited"`
	FundsDeposited         bool   `json:"fundsDeposited"`
	RentalStartedAt        int64  `json:"rentalStartedAt"`
	CollateralCollected    string `json:"collateralCollected"`
	Status                 string `json:"status"`
	VaultBalance           string `json:"vaultBalance"`
}

func formatAgreementJSON(a *rental.Agreement, vaultBalance *big.Int) agreementJSON {
	balance := "0"
	if vaultBalance != nil {
		balance = vaultBalance.String()
	}
	return agreementJSON{
		ID:                     "0x" + hex.EncodeToString(a.ID[:]),
		Lender:                 crypto.FormatAddress(a.Lender),
		Borrower:               crypto.FormatAddress(a.Borrower),
		AssetContract:          crypto.FormatAddress(a.AssetContract),
		AssetID:                a.AssetID.String(),
		Vault:                  crypto.FormatAddress(a.Vault),
		DueAt:                  a.DueAt,
		RentalFee:              a.RentalFee.String(),
		CollateralAmount:       a.CollateralAmount.String(),
		GracePeriod:            a.CollateralGracePeriod,
		EarlyTerminationWindow: a.EarlyTerminationWindow,
		CreatedAt:              a.CreatedAt,
		Nonce:                  a.Nonce,
		AssetDeposited:         a.AssetDeposited,
		FundsDeposited:         a.FundsDeposited,
		RentalStartedAt:        a.RentalStartedAt,
		CollateralCollected:    a.CollateralCollected.String(),
		Status:                 a.Status.String(),
		VaultBalance:           balance,
	}
}

func invalidParams(err error) *RPCError {
	return &RPCError{Code: codeRentalInvalidParams, Message: "invalid_params", Data: err.Error()}
}

// rentalError maps escrow and collaborator failures onto RPC errors.
// Collaborator failures keep their own message so clients can tell a
// rejected transfer from a rejected escrow call.
func rentalError(err error) *RPCError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rental.ErrAgreementNotFound):
		return &RPCError{Code: codeRentalNotFound, Message: "not_found", Data: err.Error()}
	case errors.Is(err, rental.ErrUnauthorized):
		return &RPCError{Code: codeRentalForbidden, Message: "unauthorized", Data: err.Error()}
	case errors.Is(err, rental.ErrAlreadyDeposited):
		return &RPCError{Code: codeRentalConflict, Message: "already_deposited", Data: err.Error()}
	case errors.Is(err, rental.ErrInvalidState):
		return &RPCError{Code: codeRentalConflict, Message: "invalid_state", Data: err.Error()}
	case errors.Is(err, rental.ErrAgreementExists):
		return &RPCError{Code: codeRentalConflict, Message: "agreement_exists", Data: err.Error()}
	case errors.Is(err, rental.ErrInsufficientValue):
		return &RPCError{Code: codeRentalValue, Message: "insufficient_value", Data: err.Error()}
	case errors.Is(err, rental.ErrExcessValue):
		return &RPCError{Code: codeRentalValue, Message: "excess_value", Data: err.Error()}
	case errors.Is(err, rental.ErrNonTokenOwner):
		return &RPCError{Code: codeRentalForbidden, Message: "non_token_owner", Data: err.Error()}
	case errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrRecipientRejected),
		errors.Is(err, bank.ErrInvalidAmount):
		return &RPCError{Code: codeRentalTransfer, Message: "value_transfer_failed", Data: err.Error()}
	case errors.Is(err, nft.ErrNotOwner),
		errors.Is(err, nft.ErrNotApproved),
		errors.Is(err, nft.ErrTokenNotFound),
		errors.Is(err, nft.ErrTokenExists),
		errors.Is(err, nft.ErrInvalidToken):
		return &RPCError{Code: codeRentalTransfer, Message: "asset_transfer_failed", Data: err.Error()}
	default:
		return &RPCError{Code: codeRentalInternal, Message: "internal_error", Data: err.Error()}
	}
}

func parseBech32Address(addr string) ([20]byte, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return [20]byte{}, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return [20]byte{}, err
	}
	return decoded.Array(), nil
}

func parseAgreementID(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("invalid id: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	copy(out[:], decoded)
	return out, nil
}

func parseNonNegativeBigInt(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return amount, nil
}

func (s *Server) agreementResult(id [32]byte) (interface{}, *RPCError) {
	agreement, err := s.deps.Engine.Get(id)
	if err != nil {
		return nil, rentalError(err)
	}
	var balance *big.Int
	err = s.deps.State.View(func() error {
		var err error
		balance, err = s.deps.Ledger.Balance(agreement.Vault)
		return err
	})
	if err != nil {
		return nil, rentalError(err)
	}
	return formatAgreementJSON(agreement, balance), nil
}

func (s *Server) handleRentalOpen(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params rentalOpenParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	lender, err := parseBech32Address(params.Lender)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("lender: %w", err))
	}
	borrower, err := parseBech32Address(params.Borrower)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("borrower: %w", err))
	}
	contract, err := parseBech32Address(params.AssetContract)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("assetContract: %w", err))
	}
	assetID, err := parseNonNegativeBigInt(params.AssetID)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("assetId: %w", err))
	}
	fee, err := parseNonNegativeBigInt(params.RentalFee)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("rentalFee: %w", err))
	}
	collateral, err := parseNonNegativeBigInt(params.Collateral)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("collateral: %w", err))
	}
	if authErr := s.auth.requireCaller(r, lender, borrower); authErr != nil {
		return nil, authErr
	}
	agreement, err := s.deps.Engine.Open(rental.Terms{
		Lender:                 lender,
		Borrower:               borrower,
		AssetContract:          contract,
		AssetID:                assetID,
		DueAt:                  params.DueAt,
		RentalFee:              fee,
		CollateralAmount:       collateral,
		CollateralGracePeriod:  params.GracePeriod,
		EarlyTerminationWindow: params.EarlyTerminationWindow,
		Nonce:                  params.Nonce,
	})
	if err != nil {
		return nil, rentalError(err)
	}
	return formatAgreementJSON(agreement, big.NewInt(0)), nil
}

func (s *Server) handleRentalGet(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params rentalIDParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		return nil, invalidParams(err)
	}
	return s.agreementResult(id)
}

// actorCall parses {id, caller}, binds the caller to the token subject and
// runs op.
func (s *Server) actorCall(r *http.Request, req *RPCRequest, op func(id [32]byte, caller [20]byte) error) (interface{}, *RPCError) {
	var params rentalActorParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		return nil, invalidParams(err)
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	if authErr := s.auth.requireCaller(r, caller); authErr != nil {
		return nil, authErr
	}
	if err := op(id, caller); err != nil {
		return nil, rentalError(err)
	}
	return s.agreementResult(id)
}

func (s *Server) handleRentalDepositAsset(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.actorCall(r, req, s.deps.Engine.DepositAsset)
}

func (s *Server) handleRentalWithdrawAsset(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.actorCall(r, req, s.deps.Engine.WithdrawAsset)
}

func (s *Server) handleRentalWithdrawFunds(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.actorCall(r, req, s.deps.Engine.WithdrawFunds)
}

func (s *Server) handleRentalReturnAsset(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.actorCall(r, req, s.deps.Engine.ReturnAsset)
}

func (s *Server) handleRentalWithdrawCollateral(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	return s.actorCall(r, req, s.deps.Engine.WithdrawCollateral)
}

func (s *Server) handleRentalDepositFunds(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params rentalFundParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	value, err := parseNonNegativeBigInt(params.Value)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("value: %w", err))
	}
	actor := rentalActorParams{ID: params.ID, Caller: params.Caller}
	raw, err := json.Marshal(actor)
	if err != nil {
		return nil, invalidParams(err)
	}
	forwarded := &RPCRequest{JSONRPC: req.JSONRPC, Method: req.Method, ID: req.ID, Params: []json.RawMessage{raw}}
	return s.actorCall(r, forwarded, func(id [32]byte, caller [20]byte) error {
		return s.deps.Engine.DepositFunds(id, caller, value)
	})
}

func (s *Server) handleRentalHistory(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if s.deps.Journal == nil {
		return nil, &RPCError{Code: codeRentalUnavailable, Message: "journal_disabled"}
	}
	var params rentalHistoryParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	id, err := parseAgreementID(params.ID)
	if err != nil {
		return nil, invalidParams(err)
	}
	history, err := s.deps.Journal.History(r.Context(), hex.EncodeToString(id[:]), params.Limit)
	if err != nil {
		return nil, &RPCError{Code: codeRentalInternal, Message: "internal_error", Data: err.Error()}
	}
	return history, nil
}
