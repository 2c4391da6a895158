package rpc

import (
	"fmt"
	"math/big"
	"net/http"

	"rentalescrow/crypto"
)

type balanceParams struct {
	Address string `json:"address"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type creditParams struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

type tokenParams struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
}

type ownerResult struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	Owner    string `json:"owner"`
	Approved string `json:"approved,omitempty"`
}

type approveParams struct {
	Caller   string `json:"caller"`
	Operator string `json:"operator"`
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
}

type mintParams struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	Owner    string `json:"owner"`
}

func (s *Server) handleBankBalance(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params balanceParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("address: %w", err))
	}
	var balance *big.Int
	err = s.deps.State.View(func() error {
		var err error
		balance, err = s.deps.Ledger.Balance(addr)
		return err
	})
	if err != nil {
		return nil, rentalError(err)
	}
	return balanceResult{Address: crypto.FormatAddress(addr), Balance: balance.String()}, nil
}

func (s *Server) handleBankCredit(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params creditParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("address: %w", err))
	}
	amount, err := parseNonNegativeBigInt(params.Amount)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("amount: %w", err))
	}
	var balance *big.Int
	err = s.deps.State.Atomic(func() error {
		if err := s.deps.Ledger.Credit(addr, amount); err != nil {
			return err
		}
		var err error
		balance, err = s.deps.Ledger.Balance(addr)
		return err
	})
	if err != nil {
		return nil, rentalError(err)
	}
	return balanceResult{Address: crypto.FormatAddress(addr), Balance: balance.String()}, nil
}

func parseToken(contract, tokenID string) ([20]byte, *big.Int, *RPCError) {
	addr, err := parseBech32Address(contract)
	if err != nil {
		return [20]byte{}, nil, invalidParams(fmt.Errorf("contract: %w", err))
	}
	id, err := parseNonNegativeBigInt(tokenID)
	if err != nil {
		return [20]byte{}, nil, invalidParams(fmt.Errorf("tokenId: %w", err))
	}
	return addr, id, nil
}

func (s *Server) handleNFTOwnerOf(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params tokenParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	contract, id, rpcErr := parseToken(params.Contract, params.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	result := ownerResult{Contract: crypto.FormatAddress(contract), TokenID: id.String()}
	err := s.deps.State.View(func() error {
		owner, err := s.deps.Registry.OwnerOf(contract, id)
		if err != nil {
			return err
		}
		result.Owner = crypto.FormatAddress(owner)
		approved, ok, err := s.deps.Registry.Approved(contract, id)
		if err != nil {
			return err
		}
		if ok {
			result.Approved = crypto.FormatAddress(approved)
		}
		return nil
	})
	if err != nil {
		return nil, rentalError(err)
	}
	return result, nil
}

func (s *Server) handleNFTApprove(r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params approveParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("caller: %w", err))
	}
	operator, err := parseBech32Address(params.Operator)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("operator: %w", err))
	}
	contract, id, rpcErr := parseToken(params.Contract, params.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if authErr := s.auth.requireCaller(r, caller); authErr != nil {
		return nil, authErr
	}
	err = s.deps.State.Atomic(func() error {
		return s.deps.Registry.Approve(caller, operator, contract, id)
	})
	if err != nil {
		return nil, rentalError(err)
	}
	return ownerResult{
		Contract: crypto.FormatAddress(contract),
		TokenID:  id.String(),
		Owner:    crypto.FormatAddress(caller),
		Approved: crypto.FormatAddress(operator),
	}, nil
}

func (s *Server) handleNFTMint(_ *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	var params mintParams
	if rpcErr := singleParam(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	contract, id, rpcErr := parseToken(params.Contract, params.TokenID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		return nil, invalidParams(fmt.Errorf("owner: %w", err))
	}
	err = s.deps.State.Atomic(func() error {
		return s.deps.Registry.Mint(contract, owner, id)
	})
	if err != nil {
		return nil, rentalError(err)
	}
	return ownerResult{Contract: crypto.FormatAddress(contract), TokenID: id.String(), Owner: crypto.FormatAddress(owner)}, nil
}
