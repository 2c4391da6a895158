package nft

import (
	"errors"
	"fmt"
	"math/big"

	nhbstate "rentalescrow/core/state"
)

var (
	ErrTokenNotFound = errors.New("nft: token not found")
	ErrTokenExists   = errors.New("nft: token already minted")
	ErrNotOwner      = errors.New("nft: from is not the token owner")
	ErrNotApproved   = errors.New("nft: operator not approved")
	ErrInvalidToken  = errors.New("nft: invalid token id")
)

var (
	ownerPrefix    = []byte("nft/owner/")
	approvedPrefix = []byte("nft/approved/")
	operatorPrefix = []byte("nft/operator/")
)

// Registry is a minimal unique-asset registry: one owner per (contract, id),
// one approved address per token and per-owner operators. Records live in the
// shared state manager so they roll back together with the escrow.
type Registry struct {
	state *nhbstate.Manager
}

// NewRegistry returns a registry backed by the supplied state manager.
func NewRegistry(state *nhbstate.Manager) *Registry {
	return &Registry{state: state}
}

func tokenKey(prefix []byte, contract [20]byte, id *big.Int) []byte {
	idBytes := id.Bytes()
	buf := make([]byte, 0, len(prefix)+len(contract)+len(idBytes))
	buf = append(buf, prefix...)
	buf = append(buf, contract[:]...)
	return append(buf, idBytes...)
}

func operatorKey(contract, owner, operator [20]byte) []byte {
	buf := make([]byte, 0, len(operatorPrefix)+60)
	buf = append(buf, operatorPrefix...)
	buf = append(buf, contract[:]...)
	buf = append(buf, owner[:]...)
	return append(buf, operator[:]...)
}

func validID(id *big.Int) error {
	if id == nil || id.Sign() < 0 {
		return ErrInvalidToken
	}
	return nil
}

func (r *Registry) ready() error {
	if r == nil || r.state == nil {
		return fmt.Errorf("nft: state manager required")
	}
	return nil
}

// Mint assigns a new token to owner.
func (r *Registry) Mint(contract, owner [20]byte, id *big.Int) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := validID(id); err != nil {
		return err
	}
	var existing [20]byte
	ok, err := r.state.KVGet(tokenKey(ownerPrefix, contract, id), &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %x/%s", ErrTokenExists, contract, id)
	}
	return r.state.KVPut(tokenKey(ownerPrefix, contract, id), owner)
}

// OwnerOf returns the current owner of the token.
func (r *Registry) OwnerOf(contract [20]byte, id *big.Int) ([20]byte, error) {
	var owner [20]byte
	if err := r.ready(); err != nil {
		return owner, err
	}
	if err := validID(id); err != nil {
		return owner, err
	}
	ok, err := r.state.KVGet(tokenKey(ownerPrefix, contract, id), &owner)
	if err != nil {
		return owner, err
	}
	if !ok {
		return owner, fmt.Errorf("%w: %x/%s", ErrTokenNotFound, contract, id)
	}
	return owner, nil
}

// Approved returns the single address approved for the token, if any.
func (r *Registry) Approved(contract [20]byte, id *big.Int) ([20]byte, bool, error) {
	var approved [20]byte
	if err := r.ready(); err != nil {
		return approved, false, err
	}
	if err := validID(id); err != nil {
		return approved, false, err
	}
	ok, err := r.state.KVGet(tokenKey(approvedPrefix, contract, id), &approved)
	return approved, ok, err
}

// IsApprovedForAll reports whether operator may move every token of owner in
// contract.
func (r *Registry) IsApprovedForAll(contract, owner, operator [20]byte) (bool, error) {
	if err := r.ready(); err != nil {
		return false, err
	}
	var approved bool
	ok, err := r.state.KVGet(operatorKey(contract, owner, operator), &approved)
	if err != nil || !ok {
		return false, err
	}
	return approved, nil
}

// Approve lets operator move one token. The caller must be the owner or one
// of the owner's operators.
func (r *Registry) Approve(caller, operator, contract [20]byte, id *big.Int) error {
	owner, err := r.OwnerOf(contract, id)
	if err != nil {
		return err
	}
	if caller != owner {
		allowed, err := r.IsApprovedForAll(contract, owner, caller)
		if err != nil {
			return err
		}
		if !allowed {
			return fmt.Errorf("%w: %x cannot approve for %x", ErrNotApproved, caller, owner)
		}
	}
	return r.state.KVPut(tokenKey(approvedPrefix, contract, id), operator)
}

// SetApprovalForAll grants or revokes operator over every token owner holds
// in contract.
func (r *Registry) SetApprovalForAll(owner, operator, contract [20]byte, approved bool) error {
	if err := r.ready(); err != nil {
		return err
	}
	if !approved {
		return r.state.KVDelete(operatorKey(contract, owner, operator))
	}
	return r.state.KVPut(operatorKey(contract, owner, operator), true)
}

// TransferFrom moves the token from one owner to another. operator must be
// the owner, the approved address or an operator of the owner. The single
// token approval is cleared on every transfer.
func (r *Registry) TransferFrom(operator, from, to, contract [20]byte, id *big.Int) error {
	owner, err := r.OwnerOf(contract, id)
	if err != nil {
		return err
	}
	if owner != from {
		return fmt.Errorf("%w: %x owns the token, not %x", ErrNotOwner, owner, from)
	}
	if operator != owner {
		approved, ok, err := r.Approved(contract, id)
		if err != nil {
			return err
		}
		if !ok || approved != operator {
			all, err := r.IsApprovedForAll(contract, owner, operator)
			if err != nil {
				return err
			}
			if !all {
				return fmt.Errorf("%w: %x", ErrNotApproved, operator)
			}
		}
	}
	if err := r.state.KVDelete(tokenKey(approvedPrefix, contract, id)); err != nil {
		return err
	}
	return r.state.KVPut(tokenKey(ownerPrefix, contract, id), to)
}
