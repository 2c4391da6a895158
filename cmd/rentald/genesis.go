package main

import (
	"fmt"

	"rentalescrow/config"
	"rentalescrow/crypto"
	nhbstate "rentalescrow/core/state"
	"rentalescrow/native/bank"
	"rentalescrow/native/nft"
)

var genesisMarkerKey = []byte("rentald/genesis/applied")

// applyGenesis credits the configured allocations and mints the configured
// assets exactly once per data directory. It reports whether anything was
// applied on this call.
func applyGenesis(state *nhbstate.Manager, ledger *bank.Ledger, registry *nft.Registry, cfg *config.Config) (bool, error) {
	applied := false
	err := state.Atomic(func() error {
		var marker uint64
		done, err := state.KVGet(genesisMarkerKey, &marker)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		for i, alloc := range cfg.Allocations {
			addr, err := crypto.DecodeAddress(alloc.Address)
			if err != nil {
				return fmt.Errorf("allocation %d: %w", i, err)
			}
			amount, err := config.ParseAmount(alloc.Balance)
			if err != nil {
				return fmt.Errorf("allocation %d: %w", i, err)
			}
			if err := ledger.Credit(addr.Array(), amount); err != nil {
				return fmt.Errorf("allocation %d: %w", i, err)
			}
		}
		for i, asset := range cfg.Assets {
			contract, err := crypto.DecodeAddress(asset.Contract)
			if err != nil {
				return fmt.Errorf("asset %d contract: %w", i, err)
			}
			owner, err := crypto.DecodeAddress(asset.Owner)
			if err != nil {
				return fmt.Errorf("asset %d owner: %w", i, err)
			}
			tokenID, err := config.ParseAmount(asset.TokenID)
			if err != nil {
				return fmt.Errorf("asset %d token: %w", i, err)
			}
			if err := registry.Mint(contract.Array(), owner.Array(), tokenID); err != nil {
				return fmt.Errorf("asset %d: %w", i, err)
			}
		}
		applied = true
		return state.KVPut(genesisMarkerKey, uint64(1))
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
