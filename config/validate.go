package config

import (
	"fmt"
	"math/big"
	"strings"

	"rentalescrow/crypto"
)

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.StorageBackend)) {
	case "", "leveldb", "bolt", "bbolt", "memory":
	default:
		return fmt.Errorf("storage: unknown backend %q", c.StorageBackend)
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: HMACSecret required when auth is enabled")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit: negative limits")
	}
	switch strings.ToLower(strings.TrimSpace(c.Journal.Driver)) {
	case "":
	case "sqlite", "postgres":
		if strings.TrimSpace(c.Journal.DSN) == "" {
			return fmt.Errorf("journal: DSN required for driver %s", c.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal: unknown driver %q", c.Journal.Driver)
	}
	for i, alloc := range c.Allocations {
		if _, err := crypto.DecodeAddress(alloc.Address); err != nil {
			return fmt.Errorf("allocations[%d]: %w", i, err)
		}
		if _, err := ParseAmount(alloc.Balance); err != nil {
			return fmt.Errorf("allocations[%d]: %w", i, err)
		}
	}
	for i, asset := range c.Assets {
		if _, err := crypto.DecodeAddress(asset.Contract); err != nil {
			return fmt.Errorf("assets[%d] contract: %w", i, err)
		}
		if _, err := crypto.DecodeAddress(asset.Owner); err != nil {
			return fmt.Errorf("assets[%d] owner: %w", i, err)
		}
		if _, err := ParseAmount(asset.TokenID); err != nil {
			return fmt.Errorf("assets[%d] token id: %w", i, err)
		}
	}
	return nil
}

// ParseAmount parses a non-negative base-10 integer.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}
