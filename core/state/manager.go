package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"rentalescrow/storage"
)

// Manager reads and writes escrow state through a journaled overlay on top of
// a key-value store. Writes stay in memory until Commit so a failed
// transition can be rolled back with RevertToSnapshot, the same way the chain
// discards a speculative trie.
type Manager struct {
	// txMu serialises Atomic and View; every state-mutating operation runs
	// inside exactly one Atomic call.
	txMu sync.Mutex

	mu      sync.Mutex
	db      storage.Database
	pending map[string]pendingValue
	journal []journalEntry
}

type pendingValue struct {
	value   []byte
	deleted bool
}

type journalEntry struct {
	key     string
	prev    pendingValue
	existed bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:      db,
		pending: make(map[string]pendingValue),
	}
}

var (
	balancePrefix = []byte("balance:")
	rejectPrefix  = []byte("reject:")
)

func balanceKey(addr []byte) []byte {
	buf := make([]byte, len(balancePrefix)+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func rejectKey(addr []byte) []byte {
	buf := make([]byte, len(rejectPrefix)+len(addr))
	copy(buf, rejectPrefix)
	copy(buf[len(rejectPrefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) get(key []byte) ([]byte, error) {
	m.mu.Lock()
	pv, ok := m.pending[string(key)]
	m.mu.Unlock()
	if ok {
		if pv.deleted {
			return nil, nil
		}
		return append([]byte(nil), pv.value...), nil
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (m *Manager) set(key []byte, value []byte, deleted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := string(key)
	prev, existed := m.pending[k]
	m.journal = append(m.journal, journalEntry{key: k, prev: prev, existed: existed})
	m.pending[k] = pendingValue{value: append([]byte(nil), value...), deleted: deleted}
}

// Snapshot returns an identifier for the current overlay revision.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.journal)
}

// RevertToSnapshot undoes every write recorded after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 {
		id = 0
	}
	for i := len(m.journal) - 1; i >= id; i-- {
		entry := m.journal[i]
		if entry.existed {
			m.pending[entry.key] = entry.prev
		} else {
			delete(m.pending, entry.key)
		}
	}
	if id < len(m.journal) {
		m.journal = m.journal[:id]
	}
}

// Commit flushes the overlay to the backing database as one batch. The
// overlay and journal are only cleared once the batch has been written, so a
// failed commit leaves the database untouched.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		m.journal = m.journal[:0]
		return nil
	}
	keys := make([]string, 0, len(m.pending))
	for k := range m.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ops := make([]storage.BatchOp, 0, len(keys))
	for _, k := range keys {
		pv := m.pending[k]
		ops = append(ops, storage.BatchOp{Key: []byte(k), Value: pv.value, Delete: pv.deleted})
	}
	if err := m.db.WriteBatch(ops); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.pending = make(map[string]pendingValue)
	m.journal = m.journal[:0]
	return nil
}

// Atomic runs fn as a single all-or-nothing transition: every write performed
// by fn is committed when it returns nil and discarded otherwise.
func (m *Manager) Atomic(fn func() error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.Snapshot()
	if err := fn(); err != nil {
		m.RevertToSnapshot(snap)
		return err
	}
	if err := m.Commit(); err != nil {
		m.RevertToSnapshot(snap)
		return err
	}
	return nil
}

// View runs fn while no Atomic transition is in flight.
func (m *Manager) View(fn func() error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn()
}

// SetBalance stores the native-value balance of an account.
func (m *Manager) SetBalance(addr []byte, amount *big.Int) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	m.set(balanceKey(addr), encoded, false)
	return nil
}

// Balance retrieves the native-value balance of an account.
func (m *Manager) Balance(addr []byte) (*big.Int, error) {
	data, err := m.get(balanceKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// SetRejectsValue marks an account as refusing incoming value transfers.
func (m *Manager) SetRejectsValue(addr []byte, rejects bool) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if !rejects {
		m.set(rejectKey(addr), nil, true)
		return nil
	}
	m.set(rejectKey(addr), []byte{0x01}, false)
	return nil
}

// RejectsValue reports whether the account refuses incoming value transfers.
func (m *Manager) RejectsValue(addr []byte) (bool, error) {
	data, err := m.get(rejectKey(addr))
	if err != nil {
		return false, err
	}
	return len(data) > 0, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.set(kvKey(key), encoded, false)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.set(kvKey(key), nil, true)
	return nil
}
