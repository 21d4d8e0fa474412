package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

var _ domain.LedgerClient = (*Memory)(nil)

// Memory is an in-process ledger. Unknown users start with the seed balance.
type Memory struct {
	mu       sync.Mutex
	seed     int64
	balances map[string]int64
}

// NewMemory creates a memory ledger that grants seed points to every new user.
func NewMemory(seed int64) *Memory {
	return &Memory{
		seed:     seed,
		balances: make(map[string]int64),
	}
}

func (m *Memory) balanceLocked(userID string) int64 {
	b, ok := m.balances[userID]
	if !ok {
		b = m.seed
		m.balances[userID] = b
	}
	return b
}

// GetBalance returns the user's balance.
func (m *Memory) GetBalance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

// AddPoints credits the user.
func (m *Memory) AddPoints(_ context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: add points: %w", domain.ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = m.balanceLocked(userID) + amount
	return nil
}

// RemovePoints debits the user, refusing to go below zero.
func (m *Memory) RemovePoints(_ context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: remove points: %w", domain.ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balanceLocked(userID)
	if b < amount {
		return fmt.Errorf("ledger: remove %d points from %s: %w", amount, userID, domain.ErrInsufficientBalance)
	}
	m.balances[userID] = b - amount
	return nil
}

// TransferPoints atomically moves amount between users.
func (m *Memory) TransferPoints(_ context.Context, fromID, toID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("ledger: transfer: %w", domain.ErrInvalidAmount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.balanceLocked(fromID)
	if from < amount {
		return fmt.Errorf("ledger: transfer %d points from %s: %w", amount, fromID, domain.ErrInsufficientBalance)
	}
	m.balances[fromID] = from - amount
	m.balances[toID] = m.balanceLocked(toID) + amount
	return nil
}

// Balances returns a copy of every known balance.
func (m *Memory) Balances() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out
}
