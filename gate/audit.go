package gate

import (
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditEntry records one gateway-path settlement.
type AuditEntry struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	Resource  string    `json:"resource"`
	Payer     string    `json:"payer"`
	Amount    *big.Int  `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditLog is a bounded in-memory record of gateway settlements. Oldest
// entries are evicted once capacity is reached; the log is not durable.
type AuditLog struct {
	mu       sync.Mutex
	entries  []AuditEntry
	capacity int
}

// NewAuditLog creates a log holding at most capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = 1024
	}
	return &AuditLog{capacity: capacity}
}

// Record appends an entry and returns its generated ID.
func (l *AuditLog) Record(reference, resource, payer string, amount *big.Int) AuditEntry {
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Reference: reference,
		Resource:  resource,
		Payer:     payer,
		Amount:    new(big.Int).Set(amount),
		Timestamp: time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return entry
}

// Recent returns up to n most recent entries, newest last.
func (l *AuditLog) Recent(n int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]AuditEntry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}
