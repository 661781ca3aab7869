// Package audit implements the append-only, hash-chained audit log of every
// challenge dispatch, session decision, tier change and spot check.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autonomy/pkg/store"
)

var ErrChainBroken = errors.New("hash chain is broken")

// GenesisHash is the previous hash of the first entry.
const GenesisHash = "genesis"

// DefaultRetention is how many recent entries are kept in memory for Query
// and VerifyChain. Persisted entries live in the sink.
const DefaultRetention = 10000

// Recorder is the write side used by the engine components. Failures are
// logged and swallowed.
type Recorder interface {
	Record(ctx context.Context, entryType contracts.AuditEntryType, subject, action string, payload any)
}

// Log is an append-only audit log with hash chaining.
type Log struct {
	mu        sync.RWMutex
	sink      store.AuditSink
	entries   []*contracts.AuditEntry
	sequence  uint64
	chainHead string
	retain    int
	clock     func() time.Time
	logger    *slog.Logger
}

type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithRetention bounds the in-memory window.
func WithRetention(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.retain = n
		}
	}
}

// New creates a log writing through to sink. A nil sink keeps entries in memory only.
func New(sink store.AuditSink, opts ...Option) *Log {
	l := &Log{
		sink:      sink,
		chainHead: GenesisHash,
		retain:    DefaultRetention,
		clock:     time.Now,
		logger:    slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates a log that continues the chain persisted in sink, so every
// process appends to one chain instead of restarting at genesis.
func Open(ctx context.Context, sink store.AuditSink, opts ...Option) (*Log, error) {
	l := New(sink, opts...)
	if sink == nil {
		return l, nil
	}
	last, err := sink.LastAuditEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit chain head: %w", err)
	}
	if last != nil {
		l.sequence = last.Sequence
		l.chainHead = last.EntryHash
	}
	return l, nil
}

// Append adds a new entry. The chain only advances when the sink accepted it.
func (l *Log) Append(ctx context.Context, entryType contracts.AuditEntryType, subject, action string, payload any) (*contracts.AuditEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &contracts.AuditEntry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		EntryType:    entryType,
		Subject:      subject,
		Action:       action,
		Payload:      canonical,
		PayloadHash:  computeHash(canonical),
		PreviousHash: l.chainHead,
	}
	entry.EntryHash, err = computeEntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to compute entry hash: %w", err)
	}

	if l.sink != nil {
		if err := l.sink.AppendAuditEntry(ctx, entry); err != nil {
			return nil, err
		}
	}

	l.sequence = entry.Sequence
	l.chainHead = entry.EntryHash
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.retain {
		l.entries = l.entries[len(l.entries)-l.retain:]
	}
	return entry, nil
}

// Record appends an entry and logs, rather than returns, any failure.
func (l *Log) Record(ctx context.Context, entryType contracts.AuditEntryType, subject, action string, payload any) {
	if _, err := l.Append(ctx, entryType, subject, action, payload); err != nil {
		l.logger.WarnContext(ctx, "audit append failed",
			"entry_type", entryType, "subject", subject, "action", action, "error", err)
	}
}

func computeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

func computeEntryHash(entry *contracts.AuditEntry) (string, error) {
	hashable := struct {
		Sequence     uint64                   `json:"sequence"`
		Timestamp    time.Time                `json:"timestamp"`
		EntryType    contracts.AuditEntryType `json:"entry_type"`
		Subject      string                   `json:"subject"`
		Action       string                   `json:"action"`
		PayloadHash  string                   `json:"payload_hash"`
		PreviousHash string                   `json:"previous_hash"`
	}{
		Sequence:     entry.Sequence,
		Timestamp:    entry.Timestamp,
		EntryType:    entry.EntryType,
		Subject:      entry.Subject,
		Action:       entry.Action,
		PayloadHash:  entry.PayloadHash,
		PreviousHash: entry.PreviousHash,
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", err
	}
	return computeHash(canonical), nil
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// QueryFilter defines filtering criteria for queries.
type QueryFilter struct {
	EntryType  contracts.AuditEntryType
	Subject    string
	Since      *time.Time
	MaxResults int
}

func (f QueryFilter) matches(e *contracts.AuditEntry) bool {
	if f.EntryType != "" && e.EntryType != f.EntryType {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// Query returns retained entries matching the filter, oldest first.
func (l *Log) Query(filter QueryFilter) []*contracts.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]*contracts.AuditEntry, 0)
	for _, e := range l.entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results
}

// VerifyChain checks the retained window links and hashes correctly.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries)
}

// VerifyStored pages the persisted log from the first entry and checks that
// it forms one chain starting at GenesisHash with contiguous sequence
// numbers. It returns the number of entries verified.
func VerifyStored(ctx context.Context, r store.AuditReader, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var (
		after uint64
		prev  = GenesisHash
		n     int
	)
	for {
		page, err := r.ListAuditEntries(ctx, after, pageSize)
		if err != nil {
			return n, err
		}
		if len(page) == 0 {
			return n, nil
		}
		for i, e := range page {
			if e.Sequence != after+uint64(i)+1 {
				return n, fmt.Errorf("%w: expected sequence %d, found %d", ErrChainBroken, after+uint64(i)+1, e.Sequence)
			}
		}
		if page[0].PreviousHash != prev {
			return n, fmt.Errorf("%w: entry %d does not link to %s", ErrChainBroken, page[0].Sequence, prev)
		}
		if err := VerifyEntries(page); err != nil {
			return n, err
		}
		n += len(page)
		last := page[len(page)-1]
		after = last.Sequence
		prev = last.EntryHash
	}
}

// VerifyEntries checks that a contiguous run of entries is internally consistent.
func VerifyEntries(entries []*contracts.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	expectedPrev := entries[0].PreviousHash
	for i, entry := range entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, i, entry.PreviousHash, expectedPrev)
		}
		if computeHash(entry.Payload) != entry.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		computed, err := computeEntryHash(entry)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, i, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}
