package contracts

import (
	"encoding/json"
	"time"
)

// AuditEntryType categorizes audit entries.
type AuditEntryType string

const (
	AuditChallengeDispatched AuditEntryType = "challenge_dispatched"
	AuditSessionFinalized    AuditEntryType = "session_finalized"
	AuditTierChanged         AuditEntryType = "tier_changed"
	AuditVerificationRevoked AuditEntryType = "verification_revoked"
	AuditSpotCheck           AuditEntryType = "spot_check"
)

// AuditEntry is a single immutable entry in the hash-chained audit log.
type AuditEntry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EntryType    AuditEntryType  `json:"entry_type"`
	Subject      string          `json:"subject"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}
