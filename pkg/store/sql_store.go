package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour. Its value is also the database/sql driver name.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// timeLayout is fixed-width UTC so that text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		autonomous_verified BOOLEAN NOT NULL DEFAULT FALSE,
		autonomous_verified_at TEXT,
		trust_tier TEXT NOT NULL DEFAULT 'spawn',
		spot_checks_passed INTEGER NOT NULL DEFAULT 0,
		spot_checks_failed INTEGER NOT NULL DEFAULT 0,
		spot_checks_skipped INTEGER NOT NULL DEFAULT 0,
		last_spot_check_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS verification_sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_day INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		data TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS spot_checks (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		scheduled_for TEXT NOT NULL,
		consumed BOOLEAN NOT NULL DEFAULT FALSE,
		data TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS spot_checks_pending_idx ON spot_checks (agent_id, consumed, scheduled_for)`,
	`CREATE TABLE IF NOT EXISTS verified_agents (
		agent_id TEXT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL,
		verified_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		sequence BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		action TEXT NOT NULL,
		payload TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_sequence_idx ON audit_entries (sequence)`,
}

// SQLStore implements Store on PostgreSQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects, pings and migrates. SQLite is limited to one connection so
// that ":memory:" databases are shared by every query.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", dialect, err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, username, model, webhook_url, autonomous_verified, autonomous_verified_at, trust_tier,
		spot_checks_passed, spot_checks_failed, spot_checks_skipped, last_spot_check_at, created_at
		FROM agents WHERE id = ?`), agentID)

	var (
		a          contracts.Agent
		tier       string
		verifiedAt sql.NullString
		lastSpot   sql.NullString
		createdAt  string
	)
	err := row.Scan(&a.ID, &a.Username, &a.Model, &a.WebhookURL, &a.Trust.AutonomousVerified, &verifiedAt, &tier,
		&a.Trust.SpotChecksPassed, &a.Trust.SpotChecksFailed, &a.Trust.SpotChecksSkipped, &lastSpot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	a.Trust.TrustTier = contracts.TierID(tier)
	if a.Trust.AutonomousVerifiedAt, err = decodeTimePtr(verifiedAt); err != nil {
		return nil, err
	}
	if a.Trust.LastSpotCheckAt, err = decodeTimePtr(lastSpot); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) UpsertAgent(ctx context.Context, a *contracts.Agent) error {
	query := `
		INSERT INTO agents (id, username, model, webhook_url, autonomous_verified, autonomous_verified_at, trust_tier,
			spot_checks_passed, spot_checks_failed, spot_checks_skipped, last_spot_check_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			model = excluded.model,
			webhook_url = excluded.webhook_url
	`
	tier := a.Trust.TrustTier
	if tier == "" {
		tier = contracts.TierSpawn
	}
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		a.ID, a.Username, a.Model, a.WebhookURL, a.Trust.AutonomousVerified, encodeTimePtr(a.Trust.AutonomousVerifiedAt), string(tier),
		a.Trust.SpotChecksPassed, a.Trust.SpotChecksFailed, a.Trust.SpotChecksSkipped, encodeTimePtr(a.Trust.LastSpotCheckAt), encodeTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveTrustState(ctx context.Context, agentID string, t contracts.TrustState) error {
	query := `
		UPDATE agents SET
			autonomous_verified = ?,
			autonomous_verified_at = ?,
			trust_tier = ?,
			spot_checks_passed = ?,
			spot_checks_failed = ?,
			spot_checks_skipped = ?,
			last_spot_check_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		t.AutonomousVerified, encodeTimePtr(t.AutonomousVerifiedAt), string(t.TrustTier),
		t.SpotChecksPassed, t.SpotChecksFailed, t.SpotChecksSkipped, encodeTimePtr(t.LastSpotCheckAt), agentID)
	if err != nil {
		return fmt.Errorf("failed to save trust state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save trust state: %w", err)
	}
	if n == 0 {
		return ErrUnknownAgent
	}
	return nil
}

func (s *SQLStore) GetAgentStats(ctx context.Context, agentID string) (*contracts.AgentStats, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT spot_checks_passed, spot_checks_failed, spot_checks_skipped FROM agents WHERE id = ?`), agentID)
	var st contracts.AgentStats
	err := row.Scan(&st.SpotChecksPassed, &st.SpotChecksFailed, &st.SpotChecksSkipped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent stats: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) SaveVerifiedAgent(ctx context.Context, v *contracts.VerifiedAgent) error {
	query := `
		INSERT INTO verified_agents (agent_id, username, model, session_id, verified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			username = excluded.username,
			model = excluded.model,
			session_id = excluded.session_id,
			verified_at = excluded.verified_at
	`
	_, err := s.db.ExecContext(ctx, s.rebind(query), v.AgentID, v.Username, v.Model, v.SessionID, encodeTime(v.VerifiedAt))
	if err != nil {
		return fmt.Errorf("failed to save verified agent: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteVerifiedAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM verified_agents WHERE agent_id = ?`), agentID)
	if err != nil {
		return fmt.Errorf("failed to delete verified agent: %w", err)
	}
	return nil
}

func (s *SQLStore) ListVerifiedAgents(ctx context.Context, afterID string, limit int) ([]*contracts.VerifiedAgent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT agent_id, username, model, session_id, verified_at FROM verified_agents
		WHERE agent_id > ? ORDER BY agent_id LIMIT ?`), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verified agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.VerifiedAgent
	for rows.Next() {
		var (
			v          contracts.VerifiedAgent
			verifiedAt string
		)
		if err := rows.Scan(&v.AgentID, &v.Username, &v.Model, &v.SessionID, &verifiedAt); err != nil {
			return nil, err
		}
		if v.VerifiedAt, err = decodeTime(verifiedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) SaveSession(ctx context.Context, sess *contracts.VerificationSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	query := `
		INSERT INTO verification_sessions (id, agent_id, status, current_day, started_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			current_day = excluded.current_day,
			data = excluded.data
	`
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		sess.ID, sess.AgentID, string(sess.Status), sess.CurrentDay, encodeTime(sess.StartedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) (*contracts.VerificationSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM verification_sessions WHERE id = ?`), sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var sess contracts.VerificationSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) SaveSpotCheck(ctx context.Context, sc *contracts.SpotCheck) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to encode spot check: %w", err)
	}
	query := `
		INSERT INTO spot_checks (id, agent_id, scheduled_for, consumed, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			consumed = excluded.consumed,
			data = excluded.data
	`
	_, err = s.db.ExecContext(ctx, s.rebind(query),
		sc.ID, sc.AgentID, encodeTime(sc.ScheduledFor), sc.Consumed(), string(data))
	if err != nil {
		return fmt.Errorf("failed to save spot check: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadSpotCheck(ctx context.Context, id string) (*contracts.SpotCheck, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM spot_checks WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load spot check: %w", err)
	}
	return decodeSpotCheck(data)
}

func (s *SQLStore) LoadPendingSpotChecks(ctx context.Context, agentID string) ([]*contracts.SpotCheck, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT data FROM spot_checks WHERE agent_id = ? AND consumed = ? ORDER BY scheduled_for`), agentID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending spot checks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.SpotCheck
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sc, err := decodeSpotCheck(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) AppendAuditEntry(ctx context.Context, e *contracts.AuditEntry) error {
	query := `INSERT INTO audit_entries (
		entry_id, sequence, created_at, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.rebind(query),
		e.EntryID, int64(e.Sequence), encodeTime(e.Timestamp), string(e.EntryType), e.Subject, e.Action,
		string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

const auditColumns = `entry_id, sequence, created_at, entry_type, subject, action, payload, payload_hash, previous_hash, entry_hash`

func (s *SQLStore) LastAuditEntry(ctx context.Context) (*contracts.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last audit entry: %w", err)
	}
	return e, nil
}

func (s *SQLStore) ListAuditEntries(ctx context.Context, afterSequence uint64, limit int) ([]*contracts.AuditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+auditColumns+` FROM audit_entries WHERE sequence > ? ORDER BY sequence LIMIT ?`), int64(afterSequence), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(r rowScanner) (*contracts.AuditEntry, error) {
	var (
		e         contracts.AuditEntry
		seq       int64
		createdAt string
		entryType string
		payload   string
	)
	if err := r.Scan(&e.EntryID, &seq, &createdAt, &entryType, &e.Subject, &e.Action,
		&payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
		return nil, err
	}
	ts, err := decodeTime(createdAt)
	if err != nil {
		return nil, err
	}
	e.Sequence = uint64(seq)
	e.Timestamp = ts
	e.EntryType = contracts.AuditEntryType(entryType)
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

func decodeSpotCheck(data string) (*contracts.SpotCheck, error) {
	var sc contracts.SpotCheck
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return nil, fmt.Errorf("failed to decode spot check: %w", err)
	}
	return &sc, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
