// SQLite backend, using ncruces/go-sqlite3/driver which provides a
// database/sql interface over an embedded wazero build of SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore is the relational backend. Thread-safe.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// schema defines the three entity tables plus the full-text index over
// tendril intent and tags. Tags and scoring details are serialized JSON
// text columns.
const schema = `
CREATE TABLE IF NOT EXISTS tendrils (
    id TEXT PRIMARY KEY,
    owner TEXT NOT NULL,
    intent TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]',
    charge REAL NOT NULL,
    source TEXT,
    priority TEXT,
    category TEXT,
    created_at INTEGER NOT NULL,
    last_pulse_at INTEGER,
    archived INTEGER NOT NULL DEFAULT 0,
    archived_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tendrils_owner ON tendrils(owner);
CREATE INDEX IF NOT EXISTS idx_tendrils_archived ON tendrils(archived);
CREATE INDEX IF NOT EXISTS idx_tendrils_created ON tendrils(created_at);

CREATE TABLE IF NOT EXISTS pulses (
    id TEXT PRIMARY KEY,
    input TEXT NOT NULL,
    input_type TEXT,
    source TEXT,
    timestamp INTEGER NOT NULL,
    resonances TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_pulses_timestamp ON pulses(timestamp);

-- Individual resonance rows for analytics; the canonical copy lives
-- embedded on the pulse row.
CREATE TABLE IF NOT EXISTS resonances (
    pulse_id TEXT NOT NULL REFERENCES pulses(id),
    tendril_id TEXT NOT NULL REFERENCES tendrils(id),
    strength REAL NOT NULL,
    type TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '{}',
    timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resonances_strength ON resonances(strength);
CREATE INDEX IF NOT EXISTS idx_resonances_timestamp ON resonances(timestamp);
CREATE INDEX IF NOT EXISTS idx_resonances_pulse ON resonances(pulse_id);
CREATE INDEX IF NOT EXISTS idx_resonances_tendril ON resonances(tendril_id);

CREATE VIRTUAL TABLE IF NOT EXISTS tendrils_fts USING fts5(id UNINDEXED, intent, tags);
`

// NewSQLiteStore creates an in-memory store, used by tests.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN opens a store at the given data source name. Opening
// and applying the schema doubles as the capability probe: when the embedded
// engine cannot initialize on this platform, the error surfaces here and the
// factory falls back to the JSON store.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// FileDSN builds a DSN for a database file with WAL journaling enabled for
// multi-reader safety during commits.
func FileDSN(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Tendrils
// =============================================================================

func (s *SQLiteStore) InsertTendril(t *Tendril) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tendrils (id, owner, intent, tags, charge, source, priority,
			category, created_at, last_pulse_at, archived, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Owner, t.Intent, string(tagsJSON), t.Charge, t.Source, t.Priority,
		t.Category, t.CreatedAt, t.LastPulseAt, boolToInt(t.Archived), t.ArchivedAt)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`INSERT INTO tendrils_fts (id, intent, tags) VALUES (?, ?, ?)`,
		t.ID, t.Intent, strings.Join(t.Tags, " "))
	return err
}

const tendrilColumns = `id, owner, intent, tags, charge, source, priority,
	category, created_at, last_pulse_at, archived, archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTendril(row rowScanner) (*Tendril, error) {
	var t Tendril
	var tagsJSON string
	var source, priority, category sql.NullString
	var lastPulseAt, archivedAt sql.NullInt64
	var archived int

	err := row.Scan(&t.ID, &t.Owner, &t.Intent, &tagsJSON, &t.Charge,
		&source, &priority, &category, &t.CreatedAt,
		&lastPulseAt, &archived, &archivedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		t.Tags = []string{}
	}
	t.Source = source.String
	t.Priority = priority.String
	t.Category = category.String
	t.Archived = archived != 0
	if lastPulseAt.Valid {
		t.LastPulseAt = &lastPulseAt.Int64
	}
	if archivedAt.Valid {
		t.ArchivedAt = &archivedAt.Int64
	}
	return &t, nil
}

func (s *SQLiteStore) GetTendril(id string) (*Tendril, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := scanTendril(s.db.QueryRow(
		`SELECT `+tendrilColumns+` FROM tendrils WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) ListTendrils(f TendrilFilter) ([]*Tendril, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + tendrilColumns + ` FROM tendrils WHERE 1=1`
	var args []any
	if f.ActiveOnly {
		query += ` AND archived = 0`
	}
	if f.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tendrils []*Tendril
	for rows.Next() {
		t, err := scanTendril(rows)
		if err != nil {
			return nil, err
		}
		if !hasAllTags(t.Tags, f.Tags) {
			continue
		}
		tendrils = append(tendrils, t)
	}
	return tendrils, rows.Err()
}

func (s *SQLiteStore) ArchiveTendril(id string, at int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE tendrils SET archived = 1, archived_at = ?
		WHERE id = ? AND archived = 0
	`, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) TouchTendril(id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE tendrils SET last_pulse_at = ? WHERE id = ?`, at, id)
	return err
}

// =============================================================================
// Pulses
// =============================================================================

// InsertPulse writes the pulse row and its analytics resonance rows in one
// transaction, so a failure mid-insert leaves no partial rows behind.
func (s *SQLiteStore) InsertPulse(p *Pulse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resJSON, err := json.Marshal(p.Resonances)
	if err != nil {
		return fmt.Errorf("failed to marshal resonances: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO pulses (id, input, input_type, source, timestamp, resonances)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Input, p.InputType, p.Source, p.Timestamp, string(resJSON))
	if err != nil {
		return err
	}

	for _, r := range p.Resonances {
		detJSON, err := json.Marshal(r.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO resonances (pulse_id, tendril_id, strength, type, details, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		`, p.ID, r.TendrilID, r.Strength, string(r.Type), string(detJSON), p.Timestamp)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListPulses(f PulseFilter) ([]*Pulse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, input, input_type, source, timestamp, resonances
		FROM pulses WHERE 1=1`
	var args []any
	if f.Since > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	if f.MinResonance > 0 {
		query += ` AND EXISTS (SELECT 1 FROM resonances r
			WHERE r.pulse_id = pulses.id AND r.strength >= ?)`
		args = append(args, f.MinResonance)
	}
	if f.TendrilID != "" {
		query += ` AND EXISTS (SELECT 1 FROM resonances r
			WHERE r.pulse_id = pulses.id AND r.tendril_id = ?)`
		args = append(args, f.TendrilID)
	}
	query += ` ORDER BY timestamp DESC, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pulses []*Pulse
	for rows.Next() {
		var p Pulse
		var inputType, source sql.NullString
		var resJSON string
		if err := rows.Scan(&p.ID, &p.Input, &inputType, &source,
			&p.Timestamp, &resJSON); err != nil {
			return nil, err
		}
		p.InputType = inputType.String
		p.Source = source.String
		if err := json.Unmarshal([]byte(resJSON), &p.Resonances); err != nil {
			p.Resonances = []Resonance{}
		}
		pulses = append(pulses, &p)
	}
	return pulses, rows.Err()
}

// =============================================================================
// Search
// =============================================================================

// SearchTendrils runs an FTS5 match over intent+tags, ranked by bm25.
// Rank is negated bm25 so that higher is better, matching the JSON backend's
// orientation.
func (s *SQLiteStore) SearchTendrils(query string, limit int) ([]SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := ftsMatchQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(`
		SELECT `+qualify(tendrilColumns, "t")+`, bm25(tendrils_fts) AS score
		FROM tendrils_fts
		JOIN tendrils t ON t.id = tendrils_fts.id
		WHERE tendrils_fts MATCH ? AND t.archived = 0
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var t Tendril
		var tagsJSON string
		var source, priority, category sql.NullString
		var lastPulseAt, archivedAt sql.NullInt64
		var archived int
		var score float64

		if err := rows.Scan(&t.ID, &t.Owner, &t.Intent, &tagsJSON, &t.Charge,
			&source, &priority, &category, &t.CreatedAt,
			&lastPulseAt, &archived, &archivedAt, &score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
			t.Tags = []string{}
		}
		t.Source = source.String
		t.Priority = priority.String
		t.Category = category.String
		t.Archived = archived != 0
		if lastPulseAt.Valid {
			t.LastPulseAt = &lastPulseAt.Int64
		}
		if archivedAt.Valid {
			t.ArchivedAt = &archivedAt.Int64
		}
		hits = append(hits, SearchHit{Tendril: &t, Rank: -score})
	}
	return hits, rows.Err()
}

// ftsMatchQuery quotes each token and ORs them, so user input can never be
// parsed as FTS5 syntax.
func ftsMatchQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// qualify prefixes each column in a comma-separated list with a table alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Stats
// =============================================================================

func (s *SQLiteStore) Stats(p StatsParams) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats

	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN archived = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN archived = 0 THEN charge END), 0)
		FROM tendrils
	`).Scan(&st.TotalTendrils, &st.ActiveTendrils, &st.AverageCharge)
	if err != nil {
		return nil, err
	}

	since := p.Now - p.RecentWindow
	err = s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0)
		FROM pulses
	`, since).Scan(&st.TotalPulses, &st.RecentPulses)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN strength >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(strength), 0)
		FROM resonances
	`, p.StrongThreshold).Scan(&st.TotalResonances, &st.StrongResonances, &st.AverageResonance)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT pulse_id FROM resonances
			WHERE strength >= ?
			GROUP BY pulse_id
			HAVING COUNT(*) >= ?
		)
	`, p.ConvMinStrength, p.ConvMinTendrils).Scan(&st.ConvergenceEvents)
	if err != nil {
		return nil, err
	}

	return &st, nil
}

// =============================================================================
// Helpers
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// hasAllTags reports whether every requested tag is present on the tendril.
func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, t := range want {
		if !set[strings.ToLower(t)] {
			return false
		}
	}
	return true
}

// Compile-time interface check
var _ Storer = (*SQLiteStore)(nil)
