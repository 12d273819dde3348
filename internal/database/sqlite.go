package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"labsnap/internal/snap"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// countedTables are the entity tables reported by Counts, in report order.
var countedTables = []string{"samples", "containers", "sample_events", "audit_events"}

// SQLiteStore implements snap.Store on a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the SQLite database at path.
// path can be a file path or ":memory:" for in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteStore{
		db:   db,
		path: path,
	}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// This is exported for use in tools and tests that need a properly configured SQLite connection.
// path can be a file path or ":memory:" for in-memory database.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable foreign key constraints (SQLite default is OFF for backward compatibility)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// SchemaVersion returns the store's current schema version.
func (s *SQLiteStore) SchemaVersion() (SchemaVersion, error) {
	v, err := readSchemaVersion(s.db)
	if err != nil {
		return SchemaUnknown, fmt.Errorf("reading schema version: %w", err)
	}
	return v, nil
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteStore) CheckMigrations() error {
	return checkMigrations(s.db)
}

// Integrity

func (s *SQLiteStore) IntegrityCheck() (bool, []string, error) {
	rows, err := s.db.Query("PRAGMA integrity_check")
	if err != nil {
		return false, nil, fmt.Errorf("running integrity check: %w", err)
	}
	defer rows.Close()

	var messages []string
	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return false, nil, fmt.Errorf("scanning integrity check: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return false, nil, fmt.Errorf("reading integrity check: %w", err)
	}

	if len(messages) == 1 && messages[0] == "ok" {
		return true, nil, nil
	}
	return false, messages, nil
}

func (s *SQLiteStore) ForeignKeyCheck() ([]string, error) {
	rows, err := s.db.Query("PRAGMA foreign_key_check")
	if err != nil {
		return nil, fmt.Errorf("running foreign key check: %w", err)
	}
	defer rows.Close()

	violations := []string{}
	for rows.Next() {
		var (
			table, parent string
			rowid, fkid   sql.NullInt64
		)
		if err := rows.Scan(&table, &rowid, &parent, &fkid); err != nil {
			return nil, fmt.Errorf("scanning foreign key check: %w", err)
		}
		violations = append(violations, fmt.Sprintf("table=%s rowid=%s parent=%s fkid=%s",
			table, nullInt(rowid), parent, nullInt(fkid)))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading foreign key check: %w", err)
	}
	return violations, nil
}

// Statistics

func (s *SQLiteStore) Counts() (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range countedTables {
		exists, err := s.tableExists(table)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		var n int64
		// table comes from countedTables, never from input
		if err := s.db.QueryRow("SELECT COUNT(1) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func (s *SQLiteStore) StatusCounts() ([]snap.StatusCount, error) {
	out := []snap.StatusCount{}
	exists, err := s.tableExists("samples")
	if err != nil || !exists {
		return out, err
	}

	rows, err := s.db.Query("SELECT status, COUNT(1) FROM samples GROUP BY status ORDER BY status")
	if err != nil {
		return nil, fmt.Errorf("querying status histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc snap.StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scanning status histogram: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ExclusiveOccupiedCount() (*int64, error) {
	v, err := s.SchemaVersion()
	if err != nil {
		return nil, err
	}
	if !v.HasContainerExclusivity() {
		return nil, nil
	}

	var n int64
	err = s.db.QueryRow(`
		SELECT COUNT(1)
		FROM containers c
		WHERE c.is_exclusive = 1
		  AND EXISTS (SELECT 1 FROM samples s WHERE s.container_id = c.id)
	`).Scan(&n)
	if err != nil {
		return nil, fmt.Errorf("counting occupied exclusive containers: %w", err)
	}
	return &n, nil
}

// AuditContainers reports every exclusive container holding more than one
// sample as a hard issue. Stores that predate exclusivity audit clean.
func (s *SQLiteStore) AuditContainers() (*snap.AuditResult, error) {
	v, err := s.SchemaVersion()
	if err != nil {
		return nil, err
	}
	if !v.HasContainerExclusivity() {
		return &snap.AuditResult{
			RC:     0,
			OK:     true,
			Issues: []string{},
			Lines:  []string{"OK: audit found no hard issues (schema has no container exclusivity)"},
		}, nil
	}

	rows, err := s.db.Query(`
		SELECT c.id, c.barcode, COUNT(s.id)
		FROM containers c
		JOIN samples s ON s.container_id = c.id
		WHERE c.is_exclusive = 1
		GROUP BY c.id, c.barcode
		HAVING COUNT(s.id) > 1
		ORDER BY c.barcode
	`)
	if err != nil {
		return nil, fmt.Errorf("auditing containers: %w", err)
	}
	defer rows.Close()

	issues := []string{}
	for rows.Next() {
		var (
			id      int64
			barcode string
			n       int64
		)
		if err := rows.Scan(&id, &barcode, &n); err != nil {
			return nil, fmt.Errorf("scanning container audit: %w", err)
		}
		issues = append(issues, fmt.Sprintf("exclusive container %s (id=%d) holds %d samples", barcode, id, n))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading container audit: %w", err)
	}

	if len(issues) == 0 {
		return &snap.AuditResult{
			RC:     0,
			OK:     true,
			Issues: issues,
			Lines:  []string{"OK: audit found no hard issues"},
		}, nil
	}
	lines := append([]string{fmt.Sprintf("ERROR: audit found %d hard issue(s)", len(issues))}, issues...)
	return &snap.AuditResult{RC: 2, OK: false, Issues: issues, Lines: lines}, nil
}

// Sample exports

func (s *SQLiteStore) FindSampleExport(externalID string) (*snap.SampleExport, error) {
	var (
		smp   snap.Sample
		notes sql.NullString
		cid   sql.NullInt64
		cbar  sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT s.id, s.external_id, s.specimen_type, s.status, s.notes, s.container_id,
		       c.barcode, s.received_at, s.created_at, s.updated_at
		FROM samples s
		LEFT JOIN containers c ON c.id = s.container_id
		WHERE s.external_id = ?
	`, externalID).Scan(&smp.ID, &smp.ExternalID, &smp.SpecimenType, &smp.Status, &notes, &cid,
		&cbar, &smp.ReceivedAt, &smp.CreatedAt, &smp.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding sample %q: %w", externalID, err)
	}
	smp.Notes = nullString(notes)
	smp.ContainerBarcode = nullString(cbar)
	if cid.Valid {
		smp.ContainerID = &cid.Int64
	}

	rows, err := s.db.Query(`
		SELECT id, event_type, from_status, to_status, note, created_at
		FROM sample_events
		WHERE sample_id = ?
		ORDER BY created_at, id
	`, smp.ID)
	if err != nil {
		return nil, fmt.Errorf("listing events for sample %q: %w", externalID, err)
	}
	defer rows.Close()

	events := []snap.SampleEvent{}
	for rows.Next() {
		var (
			ev             snap.SampleEvent
			from, to, note sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &from, &to, &note, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning sample event: %w", err)
		}
		ev.FromStatus = nullString(from)
		ev.ToStatus = nullString(to)
		ev.Note = nullString(note)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sample events: %w", err)
	}

	return &snap.SampleExport{Sample: smp, Events: events}, nil
}

// Audit events

// RecordAuditEvent writes ev projected onto the columns the store's schema
// version declares. Fields without a column are dropped.
func (s *SQLiteStore) RecordAuditEvent(ev snap.AuditEvent) error {
	v, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	cols := v.AuditColumns()
	if len(cols) == 0 {
		return fmt.Errorf("schema version %d has no audit_events table", v)
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	values := map[string]any{
		"event_type":   ev.EventType,
		"entity_type":  ev.EntityType,
		"entity_id":    optional(ev.EntityID),
		"note":         optional(ev.Note),
		"created_at":   createdAt.UTC().Format(time.RFC3339),
		"actor":        optional(ev.Actor),
		"payload_json": optional(ev.Payload),
	}

	args := make([]any, 0, len(cols))
	for _, c := range cols {
		args = append(args, values[c])
	}
	query := fmt.Sprintf("INSERT INTO audit_events (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Backup

// BackupTo creates a consistent copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) tableExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("looking up table %s: %w", name, err)
	}
	return n > 0, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func nullInt(ni sql.NullInt64) string {
	if !ni.Valid {
		return "null"
	}
	return fmt.Sprint(ni.Int64)
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Compile-time check that SQLiteStore implements snap.Store interface
var _ snap.Store = (*SQLiteStore)(nil)
