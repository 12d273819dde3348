package database

import (
	"database/sql"

	"labsnap/internal/database/migrations"
)

// SchemaVersion is the migration version a store is at. Each version adds
// capabilities the store's queries and writers depend on.
type SchemaVersion uint

const (
	SchemaUnknown            SchemaVersion = iota // no recorded migration version
	SchemaBase                                    // containers, samples, sample_events
	SchemaContainerExclusive                      // containers.is_exclusive
	SchemaAuditEvents                             // audit_events
	SchemaAuditActor                              // audit_events.actor, audit_events.payload_json
)

// HasContainerExclusivity reports whether containers carry an exclusivity flag.
func (v SchemaVersion) HasContainerExclusivity() bool { return v >= SchemaContainerExclusive }

// HasAuditEvents reports whether the audit_events table exists.
func (v SchemaVersion) HasAuditEvents() bool { return v >= SchemaAuditEvents }

// AuditColumns returns the audit_events columns this version declares,
// not counting the primary key.
func (v SchemaVersion) AuditColumns() []string {
	if !v.HasAuditEvents() {
		return nil
	}
	cols := []string{"event_type", "entity_type", "entity_id", "note", "created_at"}
	if v >= SchemaAuditActor {
		cols = append(cols, "actor", "payload_json")
	}
	return cols
}

// readSchemaVersion maps the recorded migration version onto SchemaVersion.
// A dirty version counts as the last version that completed.
func readSchemaVersion(db *sql.DB) (SchemaVersion, error) {
	version, dirty, ok, err := migrations.ReadVersion(db)
	if err != nil {
		return SchemaUnknown, err
	}
	if !ok {
		return SchemaUnknown, nil
	}
	if dirty && version > 0 {
		version--
	}
	return SchemaVersion(version), nil
}
