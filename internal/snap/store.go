package snap

import "time"

// Store is the engine's view of the relational store behind an artifact.
// The engine treats it as a black box: it only asks for counts, integrity
// signals, audit results, sample exports and a consistent copy of itself.
type Store interface {
	// IntegrityCheck runs a full consistency check. ok is true only when the
	// check reports no problems; messages carries what it reported otherwise.
	IntegrityCheck() (ok bool, messages []string, err error)

	// ForeignKeyCheck returns one description per referential-integrity violation.
	ForeignKeyCheck() ([]string, error)

	// Counts returns row counts per known entity table. Tables absent from the
	// store are omitted rather than reported as zero.
	Counts() (map[string]int64, error)

	// StatusCounts returns the sample status histogram ordered by status.
	StatusCounts() ([]StatusCount, error)

	// ExclusiveOccupiedCount returns the number of exclusive containers that
	// currently hold at least one sample, or nil when the schema predates
	// container exclusivity.
	ExclusiveOccupiedCount() (*int64, error)

	// AuditContainers runs the container exclusivity/occupancy audit.
	AuditContainers() (*AuditResult, error)

	// FindSampleExport returns the sample with the given external ID together
	// with its events. Returns nil and no error if no such sample exists.
	FindSampleExport(externalID string) (*SampleExport, error)

	// BackupTo writes a transactionally consistent copy of the store to destPath.
	BackupTo(destPath string) error

	// RecordAuditEvent appends an audit event, writing only the fields the
	// store's schema version declares.
	RecordAuditEvent(ev AuditEvent) error

	// Close closes the store.
	Close() error
}

// StoreOpener opens a Store on a database file.
type StoreOpener interface {
	OpenStore(path string) (Store, error)
}

// MigrationApplier tracks applied schema migrations of a database file and
// applies pending ones. Each call opens and closes its own connection.
type MigrationApplier interface {
	// Status returns applied and pending migration IDs for the database at path.
	Status(path string) (*MigrationStatus, error)

	// Up applies all pending migrations and returns the IDs applied by this call.
	Up(path string) ([]string, error)
}

// MigrationStatus describes the migration state of one database file.
type MigrationStatus struct {
	Applied []string `json:"applied"`
	Pending []string `json:"pending"`
	Dirty   bool     `json:"dirty,omitempty"`
}

// StatusCount is one bucket of the sample status histogram.
type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// AuditResult is the outcome of the container audit. RC follows the verdict
// convention: 0 clean, 2 hard issues found. Lines is the human-readable
// audit output, starting with a one-line verdict.
type AuditResult struct {
	RC     int
	OK     bool
	Issues []string
	Lines  []string
}

// Sample is a sample row as it appears in a per-sample export file.
type Sample struct {
	ID               int64   `json:"id"`
	ExternalID       string  `json:"external_id"`
	SpecimenType     string  `json:"specimen_type"`
	Status           string  `json:"status"`
	Notes            *string `json:"notes"`
	ContainerID      *int64  `json:"container_id"`
	ContainerBarcode *string `json:"container_barcode"`
	ReceivedAt       string  `json:"received_at"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// SampleEvent is one status/audit event attached to a sample.
type SampleEvent struct {
	ID         int64   `json:"id"`
	EventType  string  `json:"event_type"`
	FromStatus *string `json:"from_status"`
	ToStatus   *string `json:"to_status"`
	Note       *string `json:"note"`
	CreatedAt  string  `json:"created_at"`
}

// SampleExport is the content of one per-sample export file.
type SampleExport struct {
	Sample Sample        `json:"sample"`
	Events []SampleEvent `json:"events"`
}

// AuditEvent is the superset of audit fields the engine knows how to write.
// Stores project it onto whatever their schema version declares.
type AuditEvent struct {
	EventType  string
	EntityType string
	EntityID   string
	Actor      string
	Note       string
	Payload    string
	CreatedAt  time.Time
}
