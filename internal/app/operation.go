package app

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation names, one per CLI command that goes through App.
const (
	OpExport      = "Export"
	OpVerify      = "Verify"
	OpDoctor      = "Doctor"
	OpDiff        = "Diff"
	OpDiffLatest  = "DiffLatest"
	OpGC          = "GC"
	OpPrune       = "Prune"
	OpPin         = "Pin"
	OpUnpin       = "Unpin"
	OpPins        = "Pins"
	OpLatest      = "Latest"
	OpRestore     = "Restore"
	OpPublish     = "Publish"
	OpFetch       = "Fetch"
	OpPublished   = "Published"
	OpStoreInit   = "StoreInit"
	OpStoreStatus = "StoreStatus"
)

// mutatingOps lists operations that may change the live store, the exports
// directory or the vault. Retention only mutates when applied, which the
// caller records through Operation.Mutating.
var mutatingOps = map[string]bool{
	OpExport:    true,
	OpPin:       true,
	OpUnpin:     true,
	OpRestore:   true,
	OpPublish:   true,
	OpFetch:     true,
	OpStoreInit: true,
}

// Operation tracks one CLI invocation. It lives in memory only; App logs its
// outcome on Close.
type Operation struct {
	ID         string
	Name       string
	Parameters map[string]string
	Status     string // "success" or "error"
	Mutating   bool
	StartedAt  time.Time
}

// NewOperation creates an in-memory operation with a fresh operation ID.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:         newOperationID(now),
		Name:       name,
		Parameters: map[string]string{},
		Status:     "success",
		Mutating:   mutatingOps[name],
		StartedAt:  now,
	}
}

// newOperationID returns "<UTC compact timestamp>-<uuid prefix>".
func newOperationID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.New().String()[:8]
}

// Set records a parameter of the invocation.
func (op *Operation) Set(key string, value any) {
	op.Parameters[key] = fmt.Sprint(value)
}

// Fail marks the operation as failed.
func (op *Operation) Fail() {
	op.Status = "error"
}

// ParameterString renders the parameters as sorted key=value pairs.
func (op *Operation) ParameterString() string {
	keys := make([]string, 0, len(op.Parameters))
	for k := range op.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+op.Parameters[k])
	}
	return strings.Join(parts, " ")
}
