package snap

import (
	"fmt"
	"slices"
	"strings"
)

// DiffReport is the pairwise reduction of two healthy doctor reports.
// When either side is unhealthy only OK, Error, Which, Artifact and Doctor
// are set.
type DiffReport struct {
	Schema   string        `json:"schema"`
	OK       bool          `json:"ok"`
	A        *DiffSide     `json:"a,omitempty"`
	B        *DiffSide     `json:"b,omitempty"`
	Deltas   *Deltas       `json:"deltas,omitempty"`
	Error    string        `json:"error,omitempty"`
	Which    string        `json:"which,omitempty"`
	Artifact string        `json:"artifact,omitempty"`
	Doctor   *DoctorReport `json:"doctor,omitempty"`
}

// DiffSide identifies one compared artifact by its working-copy digest.
type DiffSide struct {
	Artifact string `json:"artifact"`
	SHA256   string `json:"sha256"`
}

// Deltas holds only what changed between the two sides.
type Deltas struct {
	Counts                 []CountDelta          `json:"counts"`
	StatusCounts           []StatusDelta         `json:"status_counts"`
	MigrationsPending      MigrationsPendingDiff `json:"migrations_pending"`
	ContainerAudit         ContainerAuditDiff    `json:"container_audit"`
	ExclusiveOccupiedCount ExclusiveDiff         `json:"exclusive_occupied_count"`
}

// CountDelta is a non-zero change in one entity table's row count.
type CountDelta struct {
	Metric string `json:"metric"`
	A      int64  `json:"a"`
	B      int64  `json:"b"`
	Delta  int64  `json:"delta"`
}

// StatusDelta is a non-zero change in one status histogram bucket.
type StatusDelta struct {
	Key   string `json:"key"`
	A     int64  `json:"a"`
	B     int64  `json:"b"`
	Delta int64  `json:"delta"`
}

type MigrationsPendingDiff struct {
	A       []string `json:"a"`
	B       []string `json:"b"`
	Changed bool     `json:"changed"`
}

type ContainerAuditDiff struct {
	AOK     *bool `json:"a_ok"`
	BOK     *bool `json:"b_ok"`
	ARC     *int  `json:"a_rc"`
	BRC     *int  `json:"b_rc"`
	Changed bool  `json:"changed"`
}

type ExclusiveDiff struct {
	A     *int64 `json:"a"`
	B     *int64 `json:"b"`
	Delta *int64 `json:"delta"`
}

// Empty reports whether nothing changed between the two sides.
func (d *Deltas) Empty() bool {
	return len(d.Counts) == 0 &&
		len(d.StatusCounts) == 0 &&
		!d.MigrationsPending.Changed &&
		!d.ContainerAudit.Changed &&
		(d.ExclusiveOccupiedCount.Delta == nil || *d.ExclusiveOccupiedCount.Delta == 0)
}

// Diff runs Doctor on both artifacts and reduces the reports to deltas.
// If either side is not healthy the diff fails with ErrDoctorFailed naming
// that side; no comparison is attempted.
func (s *Service) Diff(a, b string, opts DoctorOptions) (*DiffReport, error) {
	repA, err := s.diffSide("a", a, opts)
	if err != nil {
		return failedDiff("a", a, repA), err
	}
	repB, err := s.diffSide("b", b, opts)
	if err != nil {
		return failedDiff("b", b, repB), err
	}

	d := &DiffReport{
		Schema: "snapshot_diff_report",
		OK:     true,
		A:      &DiffSide{Artifact: repA.Artifact, SHA256: repA.WorkDBSHA256},
		B:      &DiffSide{Artifact: repB.Artifact, SHA256: repB.WorkDBSHA256},
		Deltas: reduce(repA, repB),
	}
	s.logger.Info("diff finished", "a", a, "b", b, "empty", d.Deltas.Empty())
	return d, nil
}

func (s *Service) diffSide(which, ref string, opts DoctorOptions) (*DoctorReport, error) {
	rep, err := s.Doctor(ref, opts)
	if err != nil {
		return rep, fmt.Errorf("%w: side %s: %v", ErrDoctorFailed, which, err)
	}
	if !rep.OK {
		return rep, fmt.Errorf("%w: side %s: %s", ErrDoctorFailed, which, rep.Error)
	}
	return rep, nil
}

func failedDiff(which, artifact string, rep *DoctorReport) *DiffReport {
	return &DiffReport{
		Schema:   "snapshot_diff_report",
		OK:       false,
		Error:    ErrDoctorFailed.Error(),
		Which:    which,
		Artifact: artifact,
		Doctor:   rep,
	}
}

func reduce(a, b *DoctorReport) *Deltas {
	d := &Deltas{
		Counts:       []CountDelta{},
		StatusCounts: []StatusDelta{},
	}

	for _, k := range unionKeys(a.Counts, b.Counts) {
		av, bv := a.Counts[k], b.Counts[k]
		if bv != av {
			d.Counts = append(d.Counts, CountDelta{Metric: k, A: av, B: bv, Delta: bv - av})
		}
	}

	sa, sb := statusMap(a.StatusCounts), statusMap(b.StatusCounts)
	for _, k := range unionKeys(sa, sb) {
		av, bv := sa[k], sb[k]
		if bv != av {
			d.StatusCounts = append(d.StatusCounts, StatusDelta{Key: k, A: av, B: bv, Delta: bv - av})
		}
	}

	pa, pb := a.Pending(), b.Pending()
	d.MigrationsPending = MigrationsPendingDiff{A: pa, B: pb, Changed: !slices.Equal(pa, pb)}

	auditChanged := !ptrEqual(a.ContainerAudit.OK, b.ContainerAudit.OK) ||
		!ptrEqual(a.ContainerAudit.RC, b.ContainerAudit.RC)
	d.ContainerAudit = ContainerAuditDiff{
		AOK:     a.ContainerAudit.OK,
		BOK:     b.ContainerAudit.OK,
		ARC:     a.ContainerAudit.RC,
		BRC:     b.ContainerAudit.RC,
		Changed: auditChanged,
	}

	d.ExclusiveOccupiedCount = ExclusiveDiff{A: a.ExclusiveOccupied, B: b.ExclusiveOccupied}
	if a.ExclusiveOccupied != nil && b.ExclusiveOccupied != nil {
		delta := *b.ExclusiveOccupied - *a.ExclusiveOccupied
		d.ExclusiveOccupiedCount.Delta = &delta
	}
	return d
}

func statusMap(counts []StatusCount) map[string]int64 {
	m := make(map[string]int64, len(counts))
	for _, sc := range counts {
		m[sc.Status] += sc.Count
	}
	return m
}

func unionKeys(a, b map[string]int64) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Summary renders the human-readable block printed after the JSON line.
func (r *DiffReport) Summary() string {
	var b strings.Builder
	fmt.Fprintln(&b, "---- Snapshot Diff Summary ----")
	if !r.OK {
		fmt.Fprintf(&b, "doctor failed for side %s: %s\n", r.Which, r.Artifact)
		if r.Doctor != nil && r.Doctor.Error != "" {
			fmt.Fprintf(&b, "reason: %s\n", r.Doctor.Error)
		}
		fmt.Fprintf(&b, "\nRESULT: %s\n", okWord(false))
		return b.String()
	}

	fmt.Fprintf(&b, "A: %s\n", r.A.Artifact)
	fmt.Fprintf(&b, "B: %s\n", r.B.Artifact)
	d := r.Deltas
	if len(d.Counts) > 0 {
		fmt.Fprintln(&b, "count deltas:")
		for _, c := range d.Counts {
			fmt.Fprintf(&b, "  - %s: %d -> %d (delta %+d)\n", c.Metric, c.A, c.B, c.Delta)
		}
	}
	if len(d.StatusCounts) > 0 {
		fmt.Fprintln(&b, "status deltas:")
		for _, c := range d.StatusCounts {
			fmt.Fprintf(&b, "  - %s: %d -> %d (delta %+d)\n", c.Key, c.A, c.B, c.Delta)
		}
	}
	if d.MigrationsPending.Changed {
		fmt.Fprintf(&b, "migrations_pending changed: %v -> %v\n", d.MigrationsPending.A, d.MigrationsPending.B)
	}
	if d.ContainerAudit.Changed {
		fmt.Fprintf(&b, "container_audit changed: ok %s -> %s, rc %s -> %s\n",
			fmtPtr(d.ContainerAudit.AOK), fmtPtr(d.ContainerAudit.BOK),
			fmtPtr(d.ContainerAudit.ARC), fmtPtr(d.ContainerAudit.BRC))
	}
	if e := d.ExclusiveOccupiedCount; e.Delta != nil && *e.Delta != 0 {
		fmt.Fprintf(&b, "exclusive_occupied_count: %d -> %d (delta %+d)\n", *e.A, *e.B, *e.Delta)
	}
	if d.Empty() {
		fmt.Fprintln(&b, "No deltas detected (doctor-reported metrics identical).")
	}
	fmt.Fprintf(&b, "\nRESULT: %s\n", okWord(true))
	return b.String()
}
