package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"labsnap/internal/snap"
)

// opMetrics collects the gauges of one invocation. They are written to a
// Prometheus textfile (one file per operation) for node_exporter to pick up.
// A nil *opMetrics records nothing.
type opMetrics struct {
	reg *prometheus.Registry

	success   *prometheus.GaugeVec
	duration  *prometheus.GaugeVec
	lastRun   *prometheus.GaugeVec
	doctorOK  *prometheus.GaugeVec
	counts    *prometheus.GaugeVec
	retention *prometheus.GaugeVec
}

func newOpMetrics() *opMetrics {
	m := &opMetrics{
		reg: prometheus.NewRegistry(),
		success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labsnap_operation_success",
			Help: "1 if the last run of the operation succeeded, 0 otherwise.",
		}, []string{"operation"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labsnap_operation_duration_seconds",
			Help: "Wall time of the last run of the operation.",
		}, []string{"operation"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labsnap_operation_last_run_timestamp_seconds",
			Help: "Unix time the last run of the operation finished.",
		}, []string{"operation"}),
		doctorOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labsnap_doctor_ok",
			Help: "1 if the last doctor report was healthy.",
		}, []string{"artifact"}),
		counts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labsnap_doctor_rows",
			Help: "Row counts reported by the last doctor run.",
		}, []string{"artifact", "table"}),
		retention: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labsnap_retention_artifacts",
			Help: "Artifacts planned for deletion and actually deleted by the last retention run.",
		}, []string{"policy", "state"}),
	}
	m.reg.MustRegister(m.success, m.duration, m.lastRun, m.doctorOK, m.counts, m.retention)
	return m
}

func (m *opMetrics) observeDoctor(rep *snap.DoctorReport) {
	if m == nil || rep == nil {
		return
	}
	artifact := filepath.Base(rep.Artifact)
	m.doctorOK.WithLabelValues(artifact).Set(boolGauge(rep.OK))
	for table, n := range rep.Counts {
		m.counts.WithLabelValues(artifact, table).Set(float64(n))
	}
}

func (m *opMetrics) observeRetention(rep *snap.RetentionReport) {
	if m == nil || rep == nil {
		return
	}
	m.retention.WithLabelValues(rep.Policy, "candidate").Set(float64(len(rep.Candidates)))
	m.retention.WithLabelValues(rep.Policy, "deleted").Set(float64(len(rep.Deleted)))
}

func (m *opMetrics) finish(op *Operation, now time.Time) {
	if m == nil {
		return
	}
	m.success.WithLabelValues(op.Name).Set(boolGauge(op.Status == "success"))
	m.duration.WithLabelValues(op.Name).Set(now.Sub(op.StartedAt).Seconds())
	m.lastRun.WithLabelValues(op.Name).Set(float64(now.Unix()))
}

// write stores the gauges as <dir>/labsnap_<operation>.prom.
func (m *opMetrics) write(dir string, op *Operation) (string, error) {
	if m == nil {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating metrics dir: %w", err)
	}
	path := filepath.Join(dir, "labsnap_"+strings.ToLower(op.Name)+".prom")
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return "", fmt.Errorf("writing metrics: %w", err)
	}
	return path, nil
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
