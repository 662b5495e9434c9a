// Package metrics records the outcome of a single query invocation as a
// node_exporter textfile-collector file, since aidentd has no long-lived
// process to scrape directly: each query is its own short-lived run, so
// the only way to expose Prometheus metrics is to have every invocation
// overwrite a shared .prom file that node_exporter's textfile collector
// picks up on its own schedule.
package metrics

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Outcome classifies how a query was resolved, used as the "outcome"
// label on the exported aidentd_last_query_outcome gauge.
type Outcome string

const (
	OutcomeLocal      Outcome = "local"
	OutcomeForwarded  Outcome = "forwarded"
	OutcomeNoUser     Outcome = "no_user"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomeSuppressed Outcome = "suppressed"
)

// Snapshot describes the single query this process just served.
type Snapshot struct {
	Outcome  Outcome
	Duration time.Duration
}

// WriteTextfile renders snap as a node_exporter textfile-collector file
// at path, replacing it atomically (write to a temp file in the same
// directory, then rename) so a concurrent scrape never observes a
// partially written file.
func WriteTextfile(path string, snap Snapshot) error {
	reg := prometheus.NewRegistry()

	lastQueryTimestamp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aidentd_last_query_timestamp_seconds",
		Help: "Unix timestamp of the most recently served ident query.",
	})
	lastQueryTimestamp.Set(float64(time.Now().Unix()))

	lastQueryDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aidentd_last_query_duration_seconds",
		Help: "Wall-clock duration of the most recently served ident query.",
	})
	lastQueryDuration.Set(snap.Duration.Seconds())

	lastQueryOutcome := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aidentd_last_query_outcome",
		Help: "1 for the outcome of the most recently served query, 0 for all others.",
	}, []string{"outcome"})
	for _, o := range []Outcome{OutcomeLocal, OutcomeForwarded, OutcomeNoUser, OutcomeInvalid, OutcomeTimedOut, OutcomeSuppressed} {
		v := 0.0
		if o == snap.Outcome {
			v = 1.0
		}
		lastQueryOutcome.WithLabelValues(string(o)).Set(v)
	}

	reg.MustRegister(lastQueryTimestamp, lastQueryDuration, lastQueryOutcome)

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("metrics: encode: %w", err)
		}
	}

	return writeAtomic(path, buf.Bytes())
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".aidentd-metrics-*")
	if err != nil {
		return fmt.Errorf("metrics: tempfile: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("metrics: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metrics: close: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metrics: chmod: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("metrics: rename: %w", err)
	}
	return nil
}
