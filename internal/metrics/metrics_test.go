package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteTextfileContainsExpectedMetrics(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aidentd.prom")

	if err := WriteTextfile(path, Snapshot{Outcome: OutcomeForwarded, Duration: 250 * time.Millisecond}); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	body := string(data)

	for _, want := range []string{
		"aidentd_last_query_timestamp_seconds",
		"aidentd_last_query_duration_seconds 0.25",
		`aidentd_last_query_outcome{outcome="forwarded"} 1`,
		`aidentd_last_query_outcome{outcome="local"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("textfile missing %q\nfull output:\n%s", want, body)
		}
	}
}

func TestWriteTextfileOverwritesPreviousContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aidentd.prom")

	if err := WriteTextfile(path, Snapshot{Outcome: OutcomeInvalid}); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	if err := WriteTextfile(path, Snapshot{Outcome: OutcomeLocal}); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	body := string(data)
	if strings.Contains(body, `outcome="invalid"} 1`) {
		t.Errorf("expected previous invalid outcome to be overwritten, got:\n%s", body)
	}
	if !strings.Contains(body, `outcome="local"} 1`) {
		t.Errorf("expected current local outcome set, got:\n%s", body)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file left in %s, got %d", dir, len(entries))
	}
}
