package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Vec collectors are not gathered until at least one label set exists.
	InstancesStopped.WithLabelValues("expired")
	FlagSubmissions.WithLabelValues(ResultCorrect)

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"warden_instances_active":            false,
		"warden_instances_started_total":     false,
		"warden_instance_errors_total":       false,
		"warden_instances_stopped_total":     false,
		"warden_provision_duration_seconds":  false,
		"warden_flag_submissions_total":      false,
		"warden_cheats_detected_total":       false,
		"warden_ports_in_use":                false,
		"warden_sweeps_total":                false,
		"warden_sweep_duration_seconds":      false,
		"warden_audit_spooled_events":        false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	InstancesActive.Set(4)
	PortsInUse.Set(12)

	path := filepath.Join(t.TempDir(), "warden.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	out := string(data)

	if !strings.Contains(out, "warden_instances_active 4") {
		t.Errorf("textfile missing gauge value:\n%s", out)
	}
	if !strings.Contains(out, "warden_ports_in_use 12") {
		t.Errorf("textfile missing ports gauge:\n%s", out)
	}
	// Only warden_ families are exported; runtime metrics stay out.
	if strings.Contains(out, "go_goroutines") {
		t.Error("textfile leaked non-warden metrics")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}
