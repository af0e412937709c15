// Package metrics exposes the warden's Prometheus collectors. Collectors are
// package-level so call sites need no plumbing; promauto registers them with
// the default registry at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstancesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_instances_active",
		Help: "Number of running challenge instances.",
	})
	InstancesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_instances_started_total",
		Help: "Total number of challenge instances provisioned.",
	})
	InstanceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_instance_errors_total",
		Help: "Total number of instances that entered the error state.",
	})
	InstancesStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_instances_stopped_total",
		Help: "Total number of instances stopped, by reason.",
	}, []string{"reason"})
	ProvisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_provision_duration_seconds",
		Help:    "Duration of instance provisioning, allocation to running.",
		Buckets: prometheus.DefBuckets,
	})
	FlagSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_flag_submissions_total",
		Help: "Total number of flag submissions, by classification.",
	}, []string{"result"})
	CheatsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_cheats_detected_total",
		Help: "Total number of flag-sharing detections.",
	})
	PortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_ports_in_use",
		Help: "Number of external ports currently leased.",
	})
	SweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warden_sweeps_total",
		Help: "Total number of expiration sweeps run.",
	})
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warden_sweep_duration_seconds",
		Help:    "Duration of expiration sweeps.",
		Buckets: prometheus.DefBuckets,
	})
	AuditSpooled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_audit_spooled_events",
		Help: "Audit events waiting in the local spool for database replay.",
	})
)

// Flag submission result labels.
const (
	ResultCorrect   = "correct"
	ResultIncorrect = "incorrect"
	ResultDuplicate = "duplicate"
	ResultExpired   = "expired"
	ResultCheat     = "cheat"
)
