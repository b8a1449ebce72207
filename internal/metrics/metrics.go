// Package metrics exposes Prometheus instrumentation for the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthSuccesses counts sessions admitted by the authentication core.
	AuthSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sshwarden",
		Subsystem: "auth",
		Name:      "successes_total",
		Help:      "Number of successfully authenticated sessions.",
	})

	// AuthFailures counts recoverable authentication failures by reason
	// class. The classes are coarse on purpose; per-user detail stays in
	// the logs.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sshwarden",
		Subsystem: "auth",
		Name:      "failures_total",
		Help:      "Number of failed authentication attempts.",
	}, []string{"reason"})

	// ProtocolViolations counts connections dropped for malformed or
	// hostile userauth traffic.
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sshwarden",
		Subsystem: "auth",
		Name:      "protocol_violations_total",
		Help:      "Number of connections terminated for userauth protocol violations.",
	})

	// PreauthConnections tracks connections currently occupying a pre-auth
	// slot.
	PreauthConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sshwarden",
		Subsystem: "preauth",
		Name:      "connections",
		Help:      "Connections that have not yet completed authentication.",
	})
)

// Failure reason classes for AuthFailures.
const (
	ReasonUnknownUser     = "unknown_user"
	ReasonPolicy          = "policy"
	ReasonBadCredential   = "bad_credential"
	ReasonMethodDisabled  = "method_disabled"
	ReasonLimitExceeded   = "limit_exceeded"
	ReasonUsernameTooLong = "username_too_long"
)
