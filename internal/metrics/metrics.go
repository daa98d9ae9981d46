// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckinsTotal counts recorded check-ins by method.
	CheckinsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gymgate_checkins_total",
		Help: "Recorded check-ins by method.",
	}, []string{"method"})

	// CheckinRefusals counts refused check-in attempts by reason.
	CheckinRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gymgate_checkin_refusals_total",
		Help: "Refused check-in attempts by reason.",
	}, []string{"reason"})

	// CheckinUndos counts staff corrections of same-day check-ins.
	CheckinUndos = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gymgate_checkin_undos_total",
		Help: "Same-day check-in removals performed by staff.",
	})

	// EnrollmentRejections counts refused face enrollments (duplicates,
	// bad descriptors, disabled tenants).
	EnrollmentRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gymgate_face_enrollment_rejections_total",
		Help: "Face enrollments rejected by policy.",
	})

	// FaceMatchDuration observes identification latency, local and remote.
	FaceMatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gymgate_face_match_duration_seconds",
		Help:    "Time spent resolving a face probe to a member.",
		Buckets: prometheus.DefBuckets,
	})
)
