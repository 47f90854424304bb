// Package metrics exposes the Prometheus instrumentation for the call
// engine: a supplemented, non-distilled feature (spec.md's Non-goal
// excludes network-quality *adaptation*, not counting). Grounded on the
// pack's own prometheus/client_golang usage (arzzra-soft_phone's go.mod
// manifest), using the standard collector-per-metric registration idiom.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Reason labels the outcome a call ended with, for the CallsEnded counter.
type Reason string

const (
	ReasonCompleted Reason = "completed"
	ReasonRejected  Reason = "rejected"
	ReasonMissed    Reason = "missed"
	ReasonFailed    Reason = "failed"
	ReasonCancelled Reason = "cancelled"
)

// Recorder is the set of collectors one engine instance updates as calls
// progress through the state machine (§4.G). It is safe for concurrent use,
// since every field is a Prometheus collector (collectors are themselves
// concurrency-safe).
type Recorder struct {
	callsStarted   prometheus.Counter
	callsAccepted  prometheus.Counter
	callsEnded     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	ringToAnswer   prometheus.Histogram
	callsInFlight  prometheus.Gauge
}

// NewRecorder creates a Recorder and registers its collectors against reg.
// Passing prometheus.NewRegistry() (rather than the global DefaultRegisterer)
// keeps tests and multiple engine instances from colliding on metric names.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		callsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callwire",
			Subsystem: "engine",
			Name:      "calls_started_total",
			Help:      "Total calls initiated by this engine instance.",
		}),
		callsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callwire",
			Subsystem: "engine",
			Name:      "calls_accepted_total",
			Help:      "Total incoming calls accepted by this engine instance.",
		}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callwire",
			Subsystem: "engine",
			Name:      "calls_ended_total",
			Help:      "Total calls that reached a terminal status, by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callwire",
			Subsystem: "engine",
			Name:      "state_transitions_total",
			Help:      "Total call state machine transitions, by source and destination state.",
		}, []string{"from", "to"}),
		ringToAnswer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "callwire",
			Subsystem: "engine",
			Name:      "ring_to_answer_seconds",
			Help:      "Latency from ringing to an applied answer, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		callsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callwire",
			Subsystem: "engine",
			Name:      "calls_in_flight",
			Help:      "Calls currently in a non-terminal state.",
		}),
	}

	reg.MustRegister(
		r.callsStarted,
		r.callsAccepted,
		r.callsEnded,
		r.transitions,
		r.ringToAnswer,
		r.callsInFlight,
	)
	return r
}

// CallStarted records an outgoing call initiation and increments the
// in-flight gauge.
func (r *Recorder) CallStarted() {
	r.callsStarted.Inc()
	r.callsInFlight.Inc()
}

// CallAccepted records an incoming call acceptance. It does not touch the
// in-flight gauge: the accepting party's call was already counted as
// in-flight by CallRinging when its insert was observed.
func (r *Recorder) CallAccepted() {
	r.callsAccepted.Inc()
}

// CallRinging marks an incoming call as now in-flight, called when the
// state machine enters ringing for the receiving party (the outgoing side
// already counted itself via CallStarted).
func (r *Recorder) CallRinging() {
	r.callsInFlight.Inc()
}

// CallEnded records a call reaching a terminal status and decrements the
// in-flight gauge. Safe to call at most once per call (the callfsm cleanup
// hook this feeds is itself sync.Once-guarded).
func (r *Recorder) CallEnded(reason Reason) {
	r.callsEnded.WithLabelValues(string(reason)).Inc()
	r.callsInFlight.Dec()
}

// Transition records one state machine edge (§4.G).
func (r *Recorder) Transition(from, to string) {
	r.transitions.WithLabelValues(from, to).Inc()
}

// ObserveRingToAnswer records the latency between ringing and an applied
// answer, in seconds.
func (r *Recorder) ObserveRingToAnswer(seconds float64) {
	r.ringToAnswer.Observe(seconds)
}
