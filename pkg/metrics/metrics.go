package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	LiveInstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_live_instances_total",
			Help: "Number of live participant instances per cluster",
		},
		[]string{"cluster"},
	)

	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_resources_total",
			Help: "Number of managed resources per cluster",
		},
		[]string{"cluster"},
	)

	ControllerLeader = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_controller_is_leader",
			Help: "Whether this controller holds cluster leadership (1 = leader)",
		},
		[]string{"cluster"},
	)

	// Pipeline metrics
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_pipeline_runs_total",
			Help: "Total pipeline runs by outcome",
		},
		[]string{"cluster", "outcome"},
	)

	PipelineRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_pipeline_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cluster"},
	)

	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_messages_dispatched_total",
			Help: "State-transition messages dispatched by type",
		},
		[]string{"cluster", "type"},
	)

	TransitionsThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_transitions_throttled_total",
			Help: "Transitions deferred by throttle caps, by class",
		},
		[]string{"cluster", "class"},
	)

	StateModelViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_state_model_violations_total",
			Help: "Pipeline aborts caused by illegal computed transitions",
		},
		[]string{"cluster"},
	)

	// Participant metrics
	HandlerInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helmsman_handler_invocations_total",
			Help: "State-transition handler invocations by outcome",
		},
		[]string{"resource", "outcome"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helmsman_handler_duration_seconds",
			Help:    "State-transition handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource"},
	)

	MessagesPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helmsman_messages_pending",
			Help: "Messages waiting on the participant's inbound queue",
		},
		[]string{"instance"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LiveInstancesTotal)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(ControllerLeader)
	prometheus.MustRegister(PipelineRunsTotal)
	prometheus.MustRegister(PipelineRunDuration)
	prometheus.MustRegister(MessagesDispatched)
	prometheus.MustRegister(TransitionsThrottled)
	prometheus.MustRegister(StateModelViolations)
	prometheus.MustRegister(HandlerInvocations)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(MessagesPending)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on the given observer
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labeled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
