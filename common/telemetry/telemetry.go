package telemetry

import (
	"fmt"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yawlengine/yawl/common/logger"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	CasesLaunched   prometheus.Counter
	CasesCompleted  prometheus.Counter
	CasesFailed     prometheus.Counter
	CasesCancelled  prometheus.Counter
	ItemsByOutcome  *prometheus.CounterVec
	EventsAppended  prometheus.Counter
	SubscriberDrops prometheus.Counter
	ActiveCases     prometheus.Gauge
	ActiveItems     prometheus.Gauge
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CasesLaunched: factory.NewCounter(prometheus.CounterOpts{
			Name: "yawl_cases_launched_total",
			Help: "Cases launched since engine start.",
		}),
		CasesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "yawl_cases_completed_total",
			Help: "Cases that reached normal completion.",
		}),
		CasesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "yawl_cases_failed_total",
			Help: "Cases that failed, including deadlocks.",
		}),
		CasesCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "yawl_cases_cancelled_total",
			Help: "Cases cancelled by clients.",
		}),
		ItemsByOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "yawl_workitems_total",
			Help: "Work items by terminal outcome.",
		}, []string{"outcome"}),
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "yawl_events_appended_total",
			Help: "Events appended to the log.",
		}),
		SubscriberDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "yawl_subscriber_drops_total",
			Help: "Event subscribers dropped for slow consumption.",
		}),
		ActiveCases: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yawl_active_cases",
			Help: "Cases currently active.",
		}),
		ActiveItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yawl_active_workitems",
			Help: "Work items not yet in a terminal state.",
		}),
	}
}

// Telemetry serves pprof, metrics, and health probes on the admin listener.
type Telemetry struct {
	log     *logger.Logger
	addr    string
	mux     *http.ServeMux
	Metrics *Metrics
}

// New creates telemetry components. healthFn reports engine health for the
// admin health probe; a nil healthFn always reports healthy.
func New(adminPort int, enablePprof, enableMetrics bool, healthFn func() error, log *logger.Logger) *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		log:     log,
		addr:    fmt.Sprintf("localhost:%d", adminPort),
		mux:     http.NewServeMux(),
		Metrics: newMetrics(reg),
	}

	t.mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if healthFn != nil {
			if err := healthFn(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, `{"status":"degraded","error":%q}`, err.Error())
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	if enableMetrics {
		t.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	if enablePprof {
		t.mux.HandleFunc("/debug/pprof/", pprof.Index)
		t.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		t.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		t.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		t.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return t
}

// Start serves the admin listener in the background.
func (t *Telemetry) Start() {
	go func() {
		t.log.Info("admin server starting", "addr", t.addr)
		if err := http.ListenAndServe(t.addr, t.mux); err != nil {
			t.log.Error("admin server error", "error", err)
		}
	}()
}
