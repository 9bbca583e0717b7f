package container

import (
	"context"
	"time"

	"github.com/yawlengine/yawl/cmd/yawl/announce"
	"github.com/yawlengine/yawl/cmd/yawl/eventlog"
)

// gaugeRefresh is how often the census gauges are re-read.
const gaugeRefresh = 15 * time.Second

// ObserveMetrics subscribes to the hub and keeps the Prometheus
// collectors current. It is itself a hub subscriber, so a stall here
// drops the observer rather than blocking the engine; counters then
// undercount until restart, which is acceptable for telemetry.
func (ct *Container) ObserveMetrics(ctx context.Context) {
	m := ct.Telemetry.Metrics
	sub := ct.Hub.Subscribe(announce.Filter{})
	defer ct.Hub.Unsubscribe(sub.ID)

	refresh := time.NewTicker(gaugeRefresh)
	defer refresh.Stop()

	updateGauges := func() {
		stats := ct.Registry.Census()
		m.ActiveCases.Set(float64(stats.ActiveCases))
		m.ActiveItems.Set(float64(stats.ActiveItems))
	}
	updateGauges()

	for {
		select {
		case e := <-sub.Events():
			m.EventsAppended.Inc()
			switch e.Type {
			case eventlog.TypeCaseStarted:
				m.CasesLaunched.Inc()
			case eventlog.TypeCaseCompleted:
				m.CasesCompleted.Inc()
			case eventlog.TypeCaseFailed:
				m.CasesFailed.Inc()
			case eventlog.TypeCaseCancelled:
				m.CasesCancelled.Inc()
			case eventlog.TypeItemCompleted:
				m.ItemsByOutcome.WithLabelValues("completed").Inc()
			case eventlog.TypeItemSkipped:
				m.ItemsByOutcome.WithLabelValues("skipped").Inc()
			case eventlog.TypeItemFailed:
				m.ItemsByOutcome.WithLabelValues("failed").Inc()
			case eventlog.TypeItemWithdrawn:
				m.ItemsByOutcome.WithLabelValues("withdrawn").Inc()
			case eventlog.TypeSubscriberDropped:
				m.SubscriberDrops.Inc()
			}
		case <-refresh.C:
			updateGauges()
		case <-sub.Done():
			ct.Log.Warn("metrics observer dropped from the hub")
			return
		case <-ctx.Done():
			return
		}
	}
}
