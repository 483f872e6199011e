// Package metrics exposes process counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

const namespace = "dnswarden"

// ReportQuery records one exchange with an upstream resolver.
func ReportQuery(upstream string, started time.Time, err error) {
	vm.GetOrCreateCounter(fmt.Sprintf(`%s_resolver_queries_total{upstream=%q}`, namespace, upstream)).Inc()
	if err != nil {
		vm.GetOrCreateCounter(fmt.Sprintf(`%s_resolver_failures_total{upstream=%q}`, namespace, upstream)).Inc()
		return
	}
	vm.GetOrCreateHistogram(fmt.Sprintf(`%s_resolver_query_duration_seconds{upstream=%q}`, namespace, upstream)).UpdateDuration(started)
}

// ReportResolution records the final outcome of resolving one domain.
func ReportResolution(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`%s_resolutions_total{outcome=%q}`, namespace, outcome)).Inc()
}

// ReportCycle records one monitor cycle.
func ReportCycle(started time.Time, domains int, changes int) {
	vm.GetOrCreateCounter(namespace + "_monitor_cycles_total").Inc()
	vm.GetOrCreateCounter(namespace + "_monitor_changes_total").Add(changes)
	vm.GetOrCreateHistogram(namespace + "_monitor_cycle_duration_seconds").UpdateDuration(started)
	vm.GetOrCreateGauge(namespace+"_monitor_domains", nil).Set(float64(domains))
}

// ReportVoteOpened records newly created vote sessions.
func ReportVoteOpened(count int) {
	vm.GetOrCreateCounter(namespace + "_vote_sessions_opened_total").Add(count)
}

// ReportVoteResolved records a vote session reaching its terminal state.
func ReportVoteResolved(approved bool, reason string) {
	decision := "rejected"
	if approved {
		decision = "approved"
	}
	vm.GetOrCreateCounter(fmt.Sprintf(`%s_vote_sessions_resolved_total{decision=%q,reason=%q}`, namespace, decision, reason)).Inc()
}

// ReportNotificationFailure records a message the notification channel could not deliver.
func ReportNotificationFailure(kind string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`%s_notification_failures_total{kind=%q}`, namespace, kind)).Inc()
}

// WritePrometheus writes all registered metrics plus process metrics to w.
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)
}
