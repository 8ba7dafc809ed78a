package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Transition("SHIPMENT", "APPROVED", "ok")
	m.Action("fulfil_invoice_lines", "SUCCEEDED")
	m.CASRetry("RESERVE")
	m.Notification("EMAIL", "mock", "DELIVERED")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{}
	for _, f := range families {
		seen[f.GetName()] = len(f.GetMetric()) > 0
	}
	for _, name := range []string{
		"records_transitions_total",
		"records_automation_actions_total",
		"records_stock_cas_retries_total",
		"records_notifications_total",
	} {
		if !seen[name] {
			t.Fatalf("expected %s to be registered with a sample", name)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("DEAL", "WON", "ok")
	m.Action("x", "FAILED")
	m.CASRetry("RESERVE")
	m.Notification("SMS", "twilio", "FAILED")
}
