// internal/billing/metrics.go
package billing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type metrics struct {
	payments        metric.Int64Counter
	daysCredited    metric.Int64Counter
	adjustments     metric.Int64Counter
	remindersSent   metric.Int64Counter
	remindersFailed metric.Int64Counter
}

func newMetrics() metrics {
	meter := otel.Meter("covernexus/billing")
	return metrics{
		payments:        counter(meter, "billing_payments_total", "Payments applied to member balances"),
		daysCredited:    counter(meter, "billing_days_credited_total", "Days of cover credited by payments"),
		adjustments:     counter(meter, "billing_adjustments_total", "Manual balance adjustments"),
		remindersSent:   counter(meter, "billing_reminders_sent_total", "Arrears reminders delivered"),
		remindersFailed: counter(meter, "billing_reminders_failed_total", "Arrears reminders the gateway rejected"),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}
