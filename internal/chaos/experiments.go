// internal/chaos/experiments.go
package chaos

import (
	"context"
	"time"
)

// Experiments returns the standard reminder-batch drills.
func (sb *Sandbox) Experiments(latency time.Duration) []Experiment {
	return []Experiment{
		sb.SMSBrownout(0.5, 3),
		sb.MembershipLatency(latency, 2),
		sb.MembershipOutage(2),
	}
}

func (sb *Sandbox) steadyState() []Metric {
	return []Metric{
		{
			Name:      "ledger_drift",
			Query:     sb.LedgerDrift,
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      "last_batch_aborted",
			Query:     func(context.Context) (float64, error) { return sb.LastBatchAborted(), nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

func (sb *Sandbox) coverage(mark *int) Metric {
	return Metric{
		Name:  "reminder_coverage",
		Query: func(context.Context) (float64, error) { return sb.Coverage(*mark), nil },
	}
}

func (sb *Sandbox) failedMetric() Metric {
	return Metric{
		Name:  "last_batch_failed",
		Query: func(context.Context) (float64, error) { return sb.LastBatchFailed(), nil },
	}
}

func mustReachEveryone() Assertion {
	return Assertion{
		Metric:    "reminder_coverage",
		Condition: func(v float64) bool { return v == 1 },
		Message:   "every member in arrears should be reminded once the fault clears",
	}
}

// SMSBrownout drops a share of outbound SMS.
func (sb *Sandbox) SMSBrownout(rate float64, rounds int) Experiment {
	mark := new(int)
	return Experiment{
		Name:        "sms-gateway-brownout",
		Hypothesis:  "Failed reminders do not stop the batch and are retried on the next run",
		SteadyState: sb.steadyState(),
		Observe:     []Metric{sb.coverage(mark), sb.failedMetric()},
		Method: []Action{{
			Type:   "failure",
			Target: "sms-gateway",
			Execute: func(context.Context) error {
				*mark = sb.RemindersSent()
				sb.SMSFault.Inject(rate, 0)
				return nil
			},
		}},
		Rollback: []Action{{
			Type:    "failure",
			Target:  "sms-gateway",
			Execute: func(context.Context) error { sb.SMSFault.Clear(); return nil },
		}},
		Validation: []Assertion{mustReachEveryone()},
		Rounds:     rounds,
		Tick:       sb.NextDay,
	}
}

// MembershipLatency slows every membership lookup made by the engine.
func (sb *Sandbox) MembershipLatency(latency time.Duration, rounds int) Experiment {
	mark := new(int)
	return Experiment{
		Name:        "membership-latency",
		Hypothesis:  "A slow membership service keeps the daily batch within its budget",
		SteadyState: sb.steadyState(),
		Observe:     []Metric{sb.coverage(mark), sb.failedMetric()},
		Method: []Action{{
			Type:   "latency",
			Target: "membership",
			Execute: func(context.Context) error {
				*mark = sb.RemindersSent()
				sb.DirFault.Inject(0, latency)
				return nil
			},
		}},
		Rollback: []Action{{
			Type:    "latency",
			Target:  "membership",
			Execute: func(context.Context) error { sb.DirFault.Clear(); return nil },
		}},
		Validation: []Assertion{
			mustReachEveryone(),
			{
				Metric:    "last_batch_failed",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "no reminder should fail under latency alone",
			},
		},
		Rounds: rounds,
		Tick:   sb.NextDay,
	}
}

// MembershipOutage fails every membership lookup. Balances keep decaying;
// only the reminders are lost until the service returns.
func (sb *Sandbox) MembershipOutage(rounds int) Experiment {
	mark := new(int)
	return Experiment{
		Name:        "membership-outage",
		Hypothesis:  "A membership outage fails reminders per member without corrupting balances",
		SteadyState: sb.steadyState(),
		Observe:     []Metric{sb.coverage(mark), sb.failedMetric()},
		Method: []Action{{
			Type:   "outage",
			Target: "membership",
			Execute: func(context.Context) error {
				*mark = sb.RemindersSent()
				sb.DirFault.Inject(1, 0)
				return nil
			},
		}},
		Rollback: []Action{{
			Type:    "outage",
			Target:  "membership",
			Execute: func(context.Context) error { sb.DirFault.Clear(); return nil },
		}},
		Validation: []Assertion{mustReachEveryone()},
		Rounds:     rounds,
		Tick:       sb.NextDay,
	}
}
