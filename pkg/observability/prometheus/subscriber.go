package prometheus

import (
	"github.com/fluxorio/statechart/pkg/chart"
)

// Subscriber drains an ObservationHub subscription, translating each Record
// into the matching Prometheus collector. Call it in its own goroutine;
// it returns once the subscription's mailbox is closed.
type Subscriber struct {
	metrics *Metrics
}

// NewSubscriber creates a subscriber reporting into m.
func NewSubscriber(m *Metrics) *Subscriber {
	return &Subscriber{metrics: m}
}

// Run consumes ch until it is closed.
func (s *Subscriber) Run(ch <-chan chart.Observation) {
	for obs := range ch {
		s.record(obs)
	}
}

func (s *Subscriber) record(obs chart.Observation) {
	r := obs.Record
	switch r.Kind {
	case "event":
		s.metrics.EventsProcessedTotal.WithLabelValues(obs.MachineID, r.Detail).Inc()
	case "step":
		s.metrics.MacrostepDuration.WithLabelValues(obs.MachineID).Observe(r.Duration.Seconds())
	case "transition":
		s.metrics.TransitionsTakenTotal.WithLabelValues(obs.MachineID, r.Detail).Inc()
	case "guard":
		s.metrics.RecordGuard(obs.MachineID, r.Err == nil)
	case "error":
		if r.Err != nil {
			s.metrics.RecordActionError(obs.MachineID)
		}
	case "service":
		s.metrics.RecordServiceOutcome(obs.MachineID, r.Detail)
	case "status":
		switch r.Detail {
		case string(chart.StatusRunning):
			s.metrics.ActiveMachines.Inc()
		case string(chart.StatusStopped), string(chart.StatusError):
			s.metrics.ActiveMachines.Dec()
		}
	}
}
