// Package state implements the per-process state agent: a single-writer
// goroutine owning submitted/completed/poisoned counters, driving the
// terminal transition once every input port has closed and every
// submitted task has completed.
package state

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// eventKind discriminates the requests sent to the agent's single writer
// goroutine.
type eventKind int

const (
	evIncSubmitted eventKind = iota
	evIncCompleted
	evPoisonPort
	evClose
	evSnapshot
)

type event struct {
	kind   eventKind
	port   int
	result chan Snapshot
}

// Snapshot is a read-only view of the state at one point in time.
type Snapshot struct {
	Submitted   int64
	Completed   int64
	Ports       int
	PortBitmap  uint64 // bit i set => port i still open
	Poisoned    bool
	Terminated  bool
}

// Agent is the single-writer state machine for one process. All mutation
// enters through a request channel; OnTerminate fires at most once, when
// poisoned becomes true and submitted==completed.
type Agent struct {
	requests chan event
	done     chan struct{}

	onTerminate func()

	submittedGauge prometheus.Gauge
	completedGauge prometheus.Gauge
	poisonedGauge  prometheus.Gauge

	closeOnce sync.Once
}

// New starts an Agent for a process with numPorts input ports, all
// initially open. onTerminate is invoked exactly once, from the agent's
// own goroutine, when the terminal condition is reached. metricsLabel
// identifies the process in the exposed Prometheus gauges.
func New(numPorts int, metricsLabel string, onTerminate func()) *Agent {
	a := &Agent{
		requests:    make(chan event, 64),
		done:        make(chan struct{}),
		onTerminate: onTerminate,
		submittedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "taskproc_process_submitted",
			Help:        "Tasks submitted by this process.",
			ConstLabels: prometheus.Labels{"process": metricsLabel},
		}),
		completedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "taskproc_process_completed",
			Help:        "Tasks completed by this process.",
			ConstLabels: prometheus.Labels{"process": metricsLabel},
		}),
		poisonedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "taskproc_process_poisoned",
			Help:        "1 once this process has seen poison on every input port.",
			ConstLabels: prometheus.Labels{"process": metricsLabel},
		}),
	}

	bitmap := uint64(0)
	for i := 0; i < numPorts; i++ {
		bitmap |= 1 << uint(i)
	}

	go a.run(numPorts, bitmap)
	return a
}

// Collectors returns the Prometheus gauges for registration.
func (a *Agent) Collectors() []prometheus.Collector {
	return []prometheus.Collector{a.submittedGauge, a.completedGauge, a.poisonedGauge}
}

func (a *Agent) run(numPorts int, bitmap uint64) {
	submitted, completed := int64(0), int64(0)
	poisoned := false
	terminated := false

	for ev := range a.requests {
		switch ev.kind {
		case evIncSubmitted:
			submitted++
			a.submittedGauge.Set(float64(submitted))
		case evIncCompleted:
			completed++
			a.completedGauge.Set(float64(completed))
		case evPoisonPort:
			bitmap &^= 1 << uint(ev.port)
			if bitmap == 0 {
				poisoned = true
				a.poisonedGauge.Set(1)
			}
		case evClose:
			close(a.done)
			return
		case evSnapshot:
			ev.result <- Snapshot{
				Submitted: submitted, Completed: completed, Ports: numPorts,
				PortBitmap: bitmap, Poisoned: poisoned, Terminated: terminated,
			}
			continue
		}

		if !terminated && poisoned && submitted == completed {
			terminated = true
			if a.onTerminate != nil {
				a.onTerminate()
			}
		}
	}
}

// IncSubmitted records one more submitted task.
func (a *Agent) IncSubmitted() { a.requests <- event{kind: evIncSubmitted} }

// IncCompleted records one more completed task, possibly firing the
// terminal transition if the process is already poisoned.
func (a *Agent) IncCompleted() { a.requests <- event{kind: evIncCompleted} }

// PoisonPort marks one input port closed.
func (a *Agent) PoisonPort(port int) { a.requests <- event{kind: evPoisonPort, port: port} }

// Close stops the agent's goroutine. Safe to call once.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.requests <- event{kind: evClose}
		<-a.done
	})
}

// Snapshot blocks until the agent's writer goroutine returns a consistent
// view of its state. Useful for tests and diagnostics; not on any hot
// path.
func (a *Agent) Snapshot(ctx context.Context) (Snapshot, bool) {
	result := make(chan Snapshot, 1)
	select {
	case a.requests <- event{kind: evSnapshot, result: result}:
	case <-ctx.Done():
		return Snapshot{}, false
	}
	select {
	case s := <-result:
		return s, true
	case <-ctx.Done():
		return Snapshot{}, false
	}
}
