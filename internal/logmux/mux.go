package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/phaserun/internal/metrics"
	"github.com/Paintersrp/phaserun/internal/phase"
)

// Mux fans in phase events and delivers them via a bounded channel. Command
// output is dropped when the consumer falls behind and the output buffer is
// full; a synthesized warning then reports how many lines were discarded.
// Lifecycle events and notices from phaserun itself are never dropped; the
// mux blocks on them until the consumer catches up, and the runner then drops
// output lines at its own send instead of stalling the event loop.
type Mux struct {
	out chan phase.Event

	mu     sync.Mutex
	drops  map[string]int
	inputs sync.WaitGroup
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan phase.Event, size),
		drops: make(map[string]int),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan phase.Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the source
// channel is closed.
func (m *Mux) Add(source <-chan phase.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(evt phase.Event) {
	if evt.Type != phase.EventTypeLog || evt.Source == phase.LogSourceSystem {
		// Report drops before the lifecycle event that follows them.
		m.flushPhase(evt.Phase)
		m.out <- evt
		return
	}
	if m.flushPending(evt.Phase) && m.trySend(evt) {
		return
	}
	m.recordDrop(evt.Phase, 1)
	metrics.AddDroppedLines(evt.Phase, 1)
}

func (m *Mux) flushPending(name string) bool {
	count := m.takeDrops(name)
	if count == 0 {
		return true
	}
	if m.trySend(synthesizeDropEvent(name, count)) {
		return true
	}
	m.recordDrop(name, count)
	return false
}

func (m *Mux) flushPhase(name string) {
	if count := m.takeDrops(name); count > 0 {
		m.out <- synthesizeDropEvent(name, count)
	}
}

func (m *Mux) takeDrops(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := m.drops[name]
	delete(m.drops, name)
	return count
}

func (m *Mux) recordDrop(name string, count int) {
	if count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drops[name] += count
}

func (m *Mux) flushDrops() {
	m.mu.Lock()
	pending := m.drops
	m.drops = make(map[string]int)
	m.mu.Unlock()

	for name, count := range pending {
		if count > 0 {
			m.out <- synthesizeDropEvent(name, count)
		}
	}
}

func (m *Mux) trySend(evt phase.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func normalize(evt phase.Event) phase.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		if evt.Type == phase.EventTypeLog {
			evt.Source = phase.LogSourceOutput
		} else {
			evt.Source = phase.LogSourceSystem
		}
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	return evt
}

func synthesizeDropEvent(name string, count int) phase.Event {
	return phase.Event{
		Timestamp: time.Now(),
		Phase:     name,
		Type:      phase.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", count),
		Level:     "warn",
		Source:    phase.LogSourceSystem,
	}
}
