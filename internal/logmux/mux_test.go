package logmux

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Paintersrp/phaserun/internal/metrics"
	"github.com/Paintersrp/phaserun/internal/phase"
)

func TestMuxFansInMultipleSources(t *testing.T) {
	mux := New(8)
	src1 := make(chan phase.Event)
	src2 := make(chan phase.Event)

	mux.Add(src1)
	mux.Add(src2)

	go func() {
		src1 <- phase.Event{Phase: "compile", Type: phase.EventTypeLog, Message: "cc main.c"}
		src1 <- phase.Event{Phase: "compile", Type: phase.EventTypeExited, Message: "exit status 0"}
		close(src1)
	}()

	go func() {
		src2 <- phase.Event{Phase: "docs", Type: phase.EventTypeLog, Message: "rendering"}
		close(src2)
	}()

	go mux.Close()

	perPhase := map[string][]phase.Event{}
	for evt := range mux.Output() {
		perPhase[evt.Phase] = append(perPhase[evt.Phase], evt)
	}

	compile := perPhase["compile"]
	if len(compile) != 2 || compile[0].Message != "cc main.c" || compile[1].Type != phase.EventTypeExited {
		t.Fatalf("unexpected compile events %+v", compile)
	}
	if compile[0].Source != phase.LogSourceOutput || compile[1].Source != phase.LogSourceSystem {
		t.Fatalf("expected normalized sources, got %q and %q", compile[0].Source, compile[1].Source)
	}
	if docs := perPhase["docs"]; len(docs) != 1 || docs[0].Level != "info" {
		t.Fatalf("unexpected docs events %+v", docs)
	}
}

func TestMuxEmitsDropMetaEvents(t *testing.T) {
	mux := New(1)
	src := make(chan phase.Event)

	mux.Add(src)

	done := make(chan struct{})
	go func() {
		src <- phase.Event{Phase: "test", Type: phase.EventTypeLog, Message: "line-1", Level: "info"}
		src <- phase.Event{Phase: "test", Type: phase.EventTypeLog, Message: "line-2", Level: "info"}
		src <- phase.Event{Phase: "test", Type: phase.EventTypeLog, Message: "line-3", Level: "info"}
		close(src)
		close(done)
	}()

	<-done
	mux.inputs.Wait()

	go mux.Close()

	var events []phase.Event
	for evt := range mux.Output() {
		events = append(events, evt)
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 events (1 log + 1 meta), got %d", len(events))
	}

	if events[0].Message != "line-1" {
		t.Fatalf("expected first event to be the original log, got %q", events[0].Message)
	}

	meta := events[1]
	if meta.Phase != "test" {
		t.Fatalf("meta event phase mismatch: got %s", meta.Phase)
	}
	if meta.Message != "dropped=2" {
		t.Fatalf("expected drop metadata, got %q", meta.Message)
	}
	if meta.Source != phase.LogSourceSystem {
		t.Fatalf("expected meta source to be %s, got %s", phase.LogSourceSystem, meta.Source)
	}
	if meta.Level != "warn" {
		t.Fatalf("expected meta level warn, got %s", meta.Level)
	}
	if time.Since(meta.Timestamp) > time.Second {
		t.Fatalf("expected recent timestamp, got %v", meta.Timestamp)
	}
	if n, err := testutil.GatherAndCount(metrics.Registry(), "phaserun_output_lines_dropped_total"); err != nil || n == 0 {
		t.Fatalf("expected dropped lines to be counted, got %d (%v)", n, err)
	}
}

func TestMuxNeverDropsLifecycleEvents(t *testing.T) {
	mux := New(1)
	mux.deliver(normalize(phase.Event{Phase: "build", Type: phase.EventTypeLog, Message: "kept"}))
	mux.deliver(normalize(phase.Event{Phase: "build", Type: phase.EventTypeLog, Message: "dropped"}))

	collected := make(chan []string)
	go func() {
		var msgs []string
		for evt := range mux.Output() {
			msgs = append(msgs, evt.Message)
		}
		collected <- msgs
	}()

	mux.deliver(normalize(phase.Event{Phase: "build", Type: phase.EventTypeFailed, Message: "exit status 1"}))
	mux.Close()

	got := <-collected
	want := []string{"kept", "dropped=1", "exit status 1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMuxNeverDropsRunnerNotices(t *testing.T) {
	mux := New(1)
	mux.deliver(normalize(phase.Event{Phase: "pack", Type: phase.EventTypeLog, Message: "kept"}))

	collected := make(chan []string)
	go func() {
		var msgs []string
		for evt := range mux.Output() {
			msgs = append(msgs, evt.Message)
		}
		collected <- msgs
	}()

	mux.deliver(normalize(phase.Event{Phase: "pack", Type: phase.EventTypeLog, Message: "dropped=7", Source: phase.LogSourceSystem, Level: "warn"}))
	mux.Close()

	got := <-collected
	if len(got) != 2 || got[0] != "kept" || got[1] != "dropped=7" {
		t.Fatalf("expected runner notice delivered, got %v", got)
	}
}
