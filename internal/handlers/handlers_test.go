package handlers

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"spectro-station/internal/event"
	"spectro-station/internal/metrics"
	"spectro-station/internal/persistence"
	"spectro-station/internal/station"
	"spectro-station/internal/types"
	"spectro-station/internal/web"
)

type fakeSource struct{}

func (fakeSource) Snapshot() station.Snapshot { return station.Snapshot{} }

type fakeJournal struct {
	mu      sync.Mutex
	entries []persistence.Entry
}

func (j *fakeJournal) Journal(e persistence.Entry) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *fakeJournal) count(typ string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func setup(t *testing.T) (*event.Bus, *web.StateTracker, *fakeJournal) {
	t.Helper()
	bus := event.NewBus(nil)
	tracker := web.NewStateTracker(fakeSource{}, nil)
	journal := &fakeJournal{}
	RegisterEventHandlers(bus, tracker, journal, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Run(ctx)
	return bus, tracker, journal
}

func TestStatusMessagesReachTrackerAndJournal(t *testing.T) {
	bus, tracker, journal := setup(t)

	bus.Publish(event.Event{Type: event.StatusMessage, Device: types.DeviceRotator, Message: "Motor not connected"})
	waitFor(t, func() bool { return len(tracker.GetStateSnapshot().Recent) == 1 })

	line := tracker.GetStateSnapshot().Recent[0]
	if line.Message != "Motor not connected" || line.Device != string(types.DeviceRotator) {
		t.Errorf("状态行错误: %+v", line)
	}
	waitFor(t, func() bool { return journal.count(persistence.EntryStatus) == 1 })
}

func TestOperationCompletedUpdatesMetrics(t *testing.T) {
	bus, _, journal := setup(t)

	failed := metrics.OperationsTotal.WithLabelValues(string(types.DeviceFilterWheel), "move", "failed")
	before := testutil.ToFloat64(failed)

	res := types.Failed(types.DeviceFilterWheel, "move", types.ErrTimeout, "")
	bus.Publish(event.Event{Type: event.OperationCompleted, Device: types.DeviceFilterWheel, OpID: "op-1", Result: &res, Duration: 20 * time.Millisecond})

	ok := types.Succeeded(types.DeviceFilterWheel, "move", 3, "")
	bus.Publish(event.Event{Type: event.OperationCompleted, Device: types.DeviceFilterWheel, OpID: "op-2", Result: &ok})

	waitFor(t, func() bool { return testutil.ToFloat64(failed) == before+1 })
	waitFor(t, func() bool { return journal.count(persistence.EntryOperation) == 1 })
}

func TestRoutineTransitionsAreJournaled(t *testing.T) {
	bus, _, journal := setup(t)

	bus.Publish(event.Event{Type: event.RoutineChanged, Routine: &types.RoutineInfo{Name: "calib", State: "RUNNING", Running: true}})
	bus.Publish(event.Event{Type: event.RoutineChanged, Routine: &types.RoutineInfo{Name: "calib", State: "COMPLETED"}})

	waitFor(t, func() bool { return journal.count(persistence.EntryRoutine) == 1 })
	journal.mu.Lock()
	defer journal.mu.Unlock()
	for _, e := range journal.entries {
		if e.Type == persistence.EntryRoutine && e.Message != "calib COMPLETED" {
			t.Errorf("例程日志 %q", e.Message)
		}
	}
}

func TestNilJournalIsAllowed(t *testing.T) {
	bus := event.NewBus(nil)
	tracker := web.NewStateTracker(fakeSource{}, nil)
	RegisterEventHandlers(bus, tracker, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	bus.Publish(event.Event{Type: event.StatusMessage, Message: "hello"})
	waitFor(t, func() bool { return len(tracker.GetStateSnapshot().Recent) == 1 })
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("等待条件超时")
}
