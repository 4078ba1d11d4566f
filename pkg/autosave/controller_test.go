package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingSaver struct {
	mu       sync.Mutex
	payloads []json.RawMessage
	times    []time.Time
	failWith error
}

func (r *recordingSaver) save(ctx context.Context, config json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return r.failWith
	}
	r.payloads = append(r.payloads, append(json.RawMessage(nil), config...))
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recordingSaver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recordingSaver) last() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1]
}

func (r *recordingSaver) setFailure(err error) {
	r.mu.Lock()
	r.failWith = err
	r.mu.Unlock()
}

func newTestController(t *testing.T, saver *recordingSaver, mutate func(*ControllerConfig)) (*Controller, *ConsoleState) {
	t.Helper()
	state := NewConsoleState(nil)
	cfg := ControllerConfig{
		State:     state,
		Save:      saver.save,
		IdleDelay: 20 * time.Millisecond,
		Enabled:   true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	controller, err := NewController(cfg)
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	t.Cleanup(controller.Close)
	return controller, state
}

func TestNewControllerValidation(t *testing.T) {
	saver := &recordingSaver{}
	if _, err := NewController(ControllerConfig{Save: saver.save, IdleDelay: time.Millisecond}); err != ErrMissingState {
		t.Fatalf("expected missing state error, got %v", err)
	}
	if _, err := NewController(ControllerConfig{State: NewConsoleState(nil), IdleDelay: time.Millisecond}); err != ErrMissingSaveFunc {
		t.Fatalf("expected missing save func error, got %v", err)
	}
}

func TestControllerSavesLatestDraftAfterIdle(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, nil)
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	state.SetDraft(json.RawMessage(`{"title":"o"}`))
	state.SetDraft(json.RawMessage(`{"title":"on"}`))
	state.SetDraft(json.RawMessage(`{"title":"one"}`))

	waitForCondition(t, time.Second, func() bool { return saver.count() == 1 })
	if !configEqual(saver.last(), json.RawMessage(`{"title":"one"}`)) {
		t.Fatalf("expected the latest draft to be saved, got %s", saver.last())
	}

	waitForCondition(t, time.Second, func() bool { return state.Status() == StatusSaved })
	if !configEqual(state.Confirmed(), json.RawMessage(`{"title":"one"}`)) {
		t.Fatalf("expected the confirmed baseline to advance")
	}

	time.Sleep(60 * time.Millisecond)
	if saver.count() != 1 {
		t.Fatalf("expected a single coalesced save, got %d", saver.count())
	}
}

func TestControllerIgnoresEditsBeforeBaseline(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, nil)

	state.SetDraft(json.RawMessage(`{"title":"early"}`))
	time.Sleep(60 * time.Millisecond)

	if saver.count() != 0 {
		t.Fatalf("expected no save before the initial load, got %d", saver.count())
	}
	if controller.Status() != StatusSaved {
		t.Fatalf("unexpected status %s", controller.Status())
	}
}

func TestControllerChangeThenUndo(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, func(cfg *ControllerConfig) {
		cfg.IdleDelay = 100 * time.Millisecond
	})
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	state.SetDraft(json.RawMessage(`{"title":"edited"}`))
	if state.Status() != StatusUnsaved {
		t.Fatalf("expected unsaved after edit, got %s", state.Status())
	}

	state.SetDraft(json.RawMessage(`{"title":"original"}`))
	if state.Status() != StatusSaved {
		t.Fatalf("expected saved after undo, got %s", state.Status())
	}

	time.Sleep(200 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatalf("expected no save after change-then-undo, got %d", saver.count())
	}
}

func TestControllerTreatsFormattingAsEqual(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, nil)
	controller.ResetBaseline(json.RawMessage(`{"title":"a","blocks":[1]}`))

	state.SetDraft(json.RawMessage(`{ "blocks": [1], "title": "a" }`))
	if state.Status() != StatusSaved {
		t.Fatalf("expected reordered keys to count as saved, got %s", state.Status())
	}

	time.Sleep(60 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatalf("expected no save for a structurally identical draft")
	}
}

func TestControllerThrottleDefersSecondSave(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, func(cfg *ControllerConfig) {
		cfg.MinSaveInterval = 200 * time.Millisecond
	})
	controller.ResetBaseline(json.RawMessage(`{"n":0}`))

	state.SetDraft(json.RawMessage(`{"n":1}`))
	waitForCondition(t, time.Second, func() bool { return saver.count() == 1 })

	state.SetDraft(json.RawMessage(`{"n":2}`))
	time.Sleep(100 * time.Millisecond)
	if saver.count() != 1 {
		t.Fatalf("expected second save to be deferred, got %d saves", saver.count())
	}

	waitForCondition(t, 2*time.Second, func() bool { return saver.count() == 2 })
	if !configEqual(saver.last(), json.RawMessage(`{"n":2}`)) {
		t.Fatalf("expected the deferred save to persist the edit, got %s", saver.last())
	}

	saver.mu.Lock()
	gap := saver.times[1].Sub(saver.times[0])
	saver.mu.Unlock()
	if gap < 150*time.Millisecond {
		t.Fatalf("expected saves spaced by the minimum interval, got %v", gap)
	}
}

func TestControllerDisabledStillTracksDirty(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, func(cfg *ControllerConfig) {
		cfg.Enabled = false
	})
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	state.SetDraft(json.RawMessage(`{"title":"edited"}`))
	if state.Status() != StatusUnsaved {
		t.Fatalf("expected dirty detection while disabled, got %s", state.Status())
	}

	time.Sleep(80 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatalf("expected no automatic save while disabled")
	}

	if err := controller.SaveNow(context.Background()); err != nil {
		t.Fatalf("unexpected SaveNow error: %v", err)
	}
	if saver.count() != 1 {
		t.Fatalf("expected SaveNow to persist the draft")
	}
	if state.Status() != StatusSaved {
		t.Fatalf("expected saved after SaveNow, got %s", state.Status())
	}
}

func TestControllerEnableArmsPendingEdit(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, func(cfg *ControllerConfig) {
		cfg.Enabled = false
	})
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	state.SetDraft(json.RawMessage(`{"title":"edited"}`))
	controller.SetEnabled(true)

	waitForCondition(t, time.Second, func() bool { return saver.count() == 1 })
}

func TestControllerSaveFailureSetsErrorStatus(t *testing.T) {
	saver := &recordingSaver{failWith: errors.New("server unavailable")}
	var reported []SaveError
	var reportedMu sync.Mutex

	controller, state := newTestController(t, saver, func(cfg *ControllerConfig) {
		cfg.MaxRetries = 0
		cfg.OnSaveError = func(failure SaveError) {
			reportedMu.Lock()
			reported = append(reported, failure)
			reportedMu.Unlock()
		}
	})
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	state.SetDraft(json.RawMessage(`{"title":"edited"}`))
	waitForCondition(t, time.Second, func() bool { return state.Status() == StatusError })

	failure := state.Err()
	if failure == nil {
		t.Fatalf("expected a visible save error")
	}
	if failure.CanRetry {
		t.Fatalf("expected exhausted retry budget with MaxRetries=0")
	}
	reportedMu.Lock()
	reportCount := len(reported)
	reportedMu.Unlock()
	if reportCount == 0 {
		t.Fatalf("expected the error callback to fire")
	}

	saver.setFailure(nil)
	if err := controller.Retry(context.Background()); err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return state.Status() == StatusSaved })
}

func TestControllerResetBaselineClearsErrorAndTimers(t *testing.T) {
	saver := &recordingSaver{failWith: errors.New("server unavailable")}
	controller, state := newTestController(t, saver, func(cfg *ControllerConfig) {
		cfg.MaxRetries = 0
	})
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	state.SetDraft(json.RawMessage(`{"title":"edited"}`))
	waitForCondition(t, time.Second, func() bool { return state.Status() == StatusError })

	controller.ResetBaseline(json.RawMessage(`{"title":"from-server"}`))
	if state.Status() != StatusSaved {
		t.Fatalf("expected saved after baseline reset, got %s", state.Status())
	}
	if state.Err() != nil {
		t.Fatalf("expected baseline reset to clear the error")
	}
	if !configEqual(state.Draft(), json.RawMessage(`{"title":"from-server"}`)) {
		t.Fatalf("expected the server draft to replace local edits")
	}
}

func TestControllerCloseStopsScheduling(t *testing.T) {
	saver := &recordingSaver{}
	controller, state := newTestController(t, saver, nil)
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	controller.Close()

	state.SetDraft(json.RawMessage(`{"title":"edited"}`))
	time.Sleep(80 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatalf("expected no save after close, got %d", saver.count())
	}

	if err := controller.SaveNow(context.Background()); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("expected closed controller error, got %v", err)
	}
	if err := controller.Retry(context.Background()); !errors.Is(err, ErrControllerClosed) {
		t.Fatalf("expected closed controller error, got %v", err)
	}
}

func TestControllerSaveNowSkipsCleanDraft(t *testing.T) {
	saver := &recordingSaver{}
	controller, _ := newTestController(t, saver, nil)
	controller.ResetBaseline(json.RawMessage(`{"title":"original"}`))

	if err := controller.SaveNow(context.Background()); err != nil {
		t.Fatalf("unexpected SaveNow error: %v", err)
	}
	if saver.count() != 0 {
		t.Fatalf("expected no request for an unchanged draft, got %d", saver.count())
	}
}

func TestControllerSuppressesRedundantSaveOfInFlightValue(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var count atomic.Int32

	state := NewConsoleState(nil)
	controller, err := NewController(ControllerConfig{
		State: state,
		Save: func(ctx context.Context, config json.RawMessage) error {
			if count.Add(1) == 1 {
				close(started)
				<-release
			}
			return nil
		},
		IdleDelay: 20 * time.Millisecond,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	t.Cleanup(controller.Close)
	controller.ResetBaseline(json.RawMessage(`{"n":0}`))

	state.SetDraft(json.RawMessage(`{"n":1}`))
	<-started

	// Re-setting the exact value already in flight must not schedule again.
	state.SetDraft(json.RawMessage(`{"n":1}`))
	close(release)

	waitForCondition(t, time.Second, func() bool { return state.Status() == StatusSaved })
	time.Sleep(60 * time.Millisecond)
	if total := count.Load(); total != 1 {
		t.Fatalf("expected one save for the in-flight value, got %d", total)
	}
}

func TestControllerReArmsWhenDraftMovesDuringSave(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	var payloads []json.RawMessage

	state := NewConsoleState(nil)
	controller, err := NewController(ControllerConfig{
		State: state,
		Save: func(ctx context.Context, config json.RawMessage) error {
			mu.Lock()
			payloads = append(payloads, append(json.RawMessage(nil), config...))
			first := len(payloads) == 1
			mu.Unlock()
			if first {
				close(started)
				<-release
			}
			return nil
		},
		IdleDelay: 20 * time.Millisecond,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	t.Cleanup(controller.Close)
	controller.ResetBaseline(json.RawMessage(`{"n":0}`))

	state.SetDraft(json.RawMessage(`{"n":1}`))
	<-started

	// Edit while the first save is still in flight.
	state.SetDraft(json.RawMessage(`{"n":2}`))
	close(release)

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 2
	})

	mu.Lock()
	last := payloads[1]
	mu.Unlock()
	if !configEqual(last, json.RawMessage(`{"n":2}`)) {
		t.Fatalf("expected the follow-up save to carry the newer edit, got %s", last)
	}
	waitForCondition(t, time.Second, func() bool { return state.Status() == StatusSaved })
}
