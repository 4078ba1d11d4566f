package autosave

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingState indicates no ConsoleState cell was supplied.
	ErrMissingState = errors.New("autosave: console state is required")
	// ErrControllerClosed indicates use after Close (typically after an
	// entity switch).
	ErrControllerClosed = errors.New("autosave: controller is closed")
)

// ControllerConfig configures an autosave Controller.
type ControllerConfig struct {
	// State is the cell holding draft, baseline, and status.
	State *ConsoleState
	// Save persists the given config for the bound entity.
	Save func(ctx context.Context, config json.RawMessage) error

	IdleDelay       time.Duration
	MinSaveInterval time.Duration
	RetryDelay      time.Duration
	MaxRetries      int
	AutoRetry       bool
	// Enabled controls automatic scheduling only; dirty detection always runs.
	Enabled bool

	Clock         func() time.Time
	OnSaveSuccess func(config json.RawMessage)
	OnSaveError   func(SaveError)
	Logger        *zap.Logger
}

// Controller watches draft edits on a ConsoleState and persists them after
// an idle window, spacing consecutive saves by a minimum interval and
// retrying failures with a bounded budget. One controller serves exactly one
// entity; switching entities means closing this controller and constructing
// a fresh one so no stale timer can write to the wrong entity.
type Controller struct {
	mu sync.Mutex

	state    *ConsoleState
	saveFn   func(ctx context.Context, config json.RawMessage) error
	idle     *IdleTimer
	executor *RetryableSaveExecutor
	clock    func() time.Time
	logger   *zap.Logger

	minSaveInterval time.Duration
	enabled         bool
	closed          bool
	lastSent        json.RawMessage
	lastSaveAt      time.Time

	onSaveSuccess func(config json.RawMessage)
	onSaveError   func(SaveError)
}

// NewController constructs the controller and attaches it to cfg.State.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.State == nil {
		return nil, ErrMissingState
	}
	if cfg.Save == nil {
		return nil, ErrMissingSaveFunc
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	controller := &Controller{
		state:           cfg.State,
		saveFn:          cfg.Save,
		clock:           clock,
		logger:          logger,
		minSaveInterval: cfg.MinSaveInterval,
		enabled:         cfg.Enabled,
		onSaveSuccess:   cfg.OnSaveSuccess,
		onSaveError:     cfg.OnSaveError,
	}

	idle, err := NewIdleTimer(cfg.IdleDelay, controller.handleIdle)
	if err != nil {
		return nil, err
	}
	controller.idle = idle

	executor, err := NewRetryableSaveExecutor(ExecutorConfig{
		Save:       controller.performSave,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		AutoRetry:  cfg.AutoRetry,
		Clock:      clock,
		OnSuccess:  controller.handleSaveSuccess,
		OnError:    controller.handleSaveError,
	})
	if err != nil {
		return nil, err
	}
	controller.executor = executor

	cfg.State.attachController(controller.onDraftChanged)
	return controller, nil
}

// SaveNow cancels pending timers, resets the throttle window, and performs
// an immediate save. Used for explicit save-before-navigate flows and by the
// lifecycle controller to flush before publishing.
func (c *Controller) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	c.lastSaveAt = time.Time{}
	c.mu.Unlock()

	c.idle.Cancel()
	return c.executor.Save(ctx)
}

// Retry manually retries a failed save with a fresh retry allowance,
// ignoring the throttle window.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	c.lastSaveAt = time.Time{}
	c.mu.Unlock()
	return c.executor.Retry(ctx)
}

// ClearError dismisses a visible save error without saving.
func (c *Controller) ClearError() {
	c.executor.ClearError()
	c.reconcileStatus()
}

// SetEnabled toggles automatic saving. While disabled, dirty detection still
// updates the status but only SaveNow persists changes.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.enabled = enabled
	c.mu.Unlock()

	if !enabled {
		c.idle.Cancel()
		return
	}
	if c.state.Status() == StatusUnsaved {
		c.idle.Reset()
	}
}

// Enabled reports whether automatic saving is on.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// ResetBaseline installs a server-dictated draft as both the draft and the
// confirmed baseline. The lifecycle controller calls this after load,
// revert, rollback, and reset so the fresh draft never flickers to unsaved.
func (c *Controller) ResetBaseline(config json.RawMessage) {
	c.idle.Cancel()
	c.executor.ClearError()

	c.mu.Lock()
	c.lastSent = nil
	c.mu.Unlock()

	c.state.replaceDraft(config)
	c.state.setConfirmed(config)
	c.state.setStatus(StatusSaved, nil)
}

// Close cancels all pending timers and detaches from the state cell. The
// controller rejects further scheduling; required on entity switch.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.state.detachController()
	c.idle.Cancel()
	c.executor.Stop()
}

// IsSaving reports whether a save request is currently in flight.
func (c *Controller) IsSaving() bool {
	return c.executor.IsSaving()
}

// WaitForSave blocks until any in-flight save attempt has fully resolved,
// including its status reconciliation, or ctx expires. The lifecycle
// controller parks on this before publishing so the published snapshot never
// races a save.
func (c *Controller) WaitForSave(ctx context.Context) error {
	return c.executor.Wait(ctx)
}

// Status returns the current save status of the owned state cell.
func (c *Controller) Status() SaveStatus {
	return c.state.Status()
}

// onDraftChanged is the ConsoleState draft observer.
func (c *Controller) onDraftChanged(draft json.RawMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	enabled := c.enabled
	lastSent := c.lastSent
	c.mu.Unlock()

	baseline := c.state.Confirmed()
	if baseline == nil {
		// Initial server load still pending; nothing to compare against.
		return
	}

	if configEqual(draft, baseline) {
		// Change-then-undo: the draft is back at the saved value, so any
		// pending timer or visible error is moot.
		c.idle.Cancel()
		c.executor.ClearError()
		c.state.setStatus(StatusSaved, nil)
		return
	}

	if lastSent != nil && configEqual(draft, lastSent) {
		// This exact value is already on its way to the server.
		return
	}

	c.state.setStatus(StatusUnsaved, nil)
	if enabled {
		c.idle.Reset()
	}
}

// handleIdle runs when the idle window elapses without further edits.
func (c *Controller) handleIdle() {
	c.mu.Lock()
	if c.closed || !c.enabled {
		c.mu.Unlock()
		return
	}
	if c.minSaveInterval > 0 && !c.lastSaveAt.IsZero() {
		elapsed := c.clock().Sub(c.lastSaveAt)
		if elapsed < c.minSaveInterval {
			remaining := c.minSaveInterval - elapsed
			c.mu.Unlock()
			// Throttle: defer, never drop.
			c.idle.ResetFor(remaining)
			return
		}
	}
	c.mu.Unlock()

	if err := c.executor.Save(context.Background()); errors.Is(err, ErrSaveInFlight) {
		// Another save is resolving; try again after a full idle window.
		c.idle.Reset()
	}
}

// performSave is the executor's save function. It reads the draft at call
// time, so edits made while the timer was pending are included.
func (c *Controller) performSave(ctx context.Context) error {
	draft := c.state.Draft()
	baseline := c.state.Confirmed()
	if draft == nil {
		return nil
	}
	if baseline != nil && configEqual(draft, baseline) {
		// Nothing changed since the last confirmed save.
		return nil
	}

	c.mu.Lock()
	c.lastSent = cloneRaw(draft)
	c.mu.Unlock()

	c.state.setStatus(StatusSaving, nil)
	if err := c.saveFn(ctx, draft); err != nil {
		c.mu.Lock()
		c.lastSent = nil
		c.mu.Unlock()
		return err
	}

	c.state.setConfirmed(draft)
	c.mu.Lock()
	c.lastSaveAt = c.clock()
	c.mu.Unlock()

	if c.onSaveSuccess != nil {
		c.onSaveSuccess(draft)
	}
	return nil
}

func (c *Controller) handleSaveSuccess() {
	c.reconcileStatus()

	c.mu.Lock()
	enabled := c.enabled && !c.closed
	c.mu.Unlock()
	if enabled && c.state.Status() == StatusUnsaved {
		// The draft moved on while the save was in flight.
		c.idle.Reset()
	}
}

func (c *Controller) handleSaveError(failure SaveError) {
	c.state.setStatus(StatusError, &failure)
	c.logger.Warn("draft save failed",
		zap.String("reason", failure.Message),
		zap.Int("retry_count", failure.RetryCount),
		zap.Bool("can_retry", failure.CanRetry))
	if c.onSaveError != nil {
		c.onSaveError(failure)
	}
}

// reconcileStatus recomputes saved/unsaved from the draft and baseline.
func (c *Controller) reconcileStatus() {
	draft := c.state.Draft()
	baseline := c.state.Confirmed()
	if baseline == nil {
		return
	}
	if configEqual(draft, baseline) {
		c.state.setStatus(StatusSaved, nil)
	} else {
		c.state.setStatus(StatusUnsaved, nil)
	}
}
