package autosave

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSaveInFlight indicates a save attempt was rejected because another
	// one has not resolved yet.
	ErrSaveInFlight = errors.New("autosave: save already in flight")
	// ErrMissingSaveFunc indicates no save function was supplied.
	ErrMissingSaveFunc = errors.New("autosave: save function is required")
)

// SaveError describes a failed save attempt. It exists only while the last
// attempt failed and is cleared by the next success or by ClearError.
type SaveError struct {
	Message    string
	Code       string
	RetryCount int
	CanRetry   bool
	Timestamp  time.Time
}

// transientError lets save errors veto automatic retries. Errors that do not
// implement it are treated as transient. *apiclient.APIError implements it,
// so a 4xx rejection fails once instead of burning the retry budget.
type transientError interface {
	Transient() bool
}

// ExecutorConfig configures a RetryableSaveExecutor.
type ExecutorConfig struct {
	Save       func(ctx context.Context) error
	MaxRetries int
	RetryDelay time.Duration
	AutoRetry  bool
	Clock      func() time.Time
	OnSuccess  func()
	OnError    func(SaveError)
}

// RetryableSaveExecutor wraps an asynchronous save operation with bounded
// automatic retry. At most one attempt is in flight at any time; exhausting
// the retry budget leaves the error visible with CanRetry=false until a
// manual Retry resets the allowance.
type RetryableSaveExecutor struct {
	mu         sync.Mutex
	save       func(ctx context.Context) error
	maxRetries int
	retryDelay time.Duration
	autoRetry  bool
	clock      func() time.Time
	onSuccess  func()
	onError    func(SaveError)

	saving     bool
	settled    chan struct{}
	retryCount int
	lastErr    *SaveError
	retryTimer *time.Timer
	stopped    bool
}

// NewRetryableSaveExecutor constructs an executor around cfg.Save.
func NewRetryableSaveExecutor(cfg ExecutorConfig) (*RetryableSaveExecutor, error) {
	if cfg.Save == nil {
		return nil, ErrMissingSaveFunc
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &RetryableSaveExecutor{
		save:       cfg.Save,
		maxRetries: cfg.MaxRetries,
		retryDelay: retryDelay,
		autoRetry:  cfg.AutoRetry,
		clock:      clock,
		onSuccess:  cfg.OnSuccess,
		onError:    cfg.OnError,
	}, nil
}

// Save performs one save attempt. A call made while another attempt is in
// flight is a no-op returning ErrSaveInFlight.
func (e *RetryableSaveExecutor) Save(ctx context.Context) error {
	return e.attempt(ctx)
}

// Retry manually triggers another attempt with a fresh retry allowance.
func (e *RetryableSaveExecutor) Retry(ctx context.Context) error {
	e.mu.Lock()
	e.retryCount = 0
	e.cancelRetryLocked()
	e.mu.Unlock()
	return e.attempt(ctx)
}

// ClearError resets error state and the retry counter without saving.
func (e *RetryableSaveExecutor) ClearError() {
	e.mu.Lock()
	e.lastErr = nil
	e.retryCount = 0
	e.cancelRetryLocked()
	e.mu.Unlock()
}

// Stop cancels any pending automatic retry and prevents new ones from being
// scheduled. Explicit Save and Retry calls still work after Stop.
func (e *RetryableSaveExecutor) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.cancelRetryLocked()
	e.mu.Unlock()
}

// Resume re-enables automatic retry scheduling after Stop.
func (e *RetryableSaveExecutor) Resume() {
	e.mu.Lock()
	e.stopped = false
	e.mu.Unlock()
}

// IsSaving reports whether an attempt is currently in flight. The attempt
// counts as in flight until its success or error callback has returned.
func (e *RetryableSaveExecutor) IsSaving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saving
}

// Wait blocks until no attempt is in flight or ctx expires. A retry timer
// that has not fired yet does not count as in flight.
func (e *RetryableSaveExecutor) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		saving := e.saving
		settled := e.settled
		e.mu.Unlock()
		if !saving {
			return nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Err returns the SaveError of the last failed attempt, or nil.
func (e *RetryableSaveExecutor) Err() *SaveError {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastErr == nil {
		return nil
	}
	copied := *e.lastErr
	return &copied
}

func (e *RetryableSaveExecutor) attempt(ctx context.Context) error {
	e.mu.Lock()
	if e.saving {
		e.mu.Unlock()
		return ErrSaveInFlight
	}
	e.saving = true
	e.settled = make(chan struct{})
	e.mu.Unlock()

	saveErr := e.save(ctx)

	if saveErr == nil {
		e.mu.Lock()
		e.lastErr = nil
		e.retryCount = 0
		e.cancelRetryLocked()
		onSuccess := e.onSuccess
		e.mu.Unlock()
		if onSuccess != nil {
			onSuccess()
		}
		e.settle()
		return nil
	}

	e.mu.Lock()
	canRetry := e.retryCount < e.maxRetries
	var classified transientError
	if errors.As(saveErr, &classified) && !classified.Transient() {
		canRetry = false
	}
	failure := SaveError{
		Message:    saveErr.Error(),
		RetryCount: e.retryCount,
		CanRetry:   canRetry,
		Timestamp:  e.clock(),
	}
	e.lastErr = &failure
	if e.autoRetry && failure.CanRetry && !e.stopped {
		e.retryCount++
		e.cancelRetryLocked()
		e.retryTimer = time.AfterFunc(e.retryDelay, func() {
			// Automatic retries run detached from the caller's context; the
			// save function applies its own request timeout.
			_ = e.attempt(context.Background())
		})
	}
	onError := e.onError
	e.mu.Unlock()
	if onError != nil {
		onError(failure)
	}
	e.settle()
	return saveErr
}

// settle clears the in-flight flag after the attempt's callbacks have run
// and releases Wait callers.
func (e *RetryableSaveExecutor) settle() {
	e.mu.Lock()
	e.saving = false
	settled := e.settled
	e.settled = nil
	e.mu.Unlock()
	if settled != nil {
		close(settled)
	}
}

func (e *RetryableSaveExecutor) cancelRetryLocked() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}
