// Package lifecycle drives the draft/published/history state machine of one
// entity: publish, revert, rollback, and reset, with local draft re-sync
// after every mutation.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/chatforgelabs/console/pkg/apiclient"
	"github.com/chatforgelabs/console/pkg/autosave"
	"go.uber.org/zap"
)

var (
	// ErrNoEntity indicates the controller was built without an entity id.
	ErrNoEntity = errors.New("lifecycle: no entity selected")
	// ErrNoPublishedVersion indicates revert requires a published version.
	ErrNoPublishedVersion = errors.New("lifecycle: no published version")
	// ErrOperationInFlight indicates another mutating operation has not
	// resolved yet; calls are rejected, never queued.
	ErrOperationInFlight = errors.New("lifecycle: operation already in flight")
	// ErrMissingAPI indicates no API client was supplied.
	ErrMissingAPI = errors.New("lifecycle: api client is required")
	// ErrMissingAutosave indicates no autosave controller was supplied.
	ErrMissingAutosave = errors.New("lifecycle: autosave controller is required")
)

// VersionAPI is the slice of the console API the controller consumes.
// *apiclient.Client satisfies it.
type VersionAPI interface {
	Versions(ctx context.Context, entityID string) (apiclient.VersionsResult, error)
	Publish(ctx context.Context, entityID, note string) (apiclient.Published, error)
	Revert(ctx context.Context, entityID string) (apiclient.Draft, error)
	Rollback(ctx context.Context, entityID, versionID string) (apiclient.Draft, error)
	Reset(ctx context.Context, entityID string) (apiclient.Draft, error)
}

// View is the controller's current picture of the entity's versions.
type View struct {
	Draft      apiclient.Draft
	Published  *apiclient.Published
	History    []apiclient.History
	HasChanges bool
}

const (
	opNone     = ""
	opPublish  = "publish"
	opRevert   = "revert"
	opRollback = "rollback"
	opReset    = "reset"
)

// Config configures a lifecycle Controller.
type Config struct {
	EntityID string
	API      VersionAPI
	Autosave *autosave.Controller
	Logger   *zap.Logger
}

// Controller serializes version-mutating operations for one entity. A second
// mutating call while one is pending is rejected with ErrOperationInFlight;
// the autosave cycle runs independently except that Publish flushes it first.
type Controller struct {
	mu sync.Mutex

	entityID string
	api      VersionAPI
	autosave *autosave.Controller
	logger   *zap.Logger

	view   View
	loaded bool
	busyOp string
}

// NewController constructs a controller bound to one entity.
func NewController(cfg Config) (*Controller, error) {
	if cfg.EntityID == "" {
		return nil, ErrNoEntity
	}
	if cfg.API == nil {
		return nil, ErrMissingAPI
	}
	if cfg.Autosave == nil {
		return nil, ErrMissingAutosave
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		entityID: cfg.EntityID,
		api:      cfg.API,
		autosave: cfg.Autosave,
		logger:   logger,
	}, nil
}

// Load fetches the initial version state and seeds the local draft baseline.
// Also used when the console switches back to an already-open entity.
func (c *Controller) Load(ctx context.Context) (View, error) {
	view, err := c.RefreshVersions(ctx)
	if err != nil {
		return View{}, err
	}
	c.autosave.ResetBaseline(view.Draft.Config)
	return view, nil
}

// RefreshVersions re-fetches the draft/published/history triad and the
// hasChanges flag.
func (c *Controller) RefreshVersions(ctx context.Context) (View, error) {
	result, err := c.api.Versions(ctx, c.entityID)
	if err != nil {
		return View{}, err
	}

	view := View{
		Draft:      result.Versions.Draft,
		Published:  result.Versions.Published,
		History:    result.Versions.History,
		HasChanges: result.HasChanges,
	}

	c.mu.Lock()
	c.view = view
	c.loaded = true
	c.mu.Unlock()
	return view, nil
}

// Publish promotes the draft to the live version. A dirty autosave is
// flushed first so the published snapshot always reflects the latest edits.
func (c *Controller) Publish(ctx context.Context, note string) (apiclient.Published, error) {
	if err := c.begin(opPublish); err != nil {
		return apiclient.Published{}, err
	}
	defer c.end()

	if err := c.flushPendingSave(ctx); err != nil {
		return apiclient.Published{}, err
	}

	published, err := c.api.Publish(ctx, c.entityID, note)
	if err != nil {
		return apiclient.Published{}, err
	}

	if _, err := c.RefreshVersions(ctx); err != nil {
		c.logger.Warn("versions refresh after publish failed", zap.Error(err))
	}
	return published, nil
}

// Revert discards unpublished draft edits, restoring the published config.
func (c *Controller) Revert(ctx context.Context) error {
	c.mu.Lock()
	published := c.loaded && c.view.Published != nil
	c.mu.Unlock()
	if !published {
		return ErrNoPublishedVersion
	}

	return c.overwriteDraft(ctx, opRevert, func(ctx context.Context) (apiclient.Draft, error) {
		return c.api.Revert(ctx, c.entityID)
	})
}

// Rollback restores the draft from a specific history version.
func (c *Controller) Rollback(ctx context.Context, versionID string) error {
	return c.overwriteDraft(ctx, opRollback, func(ctx context.Context) (apiclient.Draft, error) {
		return c.api.Rollback(ctx, c.entityID, versionID)
	})
}

// Reset restores the draft to system defaults; available even when nothing
// has ever been published.
func (c *Controller) Reset(ctx context.Context) error {
	return c.overwriteDraft(ctx, opReset, func(ctx context.Context) (apiclient.Draft, error) {
		return c.api.Reset(ctx, c.entityID)
	})
}

// View returns the last refreshed version state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// IsPublishing reports whether a publish is in flight.
func (c *Controller) IsPublishing() bool { return c.busy(opPublish) }

// IsReverting reports whether a revert is in flight.
func (c *Controller) IsReverting() bool { return c.busy(opRevert) }

// IsRollingBack reports whether a rollback is in flight.
func (c *Controller) IsRollingBack() bool { return c.busy(opRollback) }

// IsResetting reports whether a reset is in flight.
func (c *Controller) IsResetting() bool { return c.busy(opReset) }

// Close tears down the owned autosave controller. Must be called when the
// console switches entities so no stale timer saves to this entity.
func (c *Controller) Close() {
	c.autosave.Close()
}

func (c *Controller) overwriteDraft(ctx context.Context, operation string, call func(ctx context.Context) (apiclient.Draft, error)) error {
	if err := c.begin(operation); err != nil {
		return err
	}
	defer c.end()

	draft, err := call(ctx)
	if err != nil {
		return err
	}

	// The server's resulting draft becomes the local draft and the autosave
	// baseline, so the overwritten value never registers as unsaved.
	c.autosave.ResetBaseline(draft.Config)

	if _, err := c.RefreshVersions(ctx); err != nil {
		c.logger.Warn("versions refresh after draft overwrite failed",
			zap.String("operation", operation), zap.Error(err))
	}
	return nil
}

// flushPendingSave brings the server-side draft current before a publish.
// An in-flight autosave is awaited first; if the draft is still dirty after
// it resolves (edited during the save, or the save failed) it is saved now.
// The loop re-checks because the draft can move again during the flush.
func (c *Controller) flushPendingSave(ctx context.Context) error {
	for {
		if err := c.autosave.WaitForSave(ctx); err != nil {
			return err
		}
		status := c.autosave.Status()
		if status != autosave.StatusUnsaved && status != autosave.StatusError {
			return nil
		}
		err := c.autosave.SaveNow(ctx)
		if err != nil && !errors.Is(err, autosave.ErrSaveInFlight) {
			return err
		}
	}
}

func (c *Controller) begin(operation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyOp != opNone {
		return ErrOperationInFlight
	}
	c.busyOp = operation
	return nil
}

func (c *Controller) end() {
	c.mu.Lock()
	c.busyOp = opNone
	c.mu.Unlock()
}

func (c *Controller) busy(operation string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyOp == operation
}
