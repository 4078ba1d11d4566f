package versions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type staticIDGenerator struct {
	prefix string
	next   int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", errors.New("id generation unavailable")
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&DraftRecord{}, &PublishedRecord{}, &HistoryRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, ids IDProvider) *Service {
	t.Helper()
	if ids == nil {
		ids = &staticIDGenerator{prefix: "version"}
	}
	service, err := NewService(ServiceConfig{
		Database:   newTestDatabase(t),
		Clock:      func() time.Time { return time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC) },
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: &staticIDGenerator{prefix: "v"}}); err == nil {
		t.Fatalf("expected error for missing database")
	}
	if _, err := NewService(ServiceConfig{Database: newTestDatabase(t)}); err == nil {
		t.Fatalf("expected error for missing id provider")
	}
}

func TestEnsureDraftSeedsDefaultConfig(t *testing.T) {
	service := newTestService(t, nil)
	entityID := mustEntityID(t, "entity-1")

	draft, err := service.EnsureDraft(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}
	if !draft.Config.Equal(DefaultConfig()) {
		t.Fatalf("expected seeded draft to carry the default config")
	}

	again, err := service.EnsureDraft(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected repeat ensure draft error: %v", err)
	}
	if again.ID != draft.ID {
		t.Fatalf("expected repeated ensure to keep draft %s, got %s", draft.ID, again.ID)
	}
}

func TestSaveDraftOverwritesConfig(t *testing.T) {
	service := newTestService(t, nil)
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	edited := mustNewConfig(t, `{"title":"welcome"}`)
	draft, err := service.SaveDraft(context.Background(), entityID, edited)
	if err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}
	if !draft.Config.Equal(edited) {
		t.Fatalf("expected draft to carry the saved config")
	}

	bundle, err := service.Versions(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected versions error: %v", err)
	}
	if !bundle.Draft.Config.Equal(edited) {
		t.Fatalf("expected persisted draft to match saved config")
	}
	if !bundle.HasChanges {
		t.Fatalf("expected edited unpublished draft to report changes")
	}
}

func TestSaveDraftUnknownEntity(t *testing.T) {
	service := newTestService(t, nil)

	_, err := service.SaveDraft(context.Background(), mustEntityID(t, "missing"), mustNewConfig(t, `{}`))
	if !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("expected draft not found, got %v", err)
	}
}

func TestPublishPromotesDraft(t *testing.T) {
	service := newTestService(t, &staticIDGenerator{prefix: "version"})
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	edited := mustNewConfig(t, `{"title":"first release"}`)
	if _, err := service.SaveDraft(context.Background(), entityID, edited); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}

	published, err := service.Publish(context.Background(), entityID, mustPublishNote(t, "launch"), "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if published.VersionNumber != 1 {
		t.Fatalf("expected first publish to be version 1, got %d", published.VersionNumber)
	}
	if !published.Config.Equal(edited) {
		t.Fatalf("expected published config to match the draft")
	}

	bundle, err := service.Versions(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected versions error: %v", err)
	}
	if bundle.Published == nil {
		t.Fatalf("expected a published version after publish")
	}
	if len(bundle.History) != 0 {
		t.Fatalf("expected empty history after first publish, got %d rows", len(bundle.History))
	}
	if bundle.HasChanges {
		t.Fatalf("expected no changes right after publish")
	}
}

func TestPublishDemotesPreviousVersionToHistory(t *testing.T) {
	service := newTestService(t, &staticIDGenerator{prefix: "version"})
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	firstConfig := mustNewConfig(t, `{"title":"v1"}`)
	if _, err := service.SaveDraft(context.Background(), entityID, firstConfig); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}
	first, err := service.Publish(context.Background(), entityID, mustPublishNote(t, "initial"), "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected first publish error: %v", err)
	}

	secondConfig := mustNewConfig(t, `{"title":"v2"}`)
	if _, err := service.SaveDraft(context.Background(), entityID, secondConfig); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}
	second, err := service.Publish(context.Background(), entityID, mustPublishNote(t, "copy tweak"), "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected second publish error: %v", err)
	}
	if second.VersionNumber != 2 {
		t.Fatalf("expected second publish to be version 2, got %d", second.VersionNumber)
	}

	bundle, err := service.Versions(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected versions error: %v", err)
	}
	if bundle.Published == nil || bundle.Published.ID != second.ID {
		t.Fatalf("expected version %s to be live", second.ID)
	}
	if len(bundle.History) != 1 {
		t.Fatalf("expected one history row, got %d", len(bundle.History))
	}
	if bundle.History[0].ID != first.ID {
		t.Fatalf("expected demoted version %s in history, got %s", first.ID, bundle.History[0].ID)
	}
	if bundle.History[0].VersionNumber != 1 {
		t.Fatalf("expected history row to keep version number 1, got %d", bundle.History[0].VersionNumber)
	}
	if bundle.History[0].Note.String() != "initial" {
		t.Fatalf("expected history row to keep its publish note, got %q", bundle.History[0].Note)
	}
}

func TestPublishOrdersHistoryNewestFirst(t *testing.T) {
	service := newTestService(t, &staticIDGenerator{prefix: "version"})
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	for round := 1; round <= 3; round++ {
		config := mustNewConfig(t, fmt.Sprintf(`{"round":%d}`, round))
		if _, err := service.SaveDraft(context.Background(), entityID, config); err != nil {
			t.Fatalf("unexpected save draft error: %v", err)
		}
		if _, err := service.Publish(context.Background(), entityID, PublishNote(""), "owner@example.com"); err != nil {
			t.Fatalf("unexpected publish error on round %d: %v", round, err)
		}
	}

	bundle, err := service.Versions(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected versions error: %v", err)
	}
	if len(bundle.History) != 2 {
		t.Fatalf("expected two history rows, got %d", len(bundle.History))
	}
	if bundle.History[0].VersionNumber != 2 || bundle.History[1].VersionNumber != 1 {
		t.Fatalf("expected history ordered newest first, got %d then %d",
			bundle.History[0].VersionNumber, bundle.History[1].VersionNumber)
	}
}

func TestPublishPropagatesIDGenerationFailure(t *testing.T) {
	seedService := newTestService(t, nil)
	entityID := mustEntityID(t, "entity-1")
	if _, err := seedService.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	brokenService, err := NewService(ServiceConfig{
		Database:   seedService.db,
		IDProvider: failingIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	_, err = brokenService.Publish(context.Background(), entityID, PublishNote(""), "owner@example.com")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "versions.publish.id_generation_failed" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}

func TestRevertRestoresPublishedConfig(t *testing.T) {
	service := newTestService(t, nil)
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	publishedConfig := mustNewConfig(t, `{"title":"live"}`)
	if _, err := service.SaveDraft(context.Background(), entityID, publishedConfig); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}
	if _, err := service.Publish(context.Background(), entityID, PublishNote(""), "owner@example.com"); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	if _, err := service.SaveDraft(context.Background(), entityID, mustNewConfig(t, `{"title":"experiment"}`)); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}

	draft, err := service.Revert(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected revert error: %v", err)
	}
	if !draft.Config.Equal(publishedConfig) {
		t.Fatalf("expected reverted draft to match the published config")
	}

	bundle, err := service.Versions(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected versions error: %v", err)
	}
	if bundle.HasChanges {
		t.Fatalf("expected no changes after revert")
	}
}

func TestRevertWithoutPublishedVersion(t *testing.T) {
	service := newTestService(t, nil)
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	if _, err := service.Revert(context.Background(), entityID); !errors.Is(err, ErrNoPublishedVersion) {
		t.Fatalf("expected no published version error, got %v", err)
	}
}

func TestRollbackRestoresHistoricalConfig(t *testing.T) {
	service := newTestService(t, &staticIDGenerator{prefix: "version"})
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	firstConfig := mustNewConfig(t, `{"title":"v1"}`)
	if _, err := service.SaveDraft(context.Background(), entityID, firstConfig); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}
	first, err := service.Publish(context.Background(), entityID, PublishNote(""), "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	if _, err := service.SaveDraft(context.Background(), entityID, mustNewConfig(t, `{"title":"v2"}`)); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}
	if _, err := service.Publish(context.Background(), entityID, PublishNote(""), "owner@example.com"); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	draft, err := service.Rollback(context.Background(), entityID, first.ID)
	if err != nil {
		t.Fatalf("unexpected rollback error: %v", err)
	}
	if !draft.Config.Equal(firstConfig) {
		t.Fatalf("expected rolled back draft to match version %s", first.ID)
	}

	bundle, err := service.Versions(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected versions error: %v", err)
	}
	if bundle.Published == nil || bundle.Published.VersionNumber != 2 {
		t.Fatalf("expected the live version to stay untouched")
	}
	if len(bundle.History) != 1 {
		t.Fatalf("expected history to stay untouched, got %d rows", len(bundle.History))
	}
	if !bundle.HasChanges {
		t.Fatalf("expected rollback draft to differ from the live version")
	}
}

func TestRollbackUnknownVersion(t *testing.T) {
	service := newTestService(t, nil)
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	_, err := service.Rollback(context.Background(), entityID, mustVersionID(t, "no-such-version"))
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected version not found, got %v", err)
	}
}

func TestResetRestoresDefaultConfig(t *testing.T) {
	service := newTestService(t, nil)
	entityID := mustEntityID(t, "entity-1")
	if _, err := service.EnsureDraft(context.Background(), entityID); err != nil {
		t.Fatalf("unexpected ensure draft error: %v", err)
	}

	if _, err := service.SaveDraft(context.Background(), entityID, mustNewConfig(t, `{"title":"customized"}`)); err != nil {
		t.Fatalf("unexpected save draft error: %v", err)
	}

	draft, err := service.Reset(context.Background(), entityID)
	if err != nil {
		t.Fatalf("unexpected reset error: %v", err)
	}
	if !draft.Config.Equal(DefaultConfig()) {
		t.Fatalf("expected reset draft to match the default config")
	}
}

func TestVersionsUnknownEntity(t *testing.T) {
	service := newTestService(t, nil)

	_, err := service.Versions(context.Background(), mustEntityID(t, "missing"))
	if !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("expected draft not found, got %v", err)
	}
}

func TestServiceGuardsMissingDependencies(t *testing.T) {
	bare := &Service{}

	if _, err := bare.Versions(context.Background(), mustEntityID(t, "entity-1")); err == nil {
		t.Fatalf("expected error from bare service")
	}
	var serviceErr *ServiceError
	_, err := bare.Publish(context.Background(), mustEntityID(t, "entity-1"), PublishNote(""), "owner@example.com")
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "versions.publish.missing_database" {
		t.Fatalf("unexpected error code %s", serviceErr.Code())
	}
}
