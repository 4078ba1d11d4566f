package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrDraftNotFound indicates that no draft exists for the entity.
	ErrDraftNotFound = errors.New("versions: draft not found")
	// ErrNoPublishedVersion indicates that revert requires a published version.
	ErrNoPublishedVersion = errors.New("versions: no published version")
	// ErrVersionNotFound indicates that a rollback target does not exist for the entity.
	ErrVersionNotFound = errors.New("versions: version not found")
)

// ServiceError wraps a failure with an operation-scoped code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "versions.service.new"
	opEnsureDraft = "versions.ensure_draft"
	opSaveDraft   = "versions.save_draft"
	opVersions    = "versions.versions"
	opPublish     = "versions.publish"
	opRevert      = "versions.revert"
	opRollback    = "versions.rollback"
	opReset       = "versions.reset"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the version lifecycle service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues identifiers for drafts and published versions.
type IDProvider interface {
	NewID() (string, error)
}

// Service owns the draft/published/history triad for every entity.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the version lifecycle service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// EnsureDraft seeds a default draft for the entity when none exists yet.
// Safe to call repeatedly; an existing draft is left untouched.
func (s *Service) EnsureDraft(ctx context.Context, entityID EntityID) (Draft, error) {
	if err := s.requireDependencies(opEnsureDraft); err != nil {
		return Draft{}, err
	}

	var record DraftRecord
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID.String()).
		Take(&record).Error
	if err == nil {
		return draftFromRecord(record), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsureDraft, "draft_select_failed", err, zap.String("entity_id", entityID.String()))
		return Draft{}, newServiceError(opEnsureDraft, "draft_select_failed", err)
	}

	draftID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opEnsureDraft, "id_generation_failed", err, zap.String("entity_id", entityID.String()))
		return Draft{}, newServiceError(opEnsureDraft, "id_generation_failed", err)
	}

	record = DraftRecord{
		EntityID:         entityID.String(),
		DraftID:          draftID,
		ConfigJSON:       DefaultConfig().String(),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opEnsureDraft, "draft_insert_failed", err, zap.String("entity_id", entityID.String()))
		return Draft{}, newServiceError(opEnsureDraft, "draft_insert_failed", err)
	}
	return draftFromRecord(record), nil
}

// SaveDraft overwrites the entity's draft configuration. The write is
// idempotent; saving an identical config only bumps the timestamp.
func (s *Service) SaveDraft(ctx context.Context, entityID EntityID, config Config) (Draft, error) {
	if err := s.requireDependencies(opSaveDraft); err != nil {
		return Draft{}, err
	}
	if config.IsZero() {
		return Draft{}, newServiceError(opSaveDraft, "missing_config", ErrInvalidConfig)
	}

	var saved DraftRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockDraft(tx, entityID)
		if err != nil {
			return s.wrapDraftLookup(opSaveDraft, entityID, err)
		}
		record.ConfigJSON = config.String()
		record.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&record).Error; err != nil {
			s.logError(opSaveDraft, "draft_save_failed", err, zap.String("entity_id", entityID.String()))
			return newServiceError(opSaveDraft, "draft_save_failed", err)
		}
		saved = record
		return nil
	})
	if txErr != nil {
		return Draft{}, txErr
	}
	return draftFromRecord(saved), nil
}

// Versions returns the draft/published/history triad plus the computed
// hasChanges flag for the entity.
func (s *Service) Versions(ctx context.Context, entityID EntityID) (VersionBundle, error) {
	if err := s.requireDependencies(opVersions); err != nil {
		return VersionBundle{}, err
	}

	var draftRecord DraftRecord
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID.String()).
		Take(&draftRecord).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VersionBundle{}, newServiceError(opVersions, "draft_not_found", ErrDraftNotFound)
	}
	if err != nil {
		s.logError(opVersions, "draft_select_failed", err, zap.String("entity_id", entityID.String()))
		return VersionBundle{}, newServiceError(opVersions, "draft_select_failed", err)
	}

	bundle := VersionBundle{Draft: draftFromRecord(draftRecord)}

	var publishedRecord PublishedRecord
	err = s.db.WithContext(ctx).
		Where("entity_id = ?", entityID.String()).
		Take(&publishedRecord).Error
	switch {
	case err == nil:
		published := publishedFromRecord(publishedRecord)
		bundle.Published = &published
	case errors.Is(err, gorm.ErrRecordNotFound):
		bundle.Published = nil
	default:
		s.logError(opVersions, "published_select_failed", err, zap.String("entity_id", entityID.String()))
		return VersionBundle{}, newServiceError(opVersions, "published_select_failed", err)
	}

	var historyRecords []HistoryRecord
	if err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID.String()).
		Order("version_number DESC").
		Find(&historyRecords).Error; err != nil {
		s.logError(opVersions, "history_select_failed", err, zap.String("entity_id", entityID.String()))
		return VersionBundle{}, newServiceError(opVersions, "history_select_failed", err)
	}
	bundle.History = make([]History, 0, len(historyRecords))
	for _, record := range historyRecords {
		bundle.History = append(bundle.History, historyFromRecord(record))
	}

	bundle.HasChanges = computeHasChanges(bundle.Draft.Config, bundle.Published)
	return bundle, nil
}

// Publish promotes the entity's current draft to the live version. Within a
// single transaction the previous published row, when present, is demoted to
// the newest history row and the draft's config becomes the new published
// version with the next version number. The draft itself is not modified.
func (s *Service) Publish(ctx context.Context, entityID EntityID, note PublishNote, publishedBy string) (Published, error) {
	if err := s.requireDependencies(opPublish); err != nil {
		return Published{}, err
	}

	var published PublishedRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft, err := lockDraft(tx, entityID)
		if err != nil {
			return s.wrapDraftLookup(opPublish, entityID, err)
		}

		nextVersion := int64(1)
		var current PublishedRecord
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_id = ?", entityID.String()).
			Take(&current).Error
		if err == nil {
			nextVersion = current.VersionNumber + 1
			if err := tx.Create(&HistoryRecord{
				VersionID:          current.VersionID,
				EntityID:           current.EntityID,
				VersionNumber:      current.VersionNumber,
				ConfigJSON:         current.ConfigJSON,
				PublishNote:        current.PublishNote,
				PublishedBy:        current.PublishedBy,
				PublishedAtSeconds: current.PublishedAtSeconds,
			}).Error; err != nil {
				s.logError(opPublish, "history_insert_failed", err, zap.String("entity_id", entityID.String()))
				return newServiceError(opPublish, "history_insert_failed", err)
			}
			if err := tx.Delete(&current).Error; err != nil {
				s.logError(opPublish, "published_delete_failed", err, zap.String("entity_id", entityID.String()))
				return newServiceError(opPublish, "published_delete_failed", err)
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opPublish, "published_select_failed", err, zap.String("entity_id", entityID.String()))
			return newServiceError(opPublish, "published_select_failed", err)
		}

		versionID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opPublish, "id_generation_failed", err, zap.String("entity_id", entityID.String()))
			return newServiceError(opPublish, "id_generation_failed", err)
		}

		published = PublishedRecord{
			EntityID:           entityID.String(),
			VersionID:          versionID,
			VersionNumber:      nextVersion,
			ConfigJSON:         draft.ConfigJSON,
			PublishNote:        note.String(),
			PublishedBy:        publishedBy,
			PublishedAtSeconds: s.clock().UTC().Unix(),
		}
		if err := tx.Create(&published).Error; err != nil {
			s.logError(opPublish, "published_insert_failed", err, zap.String("entity_id", entityID.String()))
			return newServiceError(opPublish, "published_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Published{}, txErr
	}

	s.logger.Info("version published",
		zap.String("entity_id", entityID.String()),
		zap.String("version_id", published.VersionID),
		zap.Int64("version_number", published.VersionNumber))
	return publishedFromRecord(published), nil
}

// Revert discards all unpublished draft edits by overwriting the draft with
// the currently published config. It fails when nothing has been published.
func (s *Service) Revert(ctx context.Context, entityID EntityID) (Draft, error) {
	return s.overwriteDraft(ctx, opRevert, entityID, func(tx *gorm.DB) (string, error) {
		var current PublishedRecord
		err := tx.Where("entity_id = ?", entityID.String()).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", newServiceError(opRevert, "no_published_version", ErrNoPublishedVersion)
		}
		if err != nil {
			s.logError(opRevert, "published_select_failed", err, zap.String("entity_id", entityID.String()))
			return "", newServiceError(opRevert, "published_select_failed", err)
		}
		return current.ConfigJSON, nil
	})
}

// Rollback overwrites the draft with the config snapshot of a specific
// history version. Published and history rows are not altered.
func (s *Service) Rollback(ctx context.Context, entityID EntityID, versionID VersionID) (Draft, error) {
	return s.overwriteDraft(ctx, opRollback, entityID, func(tx *gorm.DB) (string, error) {
		var record HistoryRecord
		err := tx.Where("entity_id = ? AND version_id = ?", entityID.String(), versionID.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", newServiceError(opRollback, "version_not_found", ErrVersionNotFound)
		}
		if err != nil {
			s.logError(opRollback, "history_select_failed", err,
				zap.String("entity_id", entityID.String()),
				zap.String("version_id", versionID.String()))
			return "", newServiceError(opRollback, "history_select_failed", err)
		}
		return record.ConfigJSON, nil
	})
}

// Reset overwrites the draft with the system default configuration. Unlike
// revert it works for entities that have never published.
func (s *Service) Reset(ctx context.Context, entityID EntityID) (Draft, error) {
	return s.overwriteDraft(ctx, opReset, entityID, func(*gorm.DB) (string, error) {
		return DefaultConfig().String(), nil
	})
}

func (s *Service) overwriteDraft(ctx context.Context, operation string, entityID EntityID, source func(*gorm.DB) (string, error)) (Draft, error) {
	if err := s.requireDependencies(operation); err != nil {
		return Draft{}, err
	}

	var saved DraftRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := lockDraft(tx, entityID)
		if err != nil {
			return s.wrapDraftLookup(operation, entityID, err)
		}
		configJSON, err := source(tx)
		if err != nil {
			return err
		}
		record.ConfigJSON = configJSON
		record.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&record).Error; err != nil {
			s.logError(operation, "draft_save_failed", err, zap.String("entity_id", entityID.String()))
			return newServiceError(operation, "draft_save_failed", err)
		}
		saved = record
		return nil
	})
	if txErr != nil {
		return Draft{}, txErr
	}
	return draftFromRecord(saved), nil
}

func (s *Service) requireDependencies(operation string) error {
	if s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return newServiceError(operation, "missing_database", errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(operation, "missing_id_provider", errMissingIDProvider)
		return newServiceError(operation, "missing_id_provider", errMissingIDProvider)
	}
	return nil
}

func lockDraft(tx *gorm.DB, entityID EntityID) (DraftRecord, error) {
	var record DraftRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_id = ?", entityID.String()).
		Take(&record).Error
	return record, err
}

func (s *Service) wrapDraftLookup(operation string, entityID EntityID, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, "draft_not_found", ErrDraftNotFound)
	}
	s.logError(operation, "draft_select_failed", err, zap.String("entity_id", entityID.String()))
	return newServiceError(operation, "draft_select_failed", err)
}

func computeHasChanges(draft Config, published *Published) bool {
	if published == nil {
		return !draft.Equal(DefaultConfig())
	}
	return !draft.Equal(published.Config)
}

func draftFromRecord(record DraftRecord) Draft {
	return Draft{
		ID:        VersionID(record.DraftID),
		Config:    Config{raw: []byte(record.ConfigJSON)},
		UpdatedAt: record.UpdatedAtSeconds,
	}
}

func publishedFromRecord(record PublishedRecord) Published {
	return Published{
		ID:            VersionID(record.VersionID),
		VersionNumber: record.VersionNumber,
		Config:        Config{raw: []byte(record.ConfigJSON)},
		Note:          PublishNote(record.PublishNote),
		PublishedBy:   record.PublishedBy,
		PublishedAt:   record.PublishedAtSeconds,
	}
}

func historyFromRecord(record HistoryRecord) History {
	return History{
		ID:            VersionID(record.VersionID),
		VersionNumber: record.VersionNumber,
		Note:          PublishNote(record.PublishNote),
		PublishedBy:   record.PublishedBy,
		PublishedAt:   record.PublishedAtSeconds,
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("versions service error", attrs...)
}
