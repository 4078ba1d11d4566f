package versions

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength  = 190
	maxPublishNoteLength = 500
)

var (
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("versions: invalid entity id")
	// ErrInvalidVersionID indicates that a version identifier is empty or exceeds storage bounds.
	ErrInvalidVersionID = errors.New("versions: invalid version id")
	// ErrInvalidPublishNote indicates that a publish note exceeds storage bounds.
	ErrInvalidPublishNote = errors.New("versions: invalid publish note")
)

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// VersionID represents a validated version identifier.
type VersionID string

// NewVersionID validates raw input and returns a VersionID.
func NewVersionID(rawInput string) (VersionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidVersionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidVersionID, maxIdentifierLength)
	}
	return VersionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id VersionID) String() string {
	return string(id)
}

// PublishNote represents a validated, possibly empty publish annotation.
type PublishNote string

// NewPublishNote validates raw input and returns a PublishNote.
func NewPublishNote(rawInput string) (PublishNote, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) > maxPublishNoteLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPublishNote, maxPublishNoteLength)
	}
	return PublishNote(trimmed), nil
}

// String returns the underlying note text.
func (n PublishNote) String() string {
	return string(n)
}

// DraftRecord models the single editable, unpublished configuration per entity.
type DraftRecord struct {
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	DraftID          string `gorm:"column:draft_id;size:190;not null"`
	ConfigJSON       string `gorm:"column:config_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DraftRecord) TableName() string {
	return "entity_drafts"
}

// PublishedRecord models the currently live configuration for an entity.
// It is replaced wholesale on each publish, never mutated in place.
type PublishedRecord struct {
	EntityID           string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	VersionID          string `gorm:"column:version_id;size:190;not null;uniqueIndex"`
	VersionNumber      int64  `gorm:"column:version_number;not null"`
	ConfigJSON         string `gorm:"column:config_json;type:text;not null"`
	PublishNote        string `gorm:"column:publish_note;size:500;not null;default:''"`
	PublishedBy        string `gorm:"column:published_by;size:190;not null"`
	PublishedAtSeconds int64  `gorm:"column:published_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PublishedRecord) TableName() string {
	return "entity_published"
}

// HistoryRecord is the immutable snapshot of a formerly published version.
// Rows are append-only; one is created each time a publish supersedes the
// previous published version. The config snapshot is retained so rollback
// can restore it without consulting any other table.
type HistoryRecord struct {
	VersionID          string `gorm:"column:version_id;primaryKey;size:190;not null"`
	EntityID           string `gorm:"column:entity_id;size:190;not null;index:idx_history_entity_version,priority:1"`
	VersionNumber      int64  `gorm:"column:version_number;not null;index:idx_history_entity_version,priority:2"`
	ConfigJSON         string `gorm:"column:config_json;type:text;not null"`
	PublishNote        string `gorm:"column:publish_note;size:500;not null;default:''"`
	PublishedBy        string `gorm:"column:published_by;size:190;not null"`
	PublishedAtSeconds int64  `gorm:"column:published_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryRecord) TableName() string {
	return "entity_history"
}

// Draft is the service-level view of an entity's editable configuration.
type Draft struct {
	ID        VersionID
	Config    Config
	UpdatedAt int64
}

// Published is the service-level view of the live version.
type Published struct {
	ID            VersionID
	VersionNumber int64
	Config        Config
	Note          PublishNote
	PublishedBy   string
	PublishedAt   int64
}

// History carries the metadata of a formerly published version. The config
// snapshot stays server-side; rollback references it by version id.
type History struct {
	ID            VersionID
	VersionNumber int64
	Note          PublishNote
	PublishedBy   string
	PublishedAt   int64
}

// VersionBundle is the full draft/published/history triad for one entity.
type VersionBundle struct {
	Draft      Draft
	Published  *Published
	History    []History
	HasChanges bool
}
