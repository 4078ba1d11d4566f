package entities

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatforgelabs/console/internal/versions"
	"gorm.io/gorm"
)

var (
	// ErrInvalidTenant indicates the tenant identifier is unusable.
	ErrInvalidTenant = errors.New("entities: invalid tenant id")
	// ErrInvalidName indicates the entity name is unusable.
	ErrInvalidName = errors.New("entities: invalid entity name")
	// ErrEntityNotFound indicates the entity does not exist or belongs to another tenant.
	ErrEntityNotFound = errors.New("entities: entity not found")
)

// ServiceConfig describes the dependencies required for the entity registry.
type ServiceConfig struct {
	Database   *gorm.DB
	Versions   *versions.Service
	Clock      func() time.Time
	IDProvider versions.IDProvider
}

// Service manages tenant-owned entities. Creating an entity also seeds its
// initial draft so every entity carries exactly one editable configuration
// from birth.
type Service struct {
	db         *gorm.DB
	versions   *versions.Service
	now        func() time.Time
	idProvider versions.IDProvider
	ownerCache sync.Map
}

// NewService constructs the entity registry service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("entities: database connection required")
	}
	if cfg.Versions == nil {
		return nil, fmt.Errorf("entities: versions service required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("entities: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		versions:   cfg.Versions,
		now:        clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// Create registers a new entity for the tenant and seeds its default draft.
func (s *Service) Create(ctx context.Context, tenantID, name, tier string) (Entity, error) {
	tenantID = normalize(tenantID)
	name = normalize(name)
	if tenantID == "" {
		return Entity{}, ErrInvalidTenant
	}
	if name == "" {
		return Entity{}, ErrInvalidName
	}
	if normalize(tier) == "" {
		tier = TierFree
	}

	entityID, err := s.idProvider.NewID()
	if err != nil {
		return Entity{}, err
	}

	entity := Entity{
		EntityID: entityID,
		TenantID: tenantID,
		Name:     name,
		Tier:     tier,
	}
	if err := s.db.WithContext(ctx).Create(&entity).Error; err != nil {
		return Entity{}, err
	}

	validated, err := versions.NewEntityID(entityID)
	if err != nil {
		return Entity{}, err
	}
	if _, err := s.versions.EnsureDraft(ctx, validated); err != nil {
		return Entity{}, err
	}

	s.ownerCache.Store(entityID, tenantID)
	return entity, nil
}

// Get loads an entity scoped to the owning tenant.
func (s *Service) Get(ctx context.Context, tenantID, entityID string) (Entity, error) {
	tenantID = normalize(tenantID)
	entityID = normalize(entityID)
	if tenantID == "" || entityID == "" {
		return Entity{}, ErrEntityNotFound
	}

	var entity Entity
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND tenant_id = ?", entityID, tenantID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entity{}, ErrEntityNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	return entity, nil
}

// List returns every entity owned by the tenant, newest first.
func (s *Service) List(ctx context.Context, tenantID string) ([]Entity, error) {
	tenantID = normalize(tenantID)
	if tenantID == "" {
		return nil, ErrInvalidTenant
	}

	var result []Entity
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Find(&result).Error; err != nil {
		return nil, err
	}
	return result, nil
}

// Owns reports whether the tenant owns the entity. Ownership never changes
// after creation, so positive lookups are cached.
func (s *Service) Owns(ctx context.Context, tenantID, entityID string) (bool, error) {
	tenantID = normalize(tenantID)
	entityID = normalize(entityID)
	if tenantID == "" || entityID == "" {
		return false, nil
	}

	if cached, ok := s.ownerCache.Load(entityID); ok {
		if owner, ok := cached.(string); ok {
			return owner == tenantID, nil
		}
	}

	var entity Entity
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.ownerCache.Store(entityID, entity.TenantID)
	return entity.TenantID == tenantID, nil
}
