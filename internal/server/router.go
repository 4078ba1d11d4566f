package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/chatforgelabs/console/internal/auth"
	"github.com/chatforgelabs/console/internal/entities"
	"github.com/chatforgelabs/console/internal/versions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	tenantIDContextKey = "console_tenant_id"
	actorContextKey    = "console_actor"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingEntitiesService  = errors.New("entities service dependency required")
	errMissingVersionsService  = errors.New("versions service dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator checks console session cookies during token exchange.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// APITokenManager mints and validates console API bearer tokens.
type APITokenManager interface {
	IssueAPIToken(ctx context.Context, session auth.SessionClaims) (string, int64, error)
	ValidateToken(token string) (tenantID string, actor string, err error)
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	SessionValidator SessionValidator
	TokenManager     APITokenManager
	EntitiesService  *entities.Service
	VersionsService  *versions.Service
	Dispatcher       *EventDispatcher
	Logger           *zap.Logger
}

// NewHTTPHandler builds the console API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.EntitiesService == nil {
		return nil, errMissingEntitiesService
	}
	if deps.VersionsService == nil {
		return nil, errMissingVersionsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		tokens:     deps.TokenManager,
		entities:   deps.EntitiesService,
		versions:   deps.VersionsService,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.POST("/auth/exchange", handler.handleAuthExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/entities", handler.handleCreateEntity)
	protected.GET("/entities", handler.handleListEntities)
	protected.PATCH("/entities/:id/draft", handler.handleSaveDraft)
	protected.GET("/entities/:id/versions", handler.handleVersions)
	protected.POST("/entities/:id/versions/publish", handler.handlePublish)
	protected.POST("/entities/:id/versions/revert", handler.handleRevert)
	protected.POST("/entities/:id/versions/:versionId/rollback", handler.handleRollback)
	protected.POST("/entities/:id/versions/reset", handler.handleReset)
	protected.GET("/entities/:id/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	sessions   SessionValidator
	tokens     APITokenManager
	entities   *entities.Service
	versions   *versions.Service
	dispatcher *EventDispatcher
	logger     *zap.Logger
}

type authExchangePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleAuthExchange(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAPIToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue api token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authExchangePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type createEntityRequestPayload struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

type entityPayload struct {
	EntityID  string `json:"entity_id"`
	Name      string `json:"name"`
	Tier      string `json:"tier"`
	CreatedAt int64  `json:"created_at_s"`
}

func (h *httpHandler) handleCreateEntity(c *gin.Context) {
	tenantID := c.GetString(tenantIDContextKey)

	var request createEntityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entity, err := h.entities.Create(c.Request.Context(), tenantID, request.Name, request.Tier)
	if err != nil {
		if errors.Is(err, entities.ErrInvalidTenant) || errors.Is(err, entities.ErrInvalidName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("failed to create entity", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entity_create_failed"})
		return
	}

	c.JSON(http.StatusCreated, entityPayloadFrom(entity))
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	tenantID := c.GetString(tenantIDContextKey)

	list, err := h.entities.List(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list entities", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "entity_list_failed"})
		return
	}

	payload := make([]entityPayload, 0, len(list))
	for _, entity := range list {
		payload = append(payload, entityPayloadFrom(entity))
	}
	c.JSON(http.StatusOK, gin.H{"entities": payload})
}

type saveDraftRequestPayload struct {
	Config json.RawMessage `json:"config"`
}

type draftPayload struct {
	ID        string          `json:"id"`
	Config    json.RawMessage `json:"config"`
	UpdatedAt int64           `json:"updated_at_s"`
}

func (h *httpHandler) handleSaveDraft(c *gin.Context) {
	entityID, ok := h.resolveEntity(c)
	if !ok {
		return
	}

	var request saveDraftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Config) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	config, err := versions.NewConfig(request.Config)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config"})
		return
	}

	draft, err := h.versions.SaveDraft(c.Request.Context(), entityID, config)
	if err != nil {
		h.respondServiceError(c, "draft_save_failed", err)
		return
	}

	h.dispatcher.Publish(LifecycleEvent{
		EntityID:  entityID.String(),
		EventType: EventDraftSaved,
		VersionID: draft.ID.String(),
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, draftPayloadFrom(draft))
}

type publishedPayload struct {
	ID            string          `json:"id"`
	VersionNumber int64           `json:"version_number"`
	Config        json.RawMessage `json:"config"`
	PublishNote   string          `json:"publish_note,omitempty"`
	PublishedBy   string          `json:"published_by"`
	PublishedAt   int64           `json:"published_at_s"`
}

type historyPayload struct {
	ID            string `json:"id"`
	VersionNumber int64  `json:"version_number"`
	PublishNote   string `json:"publish_note,omitempty"`
	PublishedBy   string `json:"published_by"`
	PublishedAt   int64  `json:"published_at_s"`
}

type versionsResponsePayload struct {
	Versions struct {
		Draft     draftPayload      `json:"draft"`
		Published *publishedPayload `json:"published"`
		History   []historyPayload  `json:"history"`
	} `json:"versions"`
	HasChanges bool `json:"hasChanges"`
}

func (h *httpHandler) handleVersions(c *gin.Context) {
	entityID, ok := h.resolveEntity(c)
	if !ok {
		return
	}

	bundle, err := h.versions.Versions(c.Request.Context(), entityID)
	if err != nil {
		h.respondServiceError(c, "versions_fetch_failed", err)
		return
	}

	var response versionsResponsePayload
	response.Versions.Draft = draftPayloadFrom(bundle.Draft)
	if bundle.Published != nil {
		published := publishedPayloadFrom(*bundle.Published)
		response.Versions.Published = &published
	}
	response.Versions.History = make([]historyPayload, 0, len(bundle.History))
	for _, entry := range bundle.History {
		response.Versions.History = append(response.Versions.History, historyPayload{
			ID:            entry.ID.String(),
			VersionNumber: entry.VersionNumber,
			PublishNote:   entry.Note.String(),
			PublishedBy:   entry.PublishedBy,
			PublishedAt:   entry.PublishedAt,
		})
	}
	response.HasChanges = bundle.HasChanges

	c.JSON(http.StatusOK, response)
}

type publishRequestPayload struct {
	Note string `json:"note"`
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	entityID, ok := h.resolveEntity(c)
	if !ok {
		return
	}

	tenantID := c.GetString(tenantIDContextKey)
	entity, err := h.entities.Get(c.Request.Context(), tenantID, entityID.String())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity_not_found"})
		return
	}
	if entity.Tier == entities.TierFree {
		c.JSON(http.StatusForbidden, gin.H{"error": "publish_not_available", "code": "versions.publish.tier_limited"})
		return
	}

	var request publishRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	note, err := versions.NewPublishNote(request.Note)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note"})
		return
	}

	actor := c.GetString(actorContextKey)
	published, err := h.versions.Publish(c.Request.Context(), entityID, note, actor)
	if err != nil {
		h.respondServiceError(c, "publish_failed", err)
		return
	}

	h.dispatcher.Publish(LifecycleEvent{
		EntityID:  entityID.String(),
		EventType: EventPublished,
		VersionID: published.ID.String(),
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{"published": publishedPayloadFrom(published)})
}

func (h *httpHandler) handleRevert(c *gin.Context) {
	h.handleDraftOverwrite(c, EventReverted, func(ctx context.Context, entityID versions.EntityID) (versions.Draft, error) {
		return h.versions.Revert(ctx, entityID)
	})
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	versionID, err := versions.NewVersionID(c.Param("versionId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_id"})
		return
	}
	h.handleDraftOverwrite(c, EventRolledBack, func(ctx context.Context, entityID versions.EntityID) (versions.Draft, error) {
		return h.versions.Rollback(ctx, entityID, versionID)
	})
}

func (h *httpHandler) handleReset(c *gin.Context) {
	h.handleDraftOverwrite(c, EventReset, func(ctx context.Context, entityID versions.EntityID) (versions.Draft, error) {
		return h.versions.Reset(ctx, entityID)
	})
}

func (h *httpHandler) handleDraftOverwrite(c *gin.Context, eventType string, operation func(context.Context, versions.EntityID) (versions.Draft, error)) {
	entityID, ok := h.resolveEntity(c)
	if !ok {
		return
	}

	draft, err := operation(c.Request.Context(), entityID)
	if err != nil {
		h.respondServiceError(c, "draft_overwrite_failed", err)
		return
	}

	h.dispatcher.Publish(LifecycleEvent{
		EntityID:  entityID.String(),
		EventType: eventType,
		VersionID: draft.ID.String(),
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{"draft": draftPayloadFrom(draft)})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	entityID, ok := h.resolveEntity(c)
	if !ok {
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), entityID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if !writeServerSentEvent(c, eventHeartbeat, gin.H{"source": eventSourceSystem}) {
				return
			}
		case event, open := <-stream:
			if !open {
				return
			}
			payload := gin.H{
				"entity_id":   event.EntityID,
				"version_id":  event.VersionID,
				"timestamp_s": event.Timestamp.Unix(),
			}
			if !writeServerSentEvent(c, event.EventType, payload) {
				return
			}
		}
	}
}

func writeServerSentEvent(c *gin.Context, eventType string, payload gin.H) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := c.Writer.WriteString("event: " + eventType + "\ndata: " + string(data) + "\n\n"); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}

// resolveEntity validates the path id and enforces tenant ownership. Entities
// owned by other tenants read as not found to avoid leaking their existence.
func (h *httpHandler) resolveEntity(c *gin.Context) (versions.EntityID, bool) {
	entityID, err := versions.NewEntityID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
		return "", false
	}

	tenantID := c.GetString(tenantIDContextKey)
	owns, err := h.entities.Owns(c.Request.Context(), tenantID, entityID.String())
	if err != nil {
		h.logger.Error("ownership lookup failed", zap.Error(err),
			zap.String("entity_id", entityID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ownership_lookup_failed"})
		return "", false
	}
	if !owns {
		c.JSON(http.StatusNotFound, gin.H{"error": "entity_not_found"})
		return "", false
	}
	return entityID, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, versions.ErrDraftNotFound), errors.Is(err, versions.ErrVersionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, versions.ErrNoPublishedVersion), errors.Is(err, versions.ErrInvalidConfig):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("versions operation failed", zap.Error(err))
	}

	var serviceErr *versions.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(status, gin.H{"error": fallback, "code": serviceErr.Code()})
		return
	}
	c.JSON(status, gin.H{"error": fallback})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	tenantID, actor, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; the console re-exchanges its session.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(tenantIDContextKey, tenantID)
	c.Set(actorContextKey, actor)
	c.Next()
}

func entityPayloadFrom(entity entities.Entity) entityPayload {
	return entityPayload{
		EntityID:  entity.EntityID,
		Name:      entity.Name,
		Tier:      entity.Tier,
		CreatedAt: entity.CreatedAt.Unix(),
	}
}

func draftPayloadFrom(draft versions.Draft) draftPayload {
	return draftPayload{
		ID:        draft.ID.String(),
		Config:    draft.Config.JSON(),
		UpdatedAt: draft.UpdatedAt,
	}
}

func publishedPayloadFrom(published versions.Published) publishedPayload {
	return publishedPayload{
		ID:            published.ID.String(),
		VersionNumber: published.VersionNumber,
		Config:        published.Config.JSON(),
		PublishNote:   published.Note.String(),
		PublishedBy:   published.PublishedBy,
		PublishedAt:   published.PublishedAt,
	}
}
