package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mosaiclabs/mosaic/backend/internal/auth"
	"github.com/mosaiclabs/mosaic/backend/internal/publish"
	"go.uber.org/zap"
)

const subjectContextKey = "mosaic_subject"

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingPublishService = errors.New("publish service dependency required")
	errMissingAPIKey         = errors.New("api key required")
)

// TokenManager issues and validates publish API bearer tokens.
type TokenManager interface {
	IssueToken(subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	TokenManager   TokenManager
	PublishService *publish.Service
	APIKey         string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the publish API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.PublishService == nil {
		return nil, errMissingPublishService
	}
	if strings.TrimSpace(deps.APIKey) == "" {
		return nil, errMissingAPIKey
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenManager,
		service: deps.PublishService,
		apiKey:  deps.APIKey,
		logger:  logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/publish", handler.handlePublish)
	protected.POST("/revert", handler.handleRevert)
	protected.GET("/publish/status", handler.handlePublishStatus)

	return router, nil
}

type httpHandler struct {
	tokens  TokenManager
	service *publish.Service
	apiKey  string
	logger  *zap.Logger
}

type tokenRequestPayload struct {
	APIKey  string `json:"api_key"`
	Subject string `json:"subject"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.APIKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if subtle.ConstantTimeCompare([]byte(request.APIKey), []byte(h.apiKey)) != 1 {
		h.logger.Warn("token request with invalid api key")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	subject := strings.TrimSpace(request.Subject)
	if subject == "" {
		subject = "publisher"
	}
	token, expiresIn, err := h.tokens.IssueToken(subject)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	subject, err := h.tokens.ValidateToken(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

type publishRequestPayload struct {
	FolderIDs         []string `json:"folderIds"`
	PageIDs           []string `json:"pageIds"`
	CollectionIDs     []string `json:"collectionIds"`
	CollectionItemIDs []string `json:"collectionItemIds"`
	ComponentIDs      []string `json:"componentIds"`
	LayerStyleIDs     []string `json:"layerStyleIds"`
	PublishLocales    bool     `json:"publishLocales"`
	PublishAll        bool     `json:"publishAll"`
}

func (p publishRequestPayload) toScope() publish.Scope {
	return publish.Scope{
		FolderIDs:         p.FolderIDs,
		PageIDs:           p.PageIDs,
		CollectionIDs:     p.CollectionIDs,
		CollectionItemIDs: p.CollectionItemIDs,
		ComponentIDs:      p.ComponentIDs,
		LayerStyleIDs:     p.LayerStyleIDs,
		PublishLocales:    p.PublishLocales,
		PublishAll:        p.PublishAll,
	}
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	if subject == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request publishRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.service.Publish(c.Request.Context(), request.toScope())
	if err != nil {
		h.logger.Error("publish failed", zap.String("subject", subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	h.logger.Info("publish pass completed",
		zap.String("subject", subject),
		zap.Bool("success", result.Success))
	// Per-step failures are inside the result; the request itself succeeded.
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleRevert(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	if subject == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request publishRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.service.Revert(c.Request.Context(), request.toScope())
	if err != nil {
		h.logger.Error("revert failed", zap.String("subject", subject), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revert_failed"})
		return
	}
	h.logger.Info("revert pass completed",
		zap.String("subject", subject),
		zap.Bool("success", result.Success))
	c.JSON(http.StatusOK, result)
}

type sessionResponsePayload struct {
	ID         string `json:"id"`
	StartedAt  int64  `json:"started_at_s"`
	FinishedAt int64  `json:"finished_at_s"`
	Success    bool   `json:"success"`
	Changes    string `json:"changes"`
	Errors     string `json:"errors"`
	Steps      string `json:"steps"`
}

func (h *httpHandler) handlePublishStatus(c *gin.Context) {
	session, err := h.service.LatestSession(c.Request.Context())
	if err != nil {
		var serviceErr *publish.ServiceError
		if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), "no_sessions") {
			c.JSON(http.StatusNotFound, gin.H{"error": "no_sessions"})
			return
		}
		h.logger.Error("session lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		ID:         session.ID,
		StartedAt:  session.StartedAtSeconds,
		FinishedAt: session.FinishedAtSeconds,
		Success:    session.Success,
		Changes:    session.ChangesJSON,
		Errors:     session.ErrorsJSON,
		Steps:      session.StepsJSON,
	})
}
