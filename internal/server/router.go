package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/auth"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/board"
	"github.com/FpSilSha/G4-CollabBoard-sub002/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const claimsContextKey = "collabboard_claims"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCore          = errors.New("protocol core dependency required")
	errMissingBoardStore    = errors.New("board store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator is the consumed identity interface: token in, verified
// opaque identity plus display profile out.
type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	TokenManager TokenValidator
	Core         *Core
	BoardStore   *board.Store
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router: board CRUD, the websocket endpoint,
// health and metrics.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Core == nil {
		return nil, errMissingCore
	}
	if deps.BoardStore == nil {
		return nil, errMissingBoardStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens: deps.TokenManager,
		core:   deps.Core,
		store:  deps.BoardStore,
		logger: logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(telemetry.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/ws", handler.handleWebSocket)
	protected.POST("/boards", handler.handleCreateBoard)
	protected.GET("/boards", handler.handleListBoards)
	protected.DELETE("/boards/:id", handler.handleDeleteBoard)

	return router, nil
}

type httpHandler struct {
	tokens TokenValidator
	core   *Core
	store  *board.Store
	logger *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		// Browsers cannot set headers on websocket dials.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func claimsFrom(c *gin.Context) (auth.SessionClaims, bool) {
	raw, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := raw.(auth.SessionClaims)
	return claims, ok
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ServeConnection(c.Writer, c.Request, h.core, claims, h.logger)
}

type createBoardPayload struct {
	Title string `json:"title"`
}

type boardResponsePayload struct {
	BoardID          string `json:"documentId"`
	OwnerID          string `json:"ownerId"`
	Title            string `json:"title"`
	Version          int64  `json:"version"`
	UpdatedAtSeconds int64  `json:"updated_at_s,omitempty"`
}

func (h *httpHandler) handleCreateBoard(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createBoardPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.store.Create(c.Request.Context(), uuid.NewString(), claims.Subject, strings.TrimSpace(request.Title))
	if err != nil {
		h.logger.Error("board creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, boardResponsePayload{
		BoardID: record.BoardID,
		OwnerID: record.OwnerID,
		Title:   record.Title,
		Version: record.Version,
	})
}

func (h *httpHandler) handleListBoards(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	rows, err := h.store.ListOwned(c.Request.Context(), claims.Subject)
	if err != nil {
		h.logger.Error("board listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	response := make([]boardResponsePayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, boardResponsePayload{
			BoardID:          row.BoardID,
			OwnerID:          row.OwnerID,
			Title:            row.Title,
			Version:          row.Version,
			UpdatedAtSeconds: row.UpdatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"boards": response})
}

func (h *httpHandler) handleDeleteBoard(c *gin.Context) {
	claims, ok := claimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	err := h.store.Delete(c.Request.Context(), c.Param("id"), claims.Subject)
	switch {
	case errors.Is(err, board.ErrBoardNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, board.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized"})
	case err != nil:
		h.logger.Error("board deletion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}
