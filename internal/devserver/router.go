package devserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ownerKeyContextKey = "tether_owner_key"

var (
	errMissingTokenIssuer   = errors.New("token issuer dependency required")
	errMissingRecordStore   = errors.New("record store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the dev server router.
type Dependencies struct {
	TokenIssuer *TokenIssuer
	Records     *RecordStore
	Logger      *zap.Logger
}

// NewHTTPHandler builds the dev remote-store HTTP surface: token minting for
// local development plus the two record operations the engine consumes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenIssuer == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Records == nil {
		return nil, errMissingRecordStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenIssuer,
		records: deps.Records,
		logger:  logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/records", handler.handleCreateRecord)
	protected.PUT("/records/:id", handler.handleUpdateRecord)

	return router, nil
}

type httpHandler struct {
	tokens  *TokenIssuer
	records *RecordStore
	logger  *zap.Logger
}

type tokenRequestPayload struct {
	OwnerKey string `json:"owner_key"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ownerKey, err := journal.NewOwnerKey(request.OwnerKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_owner_key"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(ownerKey.String())
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

type createRecordPayload struct {
	OwnerKey  string          `json:"owner_key"`
	ClientRef string          `json:"client_ref"`
	Content   []journal.Block `json:"content"`
}

type updateRecordPayload struct {
	OwnerKey string          `json:"owner_key"`
	Content  []journal.Block `json:"content"`
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	ownerKey := c.GetString(ownerKeyContextKey)
	if ownerKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request createRecordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.OwnerKey != "" && request.OwnerKey != ownerKey {
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_mismatch"})
		return
	}

	recordID, err := h.records.Create(ownerKey, request.ClientRef, request.Content)
	if err != nil {
		var duplicate *DuplicateRefError
		if errors.As(err, &duplicate) {
			c.JSON(http.StatusConflict, gin.H{
				"error":       "record_exists",
				"existing_id": duplicate.ExistingID,
			})
			return
		}
		h.logger.Error("failed to create record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": recordID})
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	ownerKey := c.GetString(ownerKeyContextKey)
	if ownerKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	recordID, err := journal.NewRecordID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
		return
	}

	var request updateRecordPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.OwnerKey != "" && request.OwnerKey != ownerKey {
		c.JSON(http.StatusForbidden, gin.H{"error": "owner_mismatch"})
		return
	}

	if err := h.records.Update(recordID.String(), ownerKey, request.Content); err != nil {
		if errors.Is(err, ErrUnknownRecord) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found"})
			return
		}
		h.logger.Error("failed to update record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
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
	ownerKey, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ownerKeyContextKey, ownerKey)
	c.Next()
}
