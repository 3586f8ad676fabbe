package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	errMissingBaseURL = errors.New("base url is required")
	noOpLogger        = zap.NewNop()
)

const defaultRequestTimeout = 15 * time.Second

// HTTPStoreConfig captures the dependencies of the HTTP remote store client.
type HTTPStoreConfig struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      *zap.Logger
}

// HTTPStore talks to the remote durable store over JSON/HTTP.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger

	tokenMu sync.Mutex
	token   string
}

// NewHTTPStore constructs an HTTP-backed remote store client.
func NewHTTPStore(cfg HTTPStoreConfig) (*HTTPStore, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &HTTPStore{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.BearerToken,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SetBearerToken rebinds the bearer token, used when the active session
// changes. Safe for concurrent use with in-flight requests.
func (s *HTTPStore) SetBearerToken(token string) {
	s.tokenMu.Lock()
	s.token = token
	s.tokenMu.Unlock()
}

func (s *HTTPStore) bearerToken() string {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return s.token
}

type createRequestPayload struct {
	OwnerKey  string          `json:"owner_key"`
	ClientRef string          `json:"client_ref"`
	Content   []journal.Block `json:"content"`
}

type createResponsePayload struct {
	ID string `json:"id"`
}

type updateRequestPayload struct {
	OwnerKey string          `json:"owner_key"`
	Content  []journal.Block `json:"content"`
}

type errorResponsePayload struct {
	Error      string `json:"error"`
	ExistingID string `json:"existing_id,omitempty"`
}

// CreateRecord implements Store.
func (s *HTTPStore) CreateRecord(ctx context.Context, ownerKey, clientRef string, content []journal.Block) (string, error) {
	payload := createRequestPayload{OwnerKey: ownerKey, ClientRef: clientRef, Content: content}
	body, err := s.do(ctx, http.MethodPost, s.baseURL+"/records", payload)
	if err != nil {
		return "", err
	}

	var response createResponsePayload
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("remote: decode create response: %w", err)
	}
	if response.ID == "" {
		return "", fmt.Errorf("remote: create response missing id")
	}
	return response.ID, nil
}

// UpdateRecord implements Store.
func (s *HTTPStore) UpdateRecord(ctx context.Context, id, ownerKey string, content []journal.Block) error {
	payload := updateRequestPayload{OwnerKey: ownerKey, Content: content}
	_, err := s.do(ctx, http.MethodPut, s.baseURL+"/records/"+url.PathEscape(id), payload)
	return err
}

func (s *HTTPStore) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	token := s.bearerToken()
	if err := s.checkToken(token); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("remote: encode request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("remote: request failed: %w", err)
	}
	defer response.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("remote: read response: %w", err)
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return body, nil
	case response.StatusCode == http.StatusConflict:
		var errorPayload errorResponsePayload
		if err := json.Unmarshal(body, &errorPayload); err != nil {
			return nil, fmt.Errorf("remote: conflict with undecodable body: %w", err)
		}
		return nil, &ConflictError{ExistingID: errorPayload.ExistingID}
	case response.StatusCode == http.StatusNotFound:
		return nil, ErrRecordMissing
	default:
		s.logger.Warn("remote store request rejected",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("status", response.StatusCode))
		return nil, fmt.Errorf("remote: unexpected status %d", response.StatusCode)
	}
}

// checkToken refuses to issue a request with a token that is already expired.
// The signature is not verified here; the server does that. The client only
// reads the exp claim so a stale session degrades into queued work instead of
// a guaranteed rejection.
func (s *HTTPStore) checkToken(token string) error {
	if token == "" {
		return nil
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		// Opaque tokens pass through untouched.
		return nil //nolint:nilerr
	}

	expiresAt, err := claims.GetExpirationTime()
	if err != nil || expiresAt == nil {
		return nil
	}
	if s.clock().After(expiresAt.Time) {
		return ErrTokenExpired
	}
	return nil
}
