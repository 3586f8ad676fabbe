package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/journal"
	"github.com/golang-jwt/jwt/v5"
)

func testBlocks() []journal.Block {
	return []journal.Block{{ID: "b1", Text: "a line of journal text", CreatedAtSeconds: 100}}
}

func mustNewStore(t *testing.T, cfg HTTPStoreConfig) *HTTPStore {
	t.Helper()
	store, err := NewHTTPStore(cfg)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func TestNewHTTPStoreRequiresBaseURL(t *testing.T) {
	if _, err := NewHTTPStore(HTTPStoreConfig{}); err == nil {
		t.Fatalf("expected error for empty base url")
	}
	if _, err := NewHTTPStore(HTTPStoreConfig{BaseURL: "   "}); err == nil {
		t.Fatalf("expected error for blank base url")
	}
}

func TestCreateRecordSendsPayloadAndBearer(t *testing.T) {
	var gotPath, gotAuth string
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "rec-assigned"})
	}))
	defer server.Close()

	store := mustNewStore(t, HTTPStoreConfig{BaseURL: server.URL, BearerToken: "opaque-token"})
	id, err := store.CreateRecord(context.Background(), "owner-a", "temp-1", testBlocks())
	if err != nil {
		t.Fatalf("expected create, got error: %v", err)
	}
	if id != "rec-assigned" {
		t.Fatalf("expected assigned id, got %s", id)
	}
	if gotPath != "POST /records" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
	if gotAuth != "Bearer opaque-token" {
		t.Fatalf("unexpected authorization header: %q", gotAuth)
	}
	if gotPayload["owner_key"] != "owner-a" || gotPayload["client_ref"] != "temp-1" {
		t.Fatalf("unexpected payload: %+v", gotPayload)
	}
}

func TestCreateRecordConflictCarriesExistingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":       "record_exists",
			"existing_id": "rec-already-there",
		})
	}))
	defer server.Close()

	store := mustNewStore(t, HTTPStoreConfig{BaseURL: server.URL})
	_, err := store.CreateRecord(context.Background(), "owner-a", "temp-1", testBlocks())
	conflict, ok := AsConflict(err)
	if !ok {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if conflict.ExistingID != "rec-already-there" {
		t.Fatalf("expected existing id in conflict, got %q", conflict.ExistingID)
	}
}

func TestUpdateRecordTargetsRecordPath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer server.Close()

	store := mustNewStore(t, HTTPStoreConfig{BaseURL: server.URL})
	if err := store.UpdateRecord(context.Background(), "rec-42", "owner-a", testBlocks()); err != nil {
		t.Fatalf("expected update, got error: %v", err)
	}
	if gotPath != "PUT /records/rec-42" {
		t.Fatalf("unexpected request: %s", gotPath)
	}
}

func TestUpdateMissingRecordIsTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "record_not_found"})
	}))
	defer server.Close()

	store := mustNewStore(t, HTTPStoreConfig{BaseURL: server.URL})
	err := store.UpdateRecord(context.Background(), "rec-gone", "owner-a", testBlocks())
	if !errors.Is(err, ErrRecordMissing) {
		t.Fatalf("expected ErrRecordMissing, got %v", err)
	}
}

func TestServerErrorsSurfaceStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := mustNewStore(t, HTTPStoreConfig{BaseURL: server.URL})
	_, err := store.CreateRecord(context.Background(), "owner-a", "temp-1", testBlocks())
	if err == nil {
		t.Fatalf("expected error for 502")
	}
	if _, ok := AsConflict(err); ok {
		t.Fatalf("502 must not classify as conflict")
	}
}

func TestExpiredTokenBlocksRequestLocally(t *testing.T) {
	requestCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "rec-1"})
	}))
	defer server.Close()

	now := time.Unix(1700000000, 0)
	expired := mintTestToken(t, now.Add(-time.Hour))
	store := mustNewStore(t, HTTPStoreConfig{
		BaseURL:     server.URL,
		BearerToken: expired,
		Clock:       func() time.Time { return now },
	})

	_, err := store.CreateRecord(context.Background(), "owner-a", "temp-1", testBlocks())
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if requestCount != 0 {
		t.Fatalf("expired token must not reach the server, got %d requests", requestCount)
	}

	// A fresh token restores service.
	store.SetBearerToken(mintTestToken(t, now.Add(time.Hour)))
	if _, err := store.CreateRecord(context.Background(), "owner-a", "temp-1", testBlocks()); err != nil {
		t.Fatalf("expected create with fresh token, got error: %v", err)
	}
	if requestCount != 1 {
		t.Fatalf("expected exactly one request after token refresh, got %d", requestCount)
	}
}

func TestOpaqueTokenPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "rec-1"})
	}))
	defer server.Close()

	store := mustNewStore(t, HTTPStoreConfig{BaseURL: server.URL, BearerToken: "not-a-jwt"})
	if _, err := store.CreateRecord(context.Background(), "owner-a", "temp-1", testBlocks()); err != nil {
		t.Fatalf("expected opaque token to pass through, got error: %v", err)
	}
}

func TestSetBearerTokenIsSafeDuringRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "rec-assigned"})
	}))
	defer server.Close()

	store := mustNewStore(t, HTTPStoreConfig{BaseURL: server.URL, BearerToken: "token-0"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store.SetBearerToken(fmt.Sprintf("token-%d", n))
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CreateRecord(context.Background(), "owner-a", "temp-1", testBlocks()); err != nil {
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()
}

func mintTestToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "owner-a",
		"exp": expiresAt.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}
