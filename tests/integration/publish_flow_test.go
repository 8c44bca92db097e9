package integration_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mosaiclabs/mosaic/backend/internal/auth"
	"github.com/mosaiclabs/mosaic/backend/internal/database"
	"github.com/mosaiclabs/mosaic/backend/internal/publish"
	"github.com/mosaiclabs/mosaic/backend/internal/server"
	"go.uber.org/zap"
)

const (
	integrationAPIKey        = "integration-api-key"
	integrationSigningSecret = "integration-signing-secret"
	jsonContentType          = "application/json"
)

func TestPublishFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "mosaic.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	publishService, err := publish.NewService(publish.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: publish.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build publish service: %v", err)
	}

	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token manager: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		PublishService: publishService,
		APIKey:         integrationAPIKey,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	folder := publish.Folder{
		RowMeta: publish.RowMeta{ID: "f1"},
		Name:    "Marketing",
	}
	if err := db.Create(&folder).Error; err != nil {
		testContext.Fatalf("failed to seed folder: %v", err)
	}
	page := publish.Page{
		RowMeta:  publish.RowMeta{ID: "p1"},
		FolderID: &folder.ID,
		Name:     "Landing",
		Slug:     "landing",
		Content:  `{"id":"root","kind":"frame","children":[{"id":"hero","kind":"section"}]}`,
	}
	if err := db.Create(&page).Error; err != nil {
		testContext.Fatalf("failed to seed page: %v", err)
	}

	accessToken := mustExchangeAPIKey(testContext, testServer.URL)

	firstResult := mustPublish(testContext, testServer.URL, accessToken)
	if !firstResult.Success {
		testContext.Fatalf("expected success, got errors %v", firstResult.Errors)
	}
	if firstResult.Changes.Folders != 1 || firstResult.Changes.Pages != 1 {
		testContext.Fatalf("unexpected first pass changes: %+v", firstResult.Changes)
	}

	secondResult := mustPublish(testContext, testServer.URL, accessToken)
	if !secondResult.Success {
		testContext.Fatalf("expected success on second pass, got errors %v", secondResult.Errors)
	}
	if secondResult.Changes != (publish.Changes{}) {
		testContext.Fatalf("expected no changes on second pass, got %+v", secondResult.Changes)
	}

	statusReq, _ := http.NewRequest(http.MethodGet, testServer.URL+"/publish/status", nil)
	statusReq.Header.Set("Authorization", "Bearer "+accessToken)
	statusResp, err := http.DefaultClient.Do(statusReq)
	if err != nil {
		testContext.Fatalf("status request failed: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status code: %d", statusResp.StatusCode)
	}
	var statusPayload struct {
		Success bool   `json:"success"`
		Changes string `json:"changes"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&statusPayload); err != nil {
		testContext.Fatalf("failed to decode status response: %v", err)
	}
	if !statusPayload.Success {
		testContext.Fatalf("expected successful latest session, got %+v", statusPayload)
	}
}

func TestPublishRejectsRequestWithoutToken(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "mosaic.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	publishService, err := publish.NewService(publish.ServiceConfig{
		Database:   db,
		IDProvider: publish.NewUUIDProvider(),
	})
	if err != nil {
		testContext.Fatalf("failed to build publish service: %v", err)
	}
	tokenManager, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(integrationSigningSecret),
	})
	if err != nil {
		testContext.Fatalf("failed to build token manager: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		PublishService: publishService,
		APIKey:         integrationAPIKey,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	resp, err := http.Post(testServer.URL+"/publish", jsonContentType, bytes.NewReader([]byte(`{"publishAll":true}`)))
	if err != nil {
		testContext.Fatalf("publish request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized status, got %d", resp.StatusCode)
	}
}

func mustExchangeAPIKey(testContext *testing.T, baseURL string) string {
	testContext.Helper()

	tokenBody, _ := json.Marshal(map[string]any{
		"api_key": integrationAPIKey,
		"subject": "integration-test",
	})
	resp, err := http.Post(baseURL+"/auth/token", jsonContentType, bytes.NewReader(tokenBody))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatalf("expected access token in response")
	}
	return payload.AccessToken
}

func mustPublish(testContext *testing.T, baseURL, accessToken string) publish.Result {
	testContext.Helper()

	body, _ := json.Marshal(map[string]any{"publishAll": true})
	request, _ := http.NewRequest(http.MethodPost, baseURL+"/publish", bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("publish request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected publish status: %d", resp.StatusCode)
	}
	var result publish.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		testContext.Fatalf("failed to decode publish response: %v", err)
	}
	return result
}
