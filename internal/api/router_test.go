package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/app"
	iauth "github.com/gratipay/gratipay-server/internal/auth"
	"github.com/gratipay/gratipay-server/internal/database/testutil"
	"github.com/gratipay/gratipay-server/internal/mailqueue"
	"github.com/gratipay/gratipay-server/internal/models"
	"github.com/gratipay/gratipay-server/pkg/querystring"
)

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	jwt    *iauth.JWTService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)

	jwt, err := iauth.NewJWTService(iauth.JWTConfig{Secret: "test-secret", Issuer: "gratipay"})
	require.NoError(t, err)

	queue, err := mailqueue.New(db, nil, mailqueue.WithAllowance(100))
	require.NoError(t, err)

	cfg := &app.Config{}
	cfg.Server.BaseURL = "https://gratipay.com"

	router, err := NewRouter(db, jwt, cfg, queue)
	require.NoError(t, err)

	return &testServer{router: router, db: db, jwt: jwt}
}

func (s *testServer) createParticipant(t *testing.T, username string) (*models.Participant, string) {
	t.Helper()

	participant := &models.Participant{Username: username}
	require.NoError(t, s.db.Create(participant).Error)

	token, err := s.jwt.GenerateAccessToken(iauth.AccessTokenInput{
		ParticipantID: participant.ID,
		Username:      username,
	})
	require.NoError(t, err)

	return participant, token
}

func (s *testServer) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(encoded)
	} else {
		payload = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	return envelope.Data
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.request(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestModifyEmailsRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	s.createParticipant(t, "alice")

	rec := s.request(t, http.MethodPost, "/~alice/emails/modify.json", "", map[string]any{
		"action":  "add-email",
		"address": "alice@example.com",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestModifyEmailsRejectsOtherAccounts(t *testing.T) {
	s := newTestServer(t)
	s.createParticipant(t, "alice")
	_, bobToken := s.createParticipant(t, "bob")

	rec := s.request(t, http.MethodPost, "/~alice/emails/modify.json", bobToken, map[string]any{
		"action":  "add-email",
		"address": "bob@example.com",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestModifyEmailsRejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	_, token := s.createParticipant(t, "alice")

	rec := s.request(t, http.MethodPost, "/~alice/emails/modify.json", token, map[string]any{
		"action":  "destroy-all",
		"address": "alice@example.com",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.request(t, http.MethodPost, "/~alice/emails/modify.json", token, map[string]any{
		"action":  "add-email",
		"address": "not-an-address",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddAndVerifyEmailEndToEnd(t *testing.T) {
	s := newTestServer(t)
	alice, token := s.createParticipant(t, "alice")

	rec := s.request(t, http.MethodPost, "/~alice/emails/modify.json", token, map[string]any{
		"action":  "add-email",
		"address": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var record models.EmailAddress
	require.NoError(t, s.db.Where("participant_id = ? AND address = ?", alice.ID, "alice@example.com").
		First(&record).Error)
	require.NotNil(t, record.Nonce)

	verifyPath := fmt.Sprintf("/~alice/emails/verify.html?email2=%s&nonce=%s",
		querystring.Encode("alice@example.com"), *record.Nonce)
	rec = s.request(t, http.MethodGet, verifyPath, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "succeeded", decodeData(t, rec)["result"])

	rec = s.request(t, http.MethodGet, "/~alice/emails", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	emails, ok := decodeData(t, rec)["emails"].([]any)
	require.True(t, ok)
	require.Len(t, emails, 1)
	view, ok := emails[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "alice@example.com", view["address"])
	require.Equal(t, true, view["verified"])
	require.Equal(t, true, view["primary"])
}

func TestVerifyEmailLegacyParameter(t *testing.T) {
	s := newTestServer(t)
	alice, token := s.createParticipant(t, "alice")

	rec := s.request(t, http.MethodPost, "/~alice/emails/modify.json", token, map[string]any{
		"action":  "add-email",
		"address": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var record models.EmailAddress
	require.NoError(t, s.db.Where("participant_id = ?", alice.ID).First(&record).Error)

	verifyPath := fmt.Sprintf("/~alice/emails/verify.html?email=alice@example.com&nonce=%s", *record.Nonce)
	rec = s.request(t, http.MethodGet, verifyPath, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "succeeded", decodeData(t, rec)["result"])
}

func TestShowPackage(t *testing.T) {
	s := newTestServer(t)

	rec := s.request(t, http.MethodGet, "/on/npm/left-pad", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	pkg := &models.Package{
		PackageManager: models.NPM,
		Name:           "left-pad",
		Description:    "pads the left",
		Emails:         []string{"maintainer@example.com"},
	}
	require.NoError(t, s.db.Create(pkg).Error)

	rec = s.request(t, http.MethodGet, "/on/npm/left-pad", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	require.Equal(t, "left-pad", data["name"])
	require.Equal(t, false, data["claimed"])
}

func TestClaimPackageEndToEnd(t *testing.T) {
	s := newTestServer(t)
	alice, token := s.createParticipant(t, "alice")

	pkg := &models.Package{
		PackageManager: models.NPM,
		Name:           "left-pad",
		Description:    "pads the left",
		Emails:         []string{"alice@example.com"},
	}
	require.NoError(t, s.db.Create(pkg).Error)

	rec := s.request(t, http.MethodPost, "/on/npm/left-pad/claim", token, map[string]any{
		"email": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var record models.EmailAddress
	require.NoError(t, s.db.Where("participant_id = ? AND address = ?", alice.ID, "alice@example.com").
		First(&record).Error)

	verifyPath := fmt.Sprintf("/~alice/emails/verify.html?email2=%s&nonce=%s",
		querystring.Encode("alice@example.com"), *record.Nonce)
	rec = s.request(t, http.MethodGet, verifyPath, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	require.Equal(t, "succeeded", data["result"])
	require.Equal(t, []any{"left-pad"}, data["packages"])

	rec = s.request(t, http.MethodGet, "/on/npm/left-pad", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data = decodeData(t, rec)
	require.Equal(t, true, data["claimed"])
	team, ok := data["team"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "left-pad", team["slug"])
}

func TestClaimPackageRejectsAddressNotOnPackage(t *testing.T) {
	s := newTestServer(t)
	s.createParticipant(t, "alice")

	pkg := &models.Package{
		PackageManager: models.NPM,
		Name:           "left-pad",
		Emails:         []string{"maintainer@example.com"},
	}
	require.NoError(t, s.db.Create(pkg).Error)

	_, token := s.createParticipant(t, "bob")
	rec := s.request(t, http.MethodPost, "/on/npm/left-pad/claim", token, map[string]any{
		"email": "bob@example.com",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
