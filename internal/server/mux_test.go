// internal/server/mux_test.go
// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team4edu/edu-backend-go/internal/identity"
	"github.com/team4edu/edu-backend-go/internal/jwks"
	"github.com/team4edu/edu-backend-go/internal/media"
	"github.com/team4edu/edu-backend-go/internal/model"
	"github.com/team4edu/edu-backend-go/internal/notify"
	"github.com/team4edu/edu-backend-go/internal/service"
	"github.com/team4edu/edu-backend-go/internal/storage"
)

const (
	testIssuer   = "https://issuer.test"
	testClientID = "client-1"
)

type testEnv struct {
	handler http.Handler
	keys    *jwks.Client
	topics  *notify.Memory
	blobs   *media.Local
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		keys:   jwks.NewTestClient(),
		topics: notify.NewMemory(),
		blobs:  media.NewLocal(),
	}
	svc := service.New(service.Deps{
		Store:  storage.NewMemory(),
		Topics: env.topics,
		Media:  env.blobs,
		Limits: media.Limits{MaxSize: 1 << 20, AllowedTypes: []string{"image/png", "video/mp4", "application/pdf"}},
	})
	verifier := identity.NewJWTVerifier(env.keys, testIssuer, testClientID, nil)
	env.handler = NewMux(svc, verifier, opts)
	return env
}

func (e *testEnv) token(t *testing.T, sub, email string) string {
	t.Helper()
	tok, err := e.keys.SignTestToken(jwt.MapClaims{
		"sub":       sub,
		"email":     email,
		"iss":       testIssuer,
		"client_id": testClientID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) doJSON(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, token, strings.NewReader(body), "application/json")
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code          string                 `json:"code"`
		Message       string                 `json:"message"`
		CorrelationID string                 `json:"correlationId"`
		Details       map[string]interface{} `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	if data != nil && env.Data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

type part struct {
	field, name, contentType, body string
}

func multipartBody(t *testing.T, values map[string]string, files ...part) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="`+f.field+`"; filename="`+f.name+`"`)
		h.Set("Content-Type", f.contentType)
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})

	rr := env.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())

	rr = env.do(t, http.MethodGet, "/readyz", "", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, Options{})

	req := httptest.NewRequest(http.MethodPost, "/api/series", strings.NewReader(`{}`))
	req.Header.Set(correlationHeader, "corr-1")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "corr-1", rr.Header().Get(correlationHeader))
	e := decode(t, rr, nil)
	require.NotNil(t, e.Error)
	assert.Equal(t, "EDU_AUTHN", e.Error.Code)
	assert.Equal(t, "corr-1", e.Error.CorrelationID)

	rr = env.do(t, http.MethodGet, "/api/auth/status", "not-a-jwt", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "EDU_JWT_MALFORMED", decode(t, rr, nil).Error.Code)
}

func TestAuthStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	rr := env.do(t, http.MethodGet, "/api/auth/status", env.token(t, "U1", "u1@x.com"), nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var status struct {
		Authenticated bool               `json:"authenticated"`
		User          identity.Principal `json:"user"`
	}
	decode(t, rr, &status)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "U1", status.User.UserID)
	assert.Equal(t, "u1@x.com", status.User.Email)
	assert.NotContains(t, rr.Body.String(), "RawToken")
}

func TestAuthVerify(t *testing.T) {
	env := newTestEnv(t, Options{})

	rr := env.doJSON(t, http.MethodPost, "/api/auth/verify", "",
		`{"token":"`+env.token(t, "U1", "u1@x.com")+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out struct {
		Valid   bool               `json:"valid"`
		Payload identity.Principal `json:"payload"`
	}
	decode(t, rr, &out)
	assert.True(t, out.Valid)
	assert.Equal(t, "U1", out.Payload.UserID)

	expired, err := env.keys.SignTestToken(jwt.MapClaims{
		"sub": "U1", "iss": testIssuer, "client_id": testClientID,
		"exp": time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)
	for token, code := range map[string]string{
		expired:     "EDU_JWT_EXPIRED",
		"not-a-jwt": "EDU_JWT_MALFORMED",
	} {
		rr = env.doJSON(t, http.MethodPost, "/api/auth/verify", "", `{"token":"`+token+`"}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		e := decode(t, rr, nil)
		require.NotNil(t, e.Error)
		assert.Equal(t, code, e.Error.Code)
		assert.Equal(t, false, e.Error.Details["valid"])
	}

	rr = env.doJSON(t, http.MethodPost, "/api/auth/verify", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAuthConfig(t *testing.T) {
	env := newTestEnv(t, Options{Auth: AuthConfig{
		Issuer:  "https://cognito-idp.ap-southeast-1.amazonaws.com/ap-southeast-1_abc",
		JWKSURL: "https://cognito-idp.ap-southeast-1.amazonaws.com/ap-southeast-1_abc/.well-known/jwks.json",
		Region:  "ap-southeast-1",
	}})

	rr := env.do(t, http.MethodGet, "/api/auth/config", "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var cfg map[string]string
	decode(t, rr, &cfg)
	assert.Equal(t, "ap-southeast-1", cfg["region"])
	assert.Equal(t, "ap-southeast-1_abc", cfg["userPoolId"])
	assert.True(t, strings.HasSuffix(cfg["jwksUrl"], "/.well-known/jwks.json"))
	assert.True(t, strings.HasPrefix(cfg["issuer"], "https://cognito-idp."))
}

func TestProfileEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "U1", "u1@x.com")

	rr := env.do(t, http.MethodGet, "/api/users/profile", tok, nil, "")
	assert.Equal(t, http.StatusCreated, rr.Code)
	rr = env.do(t, http.MethodGet, "/api/users/profile", tok, nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.doJSON(t, http.MethodPost, "/api/users/profile", tok, `{"name":"Again"}`)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = env.doJSON(t, http.MethodPut, "/api/users/U1", tok, `{"name":"Uno"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var u model.User
	decode(t, rr, &u)
	assert.Equal(t, "Uno", u.Name)

	rr = env.doJSON(t, http.MethodPut, "/api/users/U2", tok, `{"name":"Dos"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.doJSON(t, http.MethodPut, "/api/users/U1", tok, `{"subscribedSeriesIds":["x"]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/users/ghost", tok, nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSeriesLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, Options{})
	author := env.token(t, "U1", "u1@x.com")
	learner := env.token(t, "U2", "u2@x.com")
	env.do(t, http.MethodGet, "/api/users/profile", learner, nil, "")

	rr := env.doJSON(t, http.MethodPost, "/api/series", author, `{"title":"JS101","category":"Programming","isPublished":true}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var series model.Series
	decode(t, rr, &series)
	assert.NotEmpty(t, series.NotificationTopicID)
	assert.Equal(t, "U1", series.OwnerUserID)

	rr = env.do(t, http.MethodPost, "/api/series/"+series.ID+"/subscribe", learner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sub model.SubscribeResult
	decode(t, rr, &sub)
	assert.False(t, sub.AlreadySubscribed)

	rr = env.do(t, http.MethodGet, "/api/series/"+series.ID, "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &series)
	assert.Equal(t, int64(1), series.SubscriberCount)

	rr = env.do(t, http.MethodGet, "/api/series/subscribed", learner, nil, "")
	var list model.SubscriptionList
	decode(t, rr, &list)
	require.Len(t, list.Series, 1)

	body, ct := multipartBody(t, map[string]string{"title": "Closures", "isPublished": "true"},
		part{fieldVideo, "intro.mp4", "video/mp4", "video"},
		part{fieldDocuments, "notes.pdf", "application/pdf", "notes"},
		part{fieldDocuments, "more.pdf", "application/pdf", "more"})
	rr = env.do(t, http.MethodPost, "/api/series/"+series.ID+"/lessons", author, body, ct)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var lesson model.Lesson
	decode(t, rr, &lesson)
	assert.True(t, lesson.IsPublished)
	assert.NotEmpty(t, lesson.VideoURL)
	assert.Len(t, lesson.DocumentURLs, 2)

	published := env.topics.Published()
	require.Len(t, published, 1)
	assert.Equal(t, `New Lesson in "JS101"`, published[0].Subject)

	rr = env.do(t, http.MethodGet, "/api/series/"+series.ID+"/lessons/"+lesson.ID, "", nil, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.doJSON(t, http.MethodDelete, "/api/series/"+series.ID+"/lessons/"+lesson.ID+"/documents", author,
		`{"url":"`+lesson.DocumentURLs[0]+`"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	decode(t, rr, &lesson)
	assert.Len(t, lesson.DocumentURLs, 1)

	rr = env.do(t, http.MethodPost, "/api/series/"+series.ID+"/unsubscribe", learner, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var unsub model.UnsubscribeResult
	decode(t, rr, &unsub)
	assert.True(t, unsub.PendingConfirmation)

	rr = env.do(t, http.MethodDelete, "/api/series/"+series.ID, author, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var del model.DeleteSeriesResult
	decode(t, rr, &del)
	assert.False(t, del.Deleted)
	assert.NotEmpty(t, del.Warning)

	rr = env.do(t, http.MethodDelete, "/api/series/"+series.ID+"/lessons/"+lesson.ID, author, nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, http.MethodDelete, "/api/series/"+series.ID, author, nil, "")
	decode(t, rr, &del)
	assert.True(t, del.Deleted)
	assert.Equal(t, 0, env.blobs.Len())

	rr = env.do(t, http.MethodGet, "/api/series/"+series.ID, "", nil, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateSeriesMultipart(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "U1", "u1@x.com")

	body, ct := multipartBody(t, map[string]string{"title": "Go", "category": "Programming", "isPublished": "false"},
		part{fieldThumbnail, "cover.png", "image/png", "png"})
	rr := env.do(t, http.MethodPost, "/api/series", tok, body, ct)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var series model.Series
	decode(t, rr, &series)
	assert.False(t, series.IsPublished)
	assert.Contains(t, series.ThumbnailURL, media.ThumbnailPrefix("U1"))
	assert.True(t, env.blobs.Has(series.ThumbnailURL))

	body, ct = multipartBody(t, map[string]string{"title": "Go", "category": "Programming"},
		part{fieldThumbnail, "cover.gif", "image/gif", "gif"})
	rr = env.do(t, http.MethodPost, "/api/series", tok, body, ct)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "EDU_MEDIA_TYPE", decode(t, rr, nil).Error.Code)

	body, ct = multipartBody(t, map[string]string{"title": "Go", "category": "Programming", "isPublished": "maybe"})
	rr = env.do(t, http.MethodPost, "/api/series", tok, body, ct)
	assert.Equal(t, "EDU_VALIDATION", decode(t, rr, nil).Error.Code)
}

func TestSeriesValidation(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "U1", "u1@x.com")

	rr := env.doJSON(t, http.MethodPost, "/api/series", tok, `{"title":"Go"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "EDU_VALIDATION", decode(t, rr, nil).Error.Code)

	rr = env.doJSON(t, http.MethodPost, "/api/series", tok, `{"title":`)
	assert.Equal(t, "EDU_BAD_REQUEST", decode(t, rr, nil).Error.Code)

	rr = env.doJSON(t, http.MethodPost, "/api/series", tok, `{"title":"Go","category":"P"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var series model.Series
	decode(t, rr, &series)

	// Server-managed fields cannot be patched
	rr = env.doJSON(t, http.MethodPatch, "/api/series/"+series.ID, tok, `{"subscriberCount":10}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.doJSON(t, http.MethodPatch, "/api/series/"+series.ID, tok, `{"notificationTopicId":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.doJSON(t, http.MethodPatch, "/api/series/"+series.ID, tok, `{"title":"Go 2"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &series)
	assert.Equal(t, "Go 2", series.Title)
	assert.NotEmpty(t, series.NotificationTopicID)

	rr = env.doJSON(t, http.MethodPatch, "/api/series/"+storage.NewID(), tok, `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListAndSearchSeries(t *testing.T) {
	env := newTestEnv(t, Options{})
	tok := env.token(t, "U1", "u1@x.com")
	env.doJSON(t, http.MethodPost, "/api/series", tok, `{"title":"Intro to Go","category":"Programming","isPublished":true}`)
	env.doJSON(t, http.MethodPost, "/api/series", tok, `{"title":"Watercolor","category":"Art","isPublished":true}`)

	rr := env.do(t, http.MethodGet, "/api/series?category=Art", "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var page model.SeriesPage
	decode(t, rr, &page)
	require.Len(t, page.Series, 1)
	assert.Equal(t, "Watercolor", page.Series[0].Title)

	rr = env.do(t, http.MethodGet, "/api/series?published=sometimes", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, http.MethodGet, "/api/series?limit=0", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/series/search?q=go", "", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var found struct {
		Series []model.Series `json:"series"`
	}
	decode(t, rr, &found)
	require.Len(t, found.Series, 1)
	assert.Equal(t, "Intro to Go", found.Series[0].Title)

	rr = env.do(t, http.MethodGet, "/api/series/search?q=", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/series/created", tok, nil, "")
	decode(t, rr, &found)
	assert.Len(t, found.Series, 2)
}

func TestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, Options{MaxBodySize: 64})
	tok := env.token(t, "U1", "u1@x.com")

	body, ct := multipartBody(t, map[string]string{"title": "Go", "category": "P"},
		part{fieldThumbnail, "cover.png", "image/png", strings.Repeat("x", 1024)})
	rr := env.do(t, http.MethodPost, "/api/series", tok, body, ct)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "EDU_MEDIA_SIZE", decode(t, rr, nil).Error.Code)
}

func TestAdminSagas(t *testing.T) {
	env := newTestEnv(t, Options{IsAdmin: func(id string) bool { return id == "admin" }})
	tok := env.token(t, "U1", "u1@x.com")

	env.topics.FailOn("create_topic", assert.AnError)
	rr := env.doJSON(t, http.MethodPost, "/api/series", tok, `{"title":"Go","category":"P"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/admin/sagas", tok, nil, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, http.MethodGet, "/api/admin/sagas", env.token(t, "admin", "a@x.com"), nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var out struct {
		Operations []struct {
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"operations"`
	}
	decode(t, rr, &out)
	require.Len(t, out.Operations, 1)
	assert.Equal(t, service.OpSeriesCreate, out.Operations[0].Type)
	assert.Equal(t, "failed", out.Operations[0].Status)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Options{CORSAllowedOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/api/series", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "PATCH")

	req = httptest.NewRequest(http.MethodOptions, "/api/series", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/series", nil)
	req.Header.Set("Origin", "https://app.example")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))
}
