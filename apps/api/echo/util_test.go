package echoapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pawtograder/staging/core"
	"github.com/pawtograder/staging/core/staging"
	"github.com/pawtograder/staging/core/views"
	inmemdb "github.com/pawtograder/staging/storage/database/inmem"
)

type (
	httpTest struct {
		name     string
		method   string
		path     string
		body     interface{}
		token    string
		wantCode int
		wantData interface{}
	}

	httpErr struct {
		Error string `json:"error"`
	}

	testApp struct {
		conf     *core.Config
		db       *inmemdb.DB
		reporter *staging.ReporterMock
		server   *Server
	}
)

var (
	instructor = staging.Actor{ID: "prof-1", Name: "Prof X", Email: "x@uni.edu"}
	grader     = staging.Actor{ID: "ta-1", Name: "TA", Email: "ta@uni.edu"}
	student    = staging.Actor{ID: "stu-1", Name: "Student", Email: "stu@uni.edu"}

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errForbidden    = httpErr{Error: "permission denied"}
)

func testConfig() *core.Config {
	conf := new(core.Config)
	conf.AppName = "Pawtograder"
	conf.SecretKey = "test-secret"
	conf.TestMode = true
	conf.Server.JWTAudience = "staging"
	conf.Staging.MaxSessions = 16
	conf.Staging.SessionTTL = time.Hour
	return conf
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	conf := testConfig()
	db := inmemdb.Open()
	cache, err := views.NewCache(db, 16)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := staging.NewMetrics(reg)
	reporter := new(staging.ReporterMock)
	validate, translator := core.NewValidator()

	pub := staging.NewPublisher(
		staging.PublisherDeps{Backend: db, Views: cache, Reporter: reporter, Metrics: metrics},
		staging.PublishOptions{},
	)
	server := NewServer(ServerDeps{
		Conf:           conf,
		Publisher:      pub,
		Roster:         cache,
		Metrics:        metrics,
		Gatherer:       reg,
		Validate:       validate,
		Translator:     translator,
		DisableReqLogs: true,
	})
	t.Cleanup(func() { _ = server.Close() })
	return &testApp{conf: conf, db: db, reporter: reporter, server: server}
}

func (app *testApp) token(t *testing.T, actor staging.Actor, roles ...string) string {
	t.Helper()
	token, err := GenerateToken(NewClaims(app.conf, actor, time.Hour, roles...), app.conf.SecretKey)
	require.NoError(t, err)
	return token
}

func (app *testApp) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req, rec := newAuthRequest(t, method, path, token, body)
	app.server.ServeHTTP(rec, req)
	return rec
}

func newAuthRequest(t *testing.T, method, path, token string, body interface{}) (*http.Request, *httptest.ResponseRecorder) {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	return req, httptest.NewRecorder()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func marshallObj(t *testing.T, obj interface{}) string {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marshallObj() failed: %v", err)
	}
	return string(data)
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v; body %s", rec.Code, tt.wantCode, rec.Body.String())
	}
	if tt.wantData != nil {
		require.JSONEq(t, marshallObj(t, tt.wantData), rec.Body.String())
	}
}
