package tests

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/mail"
	"reflect"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/tathmini/apps/api/echo"
	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/core/submission"
	emailsvc "github.com/trezcool/tathmini/services/email"
	gradingsvc "github.com/trezcool/tathmini/services/grading"
	transcriptionsvc "github.com/trezcool/tathmini/services/transcription"
	dummydb "github.com/trezcool/tathmini/storage/database/dummy"
	testutil "github.com/trezcool/tathmini/tests"
)

var (
	errMissingToken = httpErr{Error: "missing or malformed jwt"}
	errInvalidToken = httpErr{Error: "invalid or expired jwt"}
	errForbidden    = httpErr{Error: "permission denied"}
	emptyList       = []byte("[]")
)

type testApp struct {
	Server
	conf          *core.Config
	clock         *testutil.Clock
	logger        *testutil.Logger
	validate      *validator.Validate
	translator    ut.Translator
	sessRepo      session.Repository
	subSvc        *submission.Service
	mailSvc       *emailsvc.ConsoleServiceMock
	adminToken    string
	notAdminToken string
}

func testConfig() *core.Config {
	return &core.Config{
		Env:              "TEST",
		TestMode:         true,
		AppName:          "Tathmini",
		SecretKey:        "secret",
		DefaultFromEmail: mail.Address{Name: "Tathmini", Address: "noreply@tathmini.test"},
		InstructorEmail:  &mail.Address{Name: "Grace Hopper", Address: "grace@tathmini.test"},
		Server: core.ServerConfig{
			JWTExpirationDelta: time.Hour,
			BodyLimit:          "2M",
		},
		Session: core.SessionConfig{
			ActiveDuration:        time.Hour,
			GraceDuration:         time.Minute,
			Checkpoints:           []time.Duration{15 * time.Minute, 30 * time.Minute, 50 * time.Minute, 60 * time.Minute},
			MaxSaveAttempts:       5,
			RefreshInterval:       time.Second,
			LockedRefreshInterval: 30 * time.Second,
			SubmitClaimTTL:        2 * time.Minute,
		},
		Providers: core.ProvidersConfig{Timeout: 5 * time.Second},
	}
}

func setup(t *testing.T) *testApp {
	t.Helper()
	a := &testApp{
		conf:       testConfig(),
		clock:      testutil.NewClock(testutil.Epoch),
		logger:     &testutil.Logger{},
		validate:   validator.New(),
		translator: core.NewTranslator(),
	}
	core.InitValidators(a.validate, a.translator)
	core.ParseEmailTemplates(a.logger)

	db := dummydb.Open()
	a.sessRepo = dummydb.NewSessionRepository(db)
	a.mailSvc = emailsvc.NewConsoleServiceMock(a.conf, a.logger)
	a.subSvc = submission.NewService(submission.ServiceDeps{
		Repo:    dummydb.NewSubmissionRepository(db),
		Rubric:  rubric.Default(),
		MailSvc: a.mailSvc,
		Clock:   a.clock,
		Notify:  a.conf.InstructorEmail,
	})
	a.Server = a.newServer(t, a.sessRepo)

	a.adminToken = getToken(t, a.conf, GetInstructorClaims(a.conf, "Grace Hopper", "grace@tathmini.test"))
	claims := GetInstructorClaims(a.conf, "Eve", "eve@tathmini.test")
	claims.IsAdmin = false
	a.notAdminToken = getToken(t, a.conf, claims)
	return a
}

// newServer serves the attempts of `repo` with the app's collaborators.
func (a *testApp) newServer(t *testing.T, repo session.Repository) Server {
	t.Helper()
	opts, err := session.OptionsFromConfig(a.conf)
	require.NoError(t, err)
	sessSvc := session.NewService(session.ServiceDeps{
		Repo:        repo,
		Transcriber: transcriptionsvc.NewDummyTranscriber(),
		Grader:      gradingsvc.NewDummyGrader(),
		Submissions: a.subSvc,
		Rubric:      rubric.Default(),
		Clock:       a.clock,
		Logger:      a.logger,
	}, opts)

	return NewServer(ServerDeps{
		Conf:          a.conf,
		Logger:        a.logger,
		SessionSvc:    sessSvc,
		SubmissionSvc: a.subSvc,
		Validate:      a.validate,
		Translator:    a.translator,
	})
}

// at moves the clock to `sec` seconds after Epoch.
func (a *testApp) at(sec int) {
	a.clock.Set(testutil.Epoch.Add(time.Duration(sec) * time.Second))
}

// do serves a JSON request and decodes the outcome of a successful attempt call.
func (a *testApp) do(t *testing.T, method, path string, body interface{}) session.Outcome {
	t.Helper()
	var data []byte
	if body != nil {
		data = marchallObj(t, body)
	}
	req, rec := newRequest(method, path, data)
	a.ServeHTTP(rec, req)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code, rec.Body.String())

	var out session.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (a *testApp) startAttempt(t *testing.T, first, last string) string {
	t.Helper()
	out := a.do(t, http.MethodPost, "/v1/attempts", echoMap{
		"first_name":    first,
		"last_name":     last,
		"assignment_id": "prompting-101",
		"affirmation":   true,
	})
	return out.Session.ID
}

type echoMap map[string]interface{}

type httpErr struct {
	Error string `json:"error"`
}

type httpTest struct {
	name     string
	method   string
	path     string
	body     []byte
	token    string
	wantCode int
	wantData []byte
}

func newAuthRequest(method, path, token string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	if len(data) > 0 {
		body.Write(data[0])
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	return req, rec
}

func newRequest(method, path string, data ...[]byte) (*http.Request, *httptest.ResponseRecorder) {
	return newAuthRequest(method, path, "", data...)
}

func newAudioRequest(t *testing.T, path string, audio []byte) (*http.Request, *httptest.ResponseRecorder) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("audio", "answer.webm")
	if err != nil {
		t.Fatalf("newAudioRequest() failed: %v", err)
	}
	_, _ = fw.Write(audio)
	if err = w.Close(); err != nil {
		t.Fatalf("newAudioRequest() failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, httptest.NewRecorder()
}

func getToken(t *testing.T, conf *core.Config, claims *Claims) string {
	token, err := GenerateToken(conf, claims)
	if err != nil {
		t.Fatalf("getToken() failed: %v", err)
	}
	return token
}

func marchallObj(t *testing.T, obj interface{}) []byte {
	data, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("marchallObj() failed: %v", err)
	}
	return data
}

func marchallList(t *testing.T, objs ...interface{}) []byte {
	data, err := json.Marshal(objs)
	if err != nil {
		t.Fatalf("marchallList() failed: %v", err)
	}
	return data
}

func jsonBytesEqual(b1, b2 []byte) (bool, error) {
	var j1, j2 interface{}
	if err := json.Unmarshal(b1, &j1); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b2, &j2); err != nil {
		return false, err
	}
	return reflect.DeepEqual(j1, j2), nil
}

func checkCodeAndData(t *testing.T, tt httpTest, rec *httptest.ResponseRecorder) {
	if rec.Code != tt.wantCode {
		t.Errorf("failed! code = %v; wantCode %v", rec.Code, tt.wantCode)
	}
	ok, err := jsonBytesEqual(rec.Body.Bytes(), tt.wantData)
	if err != nil {
		t.Errorf("jsonBytesEqual() failed to compare; err %v", err)
	}
	if !ok {
		t.Errorf("failed! data = %v; wantData %v", rec.Body.String(), string(tt.wantData))
	}
}

func runHTTPTests(t *testing.T, app http.Handler, tests []httpTest) {
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, rec := newAuthRequest(tt.method, tt.path, tt.token, tt.body)
			app.ServeHTTP(rec, req)
			checkCodeAndData(t, tt, rec)
		})
	}
}

func TestHome(t *testing.T) {
	a := setup(t)
	req, rec := newRequest(http.MethodGet, "/")
	a.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welcome to Tathmini API!", rec.Body.String())
}
