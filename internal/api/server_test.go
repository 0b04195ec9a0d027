package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dunamismax/florique/internal/credit"
	"github.com/dunamismax/florique/internal/domain"
	"github.com/dunamismax/florique/internal/enhance"
	"github.com/dunamismax/florique/internal/logging"
	"github.com/dunamismax/florique/internal/orchestrator"
	"github.com/dunamismax/florique/internal/ratelimit"
	"github.com/dunamismax/florique/internal/registry"
	"github.com/dunamismax/florique/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type testEnv struct {
	server *Server
	store  *store.MemoryStore
	orch   *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	mem := store.NewMemoryStore()
	promReg := NewRegistry()
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:      mem,
		Gate:       credit.NewGate(mem, logging.Nop()),
		Registry:   registry.New(ctx),
		Worker:     enhance.NewSimulated(),
		Logger:     logging.Nop(),
		Registerer: promReg,
	}, orchestrator.Config{StepDelay: time.Millisecond})
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		waitCtx, done := context.WithTimeout(context.Background(), 3*time.Second)
		defer done()
		_ = orch.Wait(waitCtx)
	})

	if opts.Registry == nil {
		opts.Registry = promReg
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("test")
	}
	return &testEnv{
		server: NewServer(logging.Nop(), orch, mem, mem, mem, opts),
		store:  mem,
		orch:   orch,
	}
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) (int, response, http.Header) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var out response
	if strings.HasPrefix(path, "/api") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out, rec.Header()
}

func (e *testEnv) seedUser(t *testing.T, userID string, credits int) {
	t.Helper()
	require.NoError(t, e.store.RegisterUser(context.Background(), domain.User{UserID: userID}))
	if credits > 0 {
		_, err := e.store.AddCredits(context.Background(), userID, credits)
		require.NoError(t, err)
	}
}

func TestEnhanceFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedUser(t, "user-1", 3)

	code, resp, _ := env.do(t, http.MethodPost, "/api/enhance", domain.StartJobRequest{
		UserID:          "user-1",
		ImagePath:       "aW1hZ2U=",
		BackgroundStyle: "studio",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	var admission orchestrator.Admission
	require.NoError(t, json.Unmarshal(resp.Data, &admission))
	assert.Equal(t, domain.JobStatusProcessing, admission.Status)
	assert.Equal(t, 60, admission.EstimatedSeconds)

	require.Eventually(t, func() bool {
		code, resp, _ := env.do(t, http.MethodGet, "/api/jobs/"+admission.JobID+"/status", nil, nil)
		if code != http.StatusOK {
			return false
		}
		var view domain.StatusView
		require.NoError(t, json.Unmarshal(resp.Data, &view))
		return view.Status == domain.JobStatusCompleted && view.Progress == 100
	}, 3*time.Second, 5*time.Millisecond)

	code, resp, _ = env.do(t, http.MethodGet, "/api/jobs/"+admission.JobID+"/result", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	var result domain.JobResultView
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.Equal(t, "aW1hZ2U=", result.OutputPayload)
	assert.Equal(t, "studio", result.BackgroundStyle)

	code, resp, _ = env.do(t, http.MethodGet, "/api/users/user-1/credits", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "2", string(resp.Data))
}

func TestEnhanceRejections(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedUser(t, "broke", 0)

	code, resp, _ := env.do(t, http.MethodPost, "/api/enhance", domain.StartJobRequest{
		UserID:          "broke",
		ImagePath:       "aW1hZ2U=",
		BackgroundStyle: "studio",
	}, nil)
	assert.Equal(t, http.StatusPaymentRequired, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Insufficient credits", resp.Message)

	code, resp, _ = env.do(t, http.MethodPost, "/api/enhance", domain.StartJobRequest{
		UserID:    "broke",
		ImagePath: "aW1hZ2U=",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "backgroundStyle is required", resp.Message)

	code, _, _ = env.do(t, http.MethodPost, "/api/enhance", map[string]any{"userId": "broke", "bogus": true}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestJobLookupsForUnknownJob(t *testing.T) {
	env := newTestEnv(t, Options{})

	code, resp, _ := env.do(t, http.MethodGet, "/api/jobs/nope/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Job not found", resp.Message)

	code, _, _ = env.do(t, http.MethodGet, "/api/jobs/nope/result", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp, _ = env.do(t, http.MethodPost, "/api/jobs/nope/cancel", nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Success)
	assert.JSONEq(t, `{"jobId":"nope","cancelled":false}`, string(resp.Data))
}

type stubJobs struct {
	startErr error
	result   domain.JobResultView
	getErr   error
}

func (s stubJobs) StartJob(context.Context, domain.StartJobRequest) (orchestrator.Admission, error) {
	return orchestrator.Admission{}, s.startErr
}

func (s stubJobs) GetStatus(context.Context, string) (domain.StatusView, error) {
	return domain.StatusView{}, s.getErr
}

func (s stubJobs) GetResult(context.Context, string) (domain.JobResultView, error) {
	return s.result, s.getErr
}

func (s stubJobs) CancelJob(string) bool { return true }

func newStubServer(jobs JobService) *Server {
	mem := store.NewMemoryStore()
	return NewServer(logging.Nop(), jobs, mem, mem, mem, Options{})
}

func serve(s *Server, method, path, body string) (*httptest.ResponseRecorder, response) {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	var out response
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestEnhancePersistenceFailureIs500(t *testing.T) {
	s := newStubServer(stubJobs{startErr: errors.Mark(errors.New("db down"), domain.ErrPersistence)})

	rec, resp := serve(s, http.MethodPost, "/api/enhance", `{"userId":"u","imagePath":"x","backgroundStyle":"white"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to start enhancement job", resp.Message)
}

func TestResultEnvelopeByStatus(t *testing.T) {
	s := newStubServer(stubJobs{result: domain.JobResultView{JobID: "j", Status: domain.JobStatusProcessing}})
	rec, resp := serve(s, http.MethodGet, "/api/jobs/j/result", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, "Job is still processing", resp.Message)
	assert.JSONEq(t, `{"jobId":"j","status":"processing"}`, string(resp.Data))

	s = newStubServer(stubJobs{result: domain.JobResultView{JobID: "j", Status: domain.JobStatusFailed, ErrorDetail: "boom"}})
	_, resp = serve(s, http.MethodGet, "/api/jobs/j/result", "")
	assert.False(t, resp.Success)
	assert.Equal(t, "boom", resp.Message)

	s = newStubServer(stubJobs{getErr: errors.Mark(errors.New("db down"), domain.ErrPersistence)})
	rec, _ = serve(s, http.MethodGet, "/api/jobs/j/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCancelRunningJob(t *testing.T) {
	s := newStubServer(stubJobs{})
	rec, resp := serve(s, http.MethodPost, "/api/jobs/job-7/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"jobId":"job-7","cancelled":true}`, string(resp.Data))
}

func TestUserEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})

	code, resp, _ := env.do(t, http.MethodPost, "/api/users/register", domain.RegisterUserRequest{UserID: "user-9", DeviceType: "ios"}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	code, _, _ = env.do(t, http.MethodPost, "/api/users/register", domain.RegisterUserRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _, _ = env.do(t, http.MethodPost, "/api/users/credits", domain.UpdateCreditsRequest{UserID: "user-9", Amount: 5}, nil)
	require.Equal(t, http.StatusOK, code)

	code, resp, _ = env.do(t, http.MethodPost, "/api/users/credits", domain.UpdateCreditsRequest{UserID: "user-9", Amount: -6}, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)

	code, _, _ = env.do(t, http.MethodPost, "/api/users/credits", domain.UpdateCreditsRequest{UserID: "ghost", Amount: 1}, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp, _ = env.do(t, http.MethodGet, "/api/users/user-9", nil, nil)
	require.Equal(t, http.StatusOK, code)
	var user userView
	require.NoError(t, json.Unmarshal(resp.Data, &user))
	assert.Equal(t, 5, user.Credit)
	assert.Equal(t, "ios", user.DeviceType)
	assert.NotEmpty(t, user.CreatedAt)

	code, _, _ = env.do(t, http.MethodGet, "/api/users/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _, _ = env.do(t, http.MethodGet, "/api/users/ghost/credits", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBackgroundsFallBackToDefaults(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, resp, _ := env.do(t, http.MethodGet, "/api/backgrounds", nil, nil)
	assert.JSONEq(t, `["soft grey","white","studio"]`, string(resp.Data))

	env.store.SetBackgrounds("white", "black")
	_, resp, _ = env.do(t, http.MethodGet, "/api/backgrounds", nil, nil)
	assert.JSONEq(t, `["black","white"]`, string(resp.Data))
}

type fixedLimiter struct {
	decision ratelimit.Decision
	err      error
}

func (f fixedLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return f.decision, f.err
}

func TestRateLimitRejectsEnhance(t *testing.T) {
	env := newTestEnv(t, Options{RateLimiter: fixedLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2 * time.Second}}})

	code, resp, header := env.do(t, http.MethodPost, "/api/enhance", domain.StartJobRequest{UserID: "u"}, http.Header{"X-User-Id": {"u"}})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "2", header.Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", resp.Message)

	code, _, _ = env.do(t, http.MethodGet, "/api/backgrounds", nil, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestRateLimiterOutageFailsOpen(t *testing.T) {
	env := newTestEnv(t, Options{RateLimiter: fixedLimiter{err: errors.New("redis down")}})

	code, resp, _ := env.do(t, http.MethodPost, "/api/enhance", domain.StartJobRequest{UserID: "u"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "imagePath (base64 image) is required", resp.Message)
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})

	code, _, _ := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, code)

	env.do(t, http.MethodGet, "/api/jobs/x/status", nil, nil)

	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `florique_api_requests_total{method="GET",route="/api/jobs/{jobId}/status",status="404"}`)
}

func TestSubmitFeedback(t *testing.T) {
	env := newTestEnv(t, Options{})

	cases := []struct {
		body    domain.SubmitFeedbackRequest
		message string
	}{
		{domain.SubmitFeedbackRequest{Email: "a@b.c", FeedbackText: "hi"}, "UserId is required"},
		{domain.SubmitFeedbackRequest{UserID: "user-1", FeedbackText: "hi"}, "Email is required"},
		{domain.SubmitFeedbackRequest{UserID: "user-1", Email: "a@b.c", FeedbackText: "  "}, "Feedback text is required"},
	}
	for _, tc := range cases {
		code, resp, _ := env.do(t, http.MethodPost, "/api/feedback", tc.body, nil)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, tc.message, resp.Message)
	}
	assert.Empty(t, env.store.Feedback())

	code, resp, _ := env.do(t, http.MethodPost, "/api/feedback", domain.SubmitFeedbackRequest{
		UserID: "user-1", Email: "a@b.c", FeedbackText: "Lovely roses",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Feedback submitted successfully", resp.Message)

	stored := env.store.Feedback()
	require.Len(t, stored, 1)
	assert.Equal(t, "Lovely roses", stored[0].Text)
}

type failingFeedbackStore struct{}

func (failingFeedbackStore) SubmitFeedback(context.Context, domain.Feedback) error {
	return errors.New("db down")
}

func TestSubmitFeedbackStoreFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	s := NewServer(logging.Nop(), stubJobs{}, mem, mem, failingFeedbackStore{}, Options{})

	rec, resp := serve(s, http.MethodPost, "/api/feedback", `{"userId":"u","email":"a@b.c","feedbackText":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to submit feedback", resp.Message)
}

type recordingLimiter struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return ratelimit.Decision{Allowed: true, Remaining: 1}, nil
}

func TestAnonymousRateLimitKeyIgnoresClientPort(t *testing.T) {
	limiter := &recordingLimiter{}
	env := newTestEnv(t, Options{RateLimiter: limiter})

	for _, addr := range []string{"10.0.0.7:50001", "10.0.0.7:50002"} {
		req := httptest.NewRequest(http.MethodPost, "/api/enhance", strings.NewReader(`{}`))
		req.RemoteAddr = addr
		env.server.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}

	require.Len(t, limiter.subjects, 2)
	assert.Equal(t, "ip:10.0.0.7:POST:/api/enhance", limiter.subjects[0])
	assert.Equal(t, limiter.subjects[0], limiter.subjects[1])
}

func TestClientHost(t *testing.T) {
	assert.Equal(t, "10.0.0.7", clientHost("10.0.0.7:443"))
	assert.Equal(t, "::1", clientHost("[::1]:8080"))
	assert.Equal(t, "203.0.113.9", clientHost("203.0.113.9"))
}
