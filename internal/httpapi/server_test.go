package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/keystone/pkg/access"
	"github.com/forest6511/keystone/pkg/crypto"
	"github.com/forest6511/keystone/pkg/factor"
	"github.com/forest6511/keystone/pkg/keystone"
	"github.com/forest6511/keystone/pkg/recovery"
	"github.com/forest6511/keystone/pkg/storage"
)

const testImage = "ocean-03"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func defaultPolicy() access.Policy {
	return access.Policy{
		Weights: map[factor.Kind]int{
			factor.Image:       2,
			factor.Question(1): 1,
			factor.Question(2): 1,
			factor.Question(3): 1,
			factor.Question(4): 1,
			factor.Phrase:      3,
		},
		Threshold: 3,
	}
}

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	clock *testClock
}

func setupTestEnvironment(t *testing.T, cfg *Config) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{t: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}

	reg, err := keystone.New(storage.NewMemoryStore(), keystone.Options{
		KDF: crypto.Params{Time: 1, Memory: 1024, Threads: 1},
		Lockout: keystone.LockoutConfig{
			Image:    keystone.KindLimit{MaxAttempts: 5, Window: 24 * time.Hour},
			Question: keystone.KindLimit{MaxAttempts: 3, Window: 24 * time.Hour},
			Phrase:   keystone.KindLimit{MaxAttempts: 5, Window: 24 * time.Hour},
		},
		HintKey: bytes.Repeat([]byte{0x42}, crypto.KeyLength),
		Logger:  logger,
		Now:     clock.Now,
	})
	require.NoError(t, err)

	mgr := recovery.NewManager(reg, recovery.Options{Logger: logger, Now: clock.Now})
	t.Cleanup(mgr.Close)

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Log = logger
	cfg.Defaults = defaultPolicy()
	srv := New(cfg, reg, mgr)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		if srv.limiter != nil {
			srv.limiter.stop()
		}
	})
	return &testEnv{srv: srv, ts: ts, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func testEnrollRequest() enrollRequest {
	return enrollRequest{
		UserID: "alice",
		Factors: []factorRequest{
			{Kind: "image", Value: testImage},
			{Kind: "question:1", Value: "Paris"},
			{Kind: "question:2", Value: "Rex"},
			{Kind: "question:3", Value: "blue"},
			{Kind: "question:4", Value: "Main Street"},
		},
		GeneratePhrase: true,
	}
}

func (e *testEnv) enroll(t *testing.T) enrollResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/enrollments", testEnrollRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[enrollResponse](t, resp)
}

func (e *testEnv) start(t *testing.T) sessionResponse {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/v1/recoveries", startRecoveryRequest{UserID: "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[sessionResponse](t, resp)
}

func gridPositions(t *testing.T, s sessionResponse) (correct, wrong int) {
	t.Helper()
	require.Len(t, s.Grid, 9)
	correct, wrong = -1, -1
	for i, tile := range s.Grid {
		if tile.ImageID == testImage {
			correct = i
		} else if wrong < 0 {
			wrong = i
		}
	}
	require.GreaterOrEqual(t, correct, 0, "grid does not contain the keystone image")
	return correct, wrong
}

func TestHealthChecks(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	resp := env.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.srv.isReady.Store(false)
	resp = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGallery(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	resp := env.do(t, http.MethodGet, "/api/v1/gallery", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	g := decode[galleryResponse](t, resp)
	assert.Equal(t, env.srv.reg.Gallery().Len(), len(g.Images))
	assert.Positive(t, g.Version)
}

func TestEnroll(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	resp := env.do(t, http.MethodPost, "/api/v1/enrollments", testEnrollRequest())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	e := decode[enrollResponse](t, resp)
	assert.Equal(t, "alice", e.UserID)
	assert.Equal(t, 3, e.Threshold)
	assert.Equal(t, 9, e.KeySlots)
	key, err := base64.StdEncoding.DecodeString(e.MasterKey)
	require.NoError(t, err)
	assert.Len(t, key, crypto.KeyLength)
	assert.Len(t, strings.Fields(e.Phrase), factor.PhraseWords)
	// "Rex" is short and "blue" is a common answer.
	assert.Len(t, e.Warnings, 2)

	resp = env.do(t, http.MethodPost, "/api/v1/enrollments", testEnrollRequest())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEnrollRejectsBadRequests(t *testing.T) {
	env := setupTestEnvironment(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"missing user", enrollRequest{Factors: []factorRequest{{Kind: "phrase", Value: "x"}}}},
		{"unknown kind", enrollRequest{UserID: "bob", Factors: []factorRequest{{Kind: "fingerprint", Value: "x"}}}},
		{"unknown field", map[string]any{"user_id": "bob", "pin": "1234"}},
		{"image not in gallery", enrollRequest{UserID: "bob", Factors: []factorRequest{{Kind: "image", Value: "nope-99"}}, GeneratePhrase: true}},
		{"image bypass", enrollRequest{UserID: "bob", Factors: []factorRequest{{Kind: "image", Value: testImage, Weight: 3}}, GeneratePhrase: true}},
		{"phrase twice", enrollRequest{UserID: "bob", Factors: []factorRequest{{Kind: "phrase", Value: "x"}}, GeneratePhrase: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/enrollments", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[errorResponse](t, resp).Error)
		})
	}
}

func TestRevoke(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	env.enroll(t)

	resp := env.do(t, http.MethodDelete, "/api/v1/enrollments/alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/recoveries", startRecoveryRequest{UserID: "alice"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/v1/enrollments/alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLockStateNotExposed(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	env.enroll(t)

	for i := 0; i < 3; i++ {
		s := env.start(t)
		resp := env.do(t, http.MethodPost, "/api/v1/recoveries/"+s.SessionID+"/answers", answerRequest{Kind: "question:2", Answer: "Fido"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp = env.do(t, http.MethodDelete, "/api/v1/recoveries/"+s.SessionID, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/enrollments/alice", nil)
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, field := range []string{"failures", "exhausted", "attempts_remaining", "locked"} {
		assert.NotContains(t, string(body), field)
	}

	s := env.start(t)
	resp = env.do(t, http.MethodGet, "/api/v1/recoveries/"+s.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	for _, field := range []string{"failures", "exhausted", "locked"} {
		assert.NotContains(t, string(body), field)
	}
}

func TestRecoveryImageThenQuestion(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	e := env.enroll(t)

	s := env.start(t)
	assert.Equal(t, recovery.StateImagePresented, s.State)
	assert.Len(t, s.Questions, 4)
	assert.True(t, s.Phrase)
	correct, _ := gridPositions(t, s)

	resp := env.do(t, http.MethodPost, "/api/v1/recoveries/"+s.SessionID+"/image", map[string]int{"position": correct})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[outcomeResponse](t, resp)
	assert.True(t, out.Accepted)
	assert.Equal(t, recovery.StateImageVerified, out.State)
	assert.Equal(t, 1, out.Remaining)
	assert.Empty(t, out.MasterKey)

	resp = env.do(t, http.MethodPost, "/api/v1/recoveries/"+s.SessionID+"/answers", answerRequest{Kind: "question:1", Answer: "  paris "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[outcomeResponse](t, resp)
	assert.Equal(t, recovery.StateReconstructed, out.State)
	assert.Equal(t, e.MasterKey, out.MasterKey)

	resp = env.do(t, http.MethodGet, "/api/v1/recoveries/"+s.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecoveryPhrase(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	e := env.enroll(t)
	s := env.start(t)

	resp := env.do(t, http.MethodPost, "/api/v1/recoveries/"+s.SessionID+"/phrase", phraseRequest{Phrase: strings.ToUpper(e.Phrase)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[outcomeResponse](t, resp)
	assert.Equal(t, recovery.StateReconstructed, out.State)
	assert.Equal(t, e.MasterKey, out.MasterKey)
}

func TestRecoveryWrongAnswersLock(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	env.enroll(t)
	s := env.start(t)
	path := "/api/v1/recoveries/" + s.SessionID + "/answers"

	for i := 2; i >= 0; i-- {
		resp := env.do(t, http.MethodPost, path, answerRequest{Kind: "question:2", Answer: "Fido"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode[outcomeResponse](t, resp)
		assert.False(t, out.Accepted)
		assert.Equal(t, i, out.AttemptsRemaining)
	}

	resp := env.do(t, http.MethodPost, path, answerRequest{Kind: "question:2", Answer: "Rex"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	out := decode[outcomeResponse](t, resp)
	assert.True(t, out.Locked)
	assert.Positive(t, out.RetryAfterSeconds)
	assert.NotContains(t, out.Message, "question")
}

func TestRecoveryErrors(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	env.enroll(t)

	resp := env.do(t, http.MethodPost, "/api/v1/recoveries", startRecoveryRequest{UserID: "mallory"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/recoveries/nope/phrase", phraseRequest{Phrase: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	s := env.start(t)
	_, wrong := gridPositions(t, s)
	base := "/api/v1/recoveries/" + s.SessionID

	resp = env.do(t, http.MethodPost, base+"/image", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, base+"/answers", answerRequest{Kind: "phrase", Answer: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, base+"/image", map[string]int{"position": wrong})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[outcomeResponse](t, resp)
	assert.False(t, out.Accepted)
	assert.Equal(t, recovery.StateImageFailed, out.State)

	resp = env.do(t, http.MethodPost, base+"/image", map[string]int{"position": wrong})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	env.clock.Advance(recovery.DefaultSessionTimeout + time.Second)
	resp = env.do(t, http.MethodPost, base+"/answers", answerRequest{Kind: "question:1", Answer: "Paris"})
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestCancelRecovery(t *testing.T) {
	env := setupTestEnvironment(t, nil)
	env.enroll(t)
	s := env.start(t)

	resp := env.do(t, http.MethodDelete, "/api/v1/recoveries/"+s.SessionID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/v1/recoveries/"+s.SessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	env := setupTestEnvironment(t, &Config{RateLimit: 0.01, RateBurst: 2})

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/v1/recoveries", startRecoveryRequest{UserID: "nobody"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp := env.do(t, http.MethodPost, "/api/v1/recoveries", startRecoveryRequest{UserID: "nobody"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Health and gallery routes are not limited.
	resp = env.do(t, http.MethodGet, "/api/v1/gallery", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiterPrune(t *testing.T) {
	rl := newRateLimiter(1, 1)
	defer rl.stop()

	rl.getLimiter("192.0.2.1")
	rl.getLimiter("192.0.2.2")
	rl.prune(time.Now().Add(time.Minute))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.visitors)
}

func TestClientIPIgnoresForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "198.51.100.7", clientIP(r))
}
