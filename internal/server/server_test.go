package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pattern-typer/internal/cache"
	"github.com/raaihank/pattern-typer/internal/config"
	"github.com/raaihank/pattern-typer/internal/logger"
	"github.com/raaihank/pattern-typer/internal/token"
)

var legalRules = []config.RuleEntry{
	{Pattern: `(\d+)\(([a-z])\)`, Type: "legal2_$1_$2", Flags: 2},
	{Pattern: `(\d+)([a-z])`, Type: "legal2_$1_$2", Flags: 2},
	{Pattern: `(\d+)-(\d+)`, Type: "$1_hnum_$2", Flags: 6},
	{Pattern: `([a-z]+)-([a-z]+)`, Type: "$1_hword_$2", Flags: 2},
}

func testConfig() *config.Config {
	cfg := config.GetDefaults()
	cfg.Rules.Entries = legalRules
	cfg.RateLimit.Enabled = false
	cfg.WebSocket.Enabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, rc ResultCache) *Server {
	t.Helper()
	s, err := New(cfg, logger.NewNop(), rc)
	require.NoError(t, err)
	return s
}

func postClassify(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/classify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const sentence = `{"tokens":[
	{"term":"One","start_offset":0,"end_offset":3},
	{"term":"401(k)","start_offset":4,"end_offset":10},
	{"term":"4-2","start_offset":11,"end_offset":14,"position_increment":2},
	{"term":"forty-two","start_offset":15,"end_offset":24},
	{"term":"two","start_offset":25,"end_offset":28}
]}`

func TestHealth(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestInfo(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pattern-typer", body["name"])
	assert.Equal(t, "re2", body["dialect"])
	assert.EqualValues(t, 4, body["rules_count"])
	assert.Equal(t, s.Table().Fingerprint(), body["fingerprint"])
}

func TestRulesListing(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/rules", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Rules []RuleInfo `json:"rules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Rules, 4)
	for i, r := range body.Rules {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, legalRules[i].Pattern, r.Pattern)
		assert.Equal(t, legalRules[i].Type, r.Template)
		assert.Equal(t, legalRules[i].Flags, r.Flags)
	}
}

func TestClassify(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	rec := postClassify(t, s, sentence)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Matched)
	require.Len(t, resp.Tokens, 5)

	want := []struct {
		term  string
		typ   string
		flags int
	}{
		{"One", token.DefaultType, 0},
		{"401(k)", "legal2_401_k", 2},
		{"4-2", "4_hnum_2", 6},
		{"forty-two", "forty_hword_two", 2},
		{"two", token.DefaultType, 0},
	}
	for i, w := range want {
		assert.Equal(t, w.term, resp.Tokens[i].Term)
		assert.Equal(t, w.typ, resp.Tokens[i].Type, w.term)
		assert.Equal(t, w.flags, resp.Tokens[i].Flags, w.term)
	}
	assert.Equal(t, 11, resp.Tokens[2].StartOffset)
	assert.Equal(t, 14, resp.Tokens[2].EndOffset)
	assert.Equal(t, 2, resp.Tokens[2].PositionIncrement)
}

func TestClassifyEmpty(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	rec := postClassify(t, s, `{"tokens":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tokens":[],"matched":0}`, rec.Body.String())
}

func TestClassifyBadRequests(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)

	assert.Equal(t, http.StatusBadRequest, postClassify(t, s, `{"tokens":`).Code)
	assert.Equal(t, http.StatusBadRequest, postClassify(t, s, `{"tokens":[null]}`).Code)

	cfg := testConfig()
	cfg.Server.MaxBodyBytes = 16
	small := newTestServer(t, cfg, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, postClassify(t, small, sentence).Code)
}

func TestClassifyInvalidTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.Rules.StrictTemplates = false
	cfg.Rules.Entries = []config.RuleEntry{{Pattern: `(\d+)-(\d+)`, Type: "$1_$3", Flags: 1}}
	s := newTestServer(t, cfg, nil)

	rec := postClassify(t, s, `{"tokens":[{"term":"abc","start_offset":0,"end_offset":3}]}`)
	assert.Equal(t, http.StatusOK, rec.Code, "rule that does not fire is harmless")

	rec = postClassify(t, s, `{"tokens":[{"term":"4-2","start_offset":0,"end_offset":3}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "$1_$3", body["template"])
	assert.Equal(t, `(\d+)-(\d+)`, body["pattern"])
	assert.EqualValues(t, 0, body["rule_index"])
}

func TestStrictTemplatesRejectedAtStartup(t *testing.T) {
	cfg := testConfig()
	cfg.Rules.Entries = []config.RuleEntry{{Pattern: `(\d+)`, Type: "$2", Flags: 0}}

	_, err := New(cfg, logger.NewNop(), nil)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.Burst = 2
	s := newTestServer(t, cfg, nil)

	body := `{"tokens":[]}`
	assert.Equal(t, http.StatusOK, postClassify(t, s, body).Code)
	assert.Equal(t, http.StatusOK, postClassify(t, s, body).Code)

	rec := postClassify(t, s, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// health checks are not limited
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeCache struct {
	entries map[string]cache.Result
	stored  map[string]cache.Result
	getErr  error
	lastFP  string
}

func (f *fakeCache) GetMany(_ context.Context, fingerprint string, terms []string) (map[string]cache.Result, error) {
	f.lastFP = fingerprint
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make(map[string]cache.Result)
	for _, term := range terms {
		if r, ok := f.entries[term]; ok {
			out[term] = r
		}
	}
	return out, nil
}

func (f *fakeCache) StoreMany(_ context.Context, _ string, results map[string]cache.Result) error {
	if f.stored == nil {
		f.stored = make(map[string]cache.Result)
	}
	for k, v := range results {
		f.stored[k] = v
	}
	return nil
}

func TestClassifyUsesCache(t *testing.T) {
	fc := &fakeCache{entries: map[string]cache.Result{
		"One": {Matched: true, Type: "cached", Flags: 9, RuleIndex: 0},
		"two": {Matched: false, RuleIndex: -1},
	}}
	s := newTestServer(t, testConfig(), fc)

	rec := postClassify(t, s, sentence)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 4, resp.Matched)
	assert.Equal(t, "cached", resp.Tokens[0].Type)
	assert.Equal(t, 9, resp.Tokens[0].Flags)
	assert.Equal(t, token.DefaultType, resp.Tokens[4].Type)

	assert.Equal(t, s.Table().Fingerprint(), fc.lastFP)
	require.Len(t, fc.stored, 3)
	assert.Equal(t, cache.Result{Matched: true, Type: "4_hnum_2", Flags: 6, RuleIndex: 2}, fc.stored["4-2"])
	assert.NotContains(t, fc.stored, "One")
}

func TestCacheFailureFallsBack(t *testing.T) {
	fc := &fakeCache{getErr: errors.New("redis down")}
	s := newTestServer(t, testConfig(), fc)

	rec := postClassify(t, s, sentence)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Matched)
}

func TestReload(t *testing.T) {
	s := newTestServer(t, testConfig(), nil)
	before := s.Table().Fingerprint()

	cfg := testConfig()
	cfg.Rules.Entries = []config.RuleEntry{{Pattern: `[a-z]+`, Type: "lower", Flags: 1}}
	require.NoError(t, s.Reload(cfg))
	assert.NotEqual(t, before, s.Table().Fingerprint())

	rec := postClassify(t, s, `{"tokens":[{"term":"two","start_offset":0,"end_offset":3}]}`)
	assert.Contains(t, rec.Body.String(), `"type":"lower"`)

	reloaded := s.Table().Fingerprint()
	bad := testConfig()
	bad.Rules.Entries = []config.RuleEntry{{Pattern: `a)(b`, Type: "x"}}
	assert.Error(t, s.Reload(bad))
	assert.Equal(t, reloaded, s.Table().Fingerprint(), "failed reload keeps current rules")
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", getClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", getClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	assert.Equal(t, "203.0.113.7", getClientIP(r))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	now := time.Now()

	assert.True(t, rl.allowAt("a", now))
	assert.False(t, rl.allowAt("a", now))
	assert.True(t, rl.allowAt("b", now.Add(30*time.Second)))
	assert.Equal(t, 2, rl.Clients())

	assert.Equal(t, 1, rl.Cleanup(now.Add(61*time.Second)))
	assert.Equal(t, 1, rl.Clients())
}
