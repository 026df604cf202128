package mapping

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/network"
)

func testConfig() config.MappingConfig {
	return config.MappingConfig{
		Provider: "http",
		Path:     "/api/v1/autofill/ai-map",
		Timeout:  2 * time.Second,
	}
}

func testPayload(baseURL string) *schemas.AutofillPayload {
	return &schemas.AutofillPayload{
		FormCode:     "I-130",
		FormData:     map[string]interface{}{"petitioner": map[string]interface{}{"lastName": "Garcia"}},
		APIBaseURL:   baseURL + "/",
		SessionToken: "opaque-token",
	}
}

func testSnapshot() *schemas.DOMSnapshot {
	return &schemas.DOMSnapshot{
		URL:    "https://example.gov/form",
		Fields: []schemas.FieldDescriptor{{Index: 3, Tag: "input", Locator: "#lastName", Visible: true}},
	}
}

func newTestClient(t *testing.T, cfg config.MappingConfig, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(cfg, network.NewClient(nil), zaptest.NewLogger(t)), server
}

func TestClient_Map_Success(t *testing.T) {
	var got schemas.MappingRequest
	client, server := newTestClient(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/autofill/ai-map", r.URL.Path)
		assert.Equal(t, "Bearer opaque-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		// Answer gzip-compressed to exercise the transport.
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		_, _ = zw.Write([]byte(`{"mappings":[{"locator":"#lastName","value":"Garcia","fieldPath":"petitioner.lastName","kind":"text","confidence":0.9}]}`))
		_ = zw.Close()
	})

	mappings, err := client.Map(context.Background(), testPayload(server.URL), testSnapshot())
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "petitioner.lastName", mappings[0].FieldPath)
	assert.Equal(t, schemas.KindText, mappings[0].Kind)
	assert.Equal(t, "Garcia", mappings[0].SemanticValue())

	assert.Equal(t, "I-130", got.FormCode)
	require.NotNil(t, got.Snapshot)
	assert.Equal(t, "#lastName", got.Snapshot.Fields[0].Locator)
}

func TestClient_Map_EmptyMappings(t *testing.T) {
	client, server := newTestClient(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"mappings":[]}`))
	})
	mappings, err := client.Map(context.Background(), testPayload(server.URL), testSnapshot())
	require.NoError(t, err)
	assert.Empty(t, mappings)
}

func TestClient_Map_Failures(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		body     string
		wantErr  error
		contains []string
	}{
		{"server error", http.StatusInternalServerError, "upstream exploded", ErrMappingStatus, []string{"500", "upstream exploded"}},
		{"unauthorized", http.StatusUnauthorized, "token expired", ErrCredentialExpired, []string{"401"}},
		{"not json", http.StatusOK, "<html>oops</html>", ErrMappingMalformed, []string{"200", "<html>oops</html>"}},
		{"missing array", http.StatusOK, `{"data":[]}`, ErrMappingMalformed, []string{"missing mappings array"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client, server := newTestClient(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.Map(context.Background(), testPayload(server.URL), testSnapshot())
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.wantErr)
			for _, s := range tc.contains {
				assert.Contains(t, err.Error(), s)
			}
		})
	}
}

func TestClient_Map_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	release := make(chan struct{})
	client, server := newTestClient(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := client.Map(context.Background(), testPayload(server.URL), testSnapshot())
	assert.ErrorIs(t, err, ErrMappingTimeout)
}

func TestClient_Map_CallerCancel(t *testing.T) {
	client, server := newTestClient(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := client.Map(ctx, testPayload(server.URL), testSnapshot())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMappingTimeout), "caller cancellation is not a service timeout")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_Map_Validation(t *testing.T) {
	client := NewClient(testConfig(), nil, nil)
	_, err := client.Map(context.Background(), &schemas.AutofillPayload{FormCode: "I-130"}, testSnapshot())
	assert.ErrorIs(t, err, schemas.ErrInvalidPayload)

	_, err = client.Map(context.Background(), testPayload("https://api.example.com"), nil)
	assert.ErrorIs(t, err, schemas.ErrInvalidPayload)
}

func TestClient_Map_ExpiredCredentialSkipsCall(t *testing.T) {
	called := false
	client, server := newTestClient(t, testConfig(), func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	payload := testPayload(server.URL)
	payload.SessionToken = signedToken(t, time.Now().Add(-time.Minute))

	_, err := client.Map(context.Background(), payload, testSnapshot())
	assert.ErrorIs(t, err, ErrCredentialExpired)
	assert.False(t, called)
}

func TestClient_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	client, server := newTestClient(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"mappings":[]}`))
	})

	_, err := client.Map(context.Background(), testPayload(server.URL), testSnapshot())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Map(ctx, testPayload(server.URL), testSnapshot())
	assert.ErrorContains(t, err, "throttled")
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestCheckCredential(t *testing.T) {
	now := time.Now()
	assert.NoError(t, CheckCredential("opaque", now, 0))
	assert.NoError(t, CheckCredential(signedToken(t, now.Add(time.Hour)), now, 5*time.Second))
	assert.ErrorIs(t, CheckCredential(signedToken(t, now.Add(-time.Second)), now, 0), ErrCredentialExpired)
	assert.ErrorIs(t, CheckCredential(signedToken(t, now.Add(2*time.Second)), now, 5*time.Second), ErrCredentialExpired)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.NoError(t, CheckCredential(noExp, now, 0))
}

func TestParseModelMappings(t *testing.T) {
	inputs := map[string]string{
		"object":  `{"mappings":[{"locator":"#a","fieldPath":"x","kind":"text","confidence":1}]}`,
		"array":   `[{"locator":"#a","fieldPath":"x","kind":"text","confidence":1}]`,
		"fenced":  "```json\n{\"mappings\":[{\"locator\":\"#a\",\"fieldPath\":\"x\"}]}\n```",
		"in text": `Here you go: {"mappings":[{"locator":"#a","fieldPath":"x"}]} hope it helps`,
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			got, err := parseModelMappings(in)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "#a", got[0].Locator)
		})
	}

	_, err := parseModelMappings("no json here")
	assert.ErrorIs(t, err, ErrMappingMalformed)
	_, err = parseModelMappings(`{"other":1}`)
	assert.ErrorIs(t, err, ErrMappingMalformed)
}

func TestGemini_Map(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "petitioner")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"mappings\":[{\"locator\":\"#lastName\",\"value\":\"Garcia\",\"fieldPath\":\"petitioner.lastName\",\"kind\":\"text\",\"confidence\":0.8}]}"}]},"finishReason":"STOP"}]}`))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Provider = "gemini"
	cfg.Gemini = config.GeminiConfig{APIKey: "test-key", Model: "gemini-test"}
	g, err := newGemini(context.Background(), cfg, &genai.HTTPOptions{BaseURL: server.URL + "/"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	mappings, err := g.Map(context.Background(), testPayload("https://api.example.com"), testSnapshot())
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "petitioner.lastName", mappings[0].FieldPath)
	assert.True(t, strings.HasSuffix(path, "gemini-test:generateContent"), path)
}

func TestNew(t *testing.T) {
	m, err := New(context.Background(), testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &Client{}, m)

	_, err = New(context.Background(), config.MappingConfig{Provider: "gemini"}, nil)
	assert.ErrorContains(t, err, "API Key")

	_, err = New(context.Background(), config.MappingConfig{Provider: "openai"}, nil)
	assert.ErrorContains(t, err, "unsupported mapping provider")
}
