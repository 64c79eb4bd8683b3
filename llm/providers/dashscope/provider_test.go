package dashscope

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/firebox/internal/keyring"
	"github.com/BaSui01/firebox/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// ---------------------------------------------------------------------------
// PKCE
// ---------------------------------------------------------------------------

func TestGeneratePKCEPair(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		verifier, challenge, err := GeneratePKCEPair()
		if err != nil {
			t.Fatalf("pkce generation failed: %v", err)
		}
		// 32 bytes base64url without padding is always 43 characters
		if len(verifier) != 43 {
			t.Fatalf("verifier length = %d, want 43", len(verifier))
		}
		if len(challenge) != 43 {
			t.Fatalf("challenge length = %d, want 43", len(challenge))
		}
		if verifier == challenge {
			t.Fatalf("verifier must differ from challenge")
		}
	})
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func TestOAuthCredentials_IsValid(t *testing.T) {
	nowMs := time.Now().UnixMilli()

	tests := []struct {
		name   string
		expiry int64
		want   bool
	}{
		{"no expiry", 0, true},
		{"far future", nowMs + 7_200_000, true},
		{"within refresh buffer", nowMs + 30_000, false},
		{"expired", 1000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := &OAuthCredentials{AccessToken: "at", ExpiryDate: tt.expiry}
			assert.Equal(t, tt.want, creds.IsValid())
		})
	}
}

func TestKeyringRoundtrip(t *testing.T) {
	keyring.MockInit()

	creds := &OAuthCredentials{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ResourceURL:  "https://my-ru.example.com",
		ExpiryDate:   12345,
	}
	require.NoError(t, SaveCredentials(creds))
	assert.True(t, HasCredentials())

	loaded, err := LoadCredentials()
	require.NoError(t, err)
	assert.Equal(t, creds, loaded)

	p, err := FromKeyring(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "at-1", p.Credentials().AccessToken)
}

// ---------------------------------------------------------------------------
// Endpoint resolution
// ---------------------------------------------------------------------------

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name        string
		resourceURL string
		want        string
	}{
		{"default", "", NativeBaseURL},
		{
			"resource url with generation path",
			"https://ru.example.com/api/v1/services/aigc/text-generation/generation",
			"https://ru.example.com/api/v1/services/aigc/text-generation/generation",
		},
		{
			"bare resource url gets path appended",
			"https://ru.example.com/",
			"https://ru.example.com/api/v1/services/aigc/text-generation/generation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(&OAuthCredentials{AccessToken: "at", ResourceURL: tt.resourceURL}, zap.NewNop())
			assert.Equal(t, tt.want, p.Endpoint())
		})
	}
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		assert.Equal(t, "oauth", r.Header.Get("X-DashScope-AuthType"))

		var body nativeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "coder-model", body.Model)
		assert.Equal(t, "message", body.Parameters.ResultFormat)
		require.Len(t, body.Input.Messages, 1)

		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{
				"choices": []map[string]any{
					{"message": map[string]string{"role": "assistant", "content": "你好"}, "finish_reason": "stop"},
				},
			},
			"usage": map[string]int{"input_tokens": 12, "output_tokens": 5},
		})
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL(&OAuthCredentials{AccessToken: "at-1"}, server.URL, zap.NewNop())
	resp, err := p.Complete(context.Background(), "s", &llm.CompletionRequest{
		Model:    "coder-model",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "dashscope", resp.Provider)
	assert.Equal(t, "你好", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
}

func TestComplete_TextFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]any{"text": "plain answer"},
		})
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL(&OAuthCredentials{AccessToken: "at"}, server.URL, zap.NewNop())
	resp, err := p.Complete(context.Background(), "s", &llm.CompletionRequest{
		Model:    "coder-model",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", resp.Choices[0].Message.Content)
	assert.Nil(t, resp.Usage)
}

func TestComplete_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid token"}`)
	}))
	t.Cleanup(server.Close)

	p := NewWithBaseURL(&OAuthCredentials{AccessToken: "bad"}, server.URL, zap.NewNop())
	_, err := p.Complete(context.Background(), "s", &llm.CompletionRequest{
		Model:    "coder-model",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUnauthorized, llmErr.Code)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestStreamAndEmbed_Unsupported(t *testing.T) {
	p := New(&OAuthCredentials{AccessToken: "at"}, zap.NewNop())

	_, err := p.CompleteStream(context.Background(), "s", &llm.CompletionRequest{Model: "m"})
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUnsupported, llmErr.Code)

	_, err = p.Embed(context.Background(), "s", &llm.EmbeddingRequest{Model: "m", Input: []string{"x"}})
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrUnsupported, llmErr.Code)
}

func TestListModels(t *testing.T) {
	p := New(&OAuthCredentials{AccessToken: "at"}, zap.NewNop())
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"coder-model", "vision-model"}, models)
}

func TestHealthCheck(t *testing.T) {
	healthy := New(&OAuthCredentials{AccessToken: "at"}, zap.NewNop())
	status, err := healthy.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)

	expired := New(&OAuthCredentials{AccessToken: "at", ExpiryDate: 1000}, zap.NewNop())
	status, err = expired.HealthCheck(context.Background())
	require.Error(t, err)
	assert.False(t, status.Healthy)
}

// ---------------------------------------------------------------------------
// Device flow
// ---------------------------------------------------------------------------

func TestQwenOAuthFlow_StartAndWait(t *testing.T) {
	var polls atomic.Int32
	var challenge string

	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, QwenClientID, r.Form.Get("client_id"))
		assert.Equal(t, QwenOAuthScope, r.Form.Get("scope"))
		assert.Equal(t, "S256", r.Form.Get("code_challenge_method"))
		challenge = r.Form.Get("code_challenge")
		assert.Len(t, challenge, 43)
		json.NewEncoder(w).Encode(DeviceCodeResponse{
			DeviceCode:      "dev-1",
			UserCode:        "QWEN-1234",
			VerificationURI: "https://chat.qwen.ai/device",
			ExpiresIn:       300,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "dev-1", r.Form.Get("device_code"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))
		if polls.Add(1) < 2 {
			fmt.Fprint(w, `{"status":"pending"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at-new","refresh_token":"rt-new","resource_url":"https://ru.example.com","expires_in":7200}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	flow := NewQwenOAuthFlow("", zap.NewNop())
	flow.DeviceCodeURL = server.URL + "/device/code"
	flow.TokenURL = server.URL + "/token"

	device, err := flow.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "QWEN-1234", device.UserCode)
	// Interval 缺省为 5，测试中调小以免真的等待
	assert.Equal(t, 5, device.Interval)
	flow.device.Interval = 0

	creds, err := flow.WaitForToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-new", creds.AccessToken)
	assert.Equal(t, "rt-new", creds.RefreshToken)
	assert.Equal(t, "https://ru.example.com", creds.ResourceURL)
	assert.Greater(t, creds.ExpiryDate, time.Now().UnixMilli())
	assert.Equal(t, int32(2), polls.Load())
}

func TestQwenOAuthFlow_Refresh_PreservesMissingFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		fmt.Fprint(w, `{"access_token":"at-refreshed","expires_in":3600}`)
	}))
	t.Cleanup(server.Close)

	flow := NewQwenOAuthFlow("", zap.NewNop())
	flow.TokenURL = server.URL

	old := &OAuthCredentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ResourceURL:  "https://ru.example.com",
	}
	fresh, err := flow.Refresh(context.Background(), old)
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", fresh.AccessToken)
	assert.Equal(t, "rt-old", fresh.RefreshToken)
	assert.Equal(t, "https://ru.example.com", fresh.ResourceURL)
}

func TestQwenOAuthFlow_Refresh_NoRefreshToken(t *testing.T) {
	flow := NewQwenOAuthFlow("", zap.NewNop())
	_, err := flow.Refresh(context.Background(), &OAuthCredentials{AccessToken: "at"})
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrOAuth, llmErr.Code)
}

func TestQwenOAuthFlow_WaitTerminalErrors(t *testing.T) {
	tests := []struct {
		name     string
		response string
		wantMsg  string
	}{
		{"expired", `{"error":"expired_token"}`, "expired"},
		{"denied", `{"error":"access_denied"}`, "denied"},
		{"unexpected", `{}`, "no token and no error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.response)
			}))
			t.Cleanup(server.Close)

			flow := NewQwenOAuthFlow("", zap.NewNop())
			flow.TokenURL = server.URL
			flow.device = &DeviceCodeResponse{DeviceCode: "dev", ExpiresIn: 60}
			flow.verifier = "v"

			_, err := flow.WaitForToken(context.Background())
			require.Error(t, err)
			var llmErr *llm.Error
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, llm.ErrOAuth, llmErr.Code)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
