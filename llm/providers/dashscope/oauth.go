package dashscope

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/firebox/internal/keyring"
	"github.com/BaSui01/firebox/llm"
	"github.com/BaSui01/firebox/llm/providers"
	"go.uber.org/zap"
)

const (
	qwenDeviceCodeURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL      = "https://chat.qwen.ai/api/v1/oauth2/token"

	// QwenClientID is the public OAuth2 client id shared with qwen-code.
	QwenClientID = "f0304373b74a44d2b584a3fb70ca9e56"

	// QwenOAuthScope is the default scope requested by the device flow.
	QwenOAuthScope = "openid profile email model.completion"

	qwenDeviceGrant = "urn:ietf:params:oauth:grant-type:device_code"

	keyringService   = "fire-box-dashscope"
	keyringUserOAuth = "oauth-credentials"
)

// OAuthCredentials holds the token set returned by the Qwen token endpoint.
// ResourceURL, when present, points at a per-user DashScope endpoint.
type OAuthCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ResourceURL  string `json:"resource_url,omitempty"`
	// ExpiryDate is a unix timestamp in milliseconds; zero means unknown.
	ExpiryDate int64 `json:"expiry_date,omitempty"`
}

// IsValid reports whether the access token has not expired,
// with a 60-second safety buffer. Unknown expiry counts as valid.
func (c *OAuthCredentials) IsValid() bool {
	if c.ExpiryDate == 0 {
		return true
	}
	return c.ExpiryDate > time.Now().UnixMilli()+60_000
}

// GeneratePKCEPair returns a (verifier, challenge) pair per RFC 7636 S256:
// 32 random bytes base64url-encoded as the verifier, and the base64url-encoded
// SHA-256 of the verifier string as the challenge.
func GeneratePKCEPair() (string, string, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", "", fmt.Errorf("failed to generate PKCE verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(seed[:])
	digest := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(digest[:])
	return verifier, challenge, nil
}

// DeviceCodeResponse is the result of starting the Qwen device flow.
type DeviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// QwenOAuthFlow drives the Qwen device-authorisation flow (RFC 8628 + PKCE).
// The endpoint fields default to the public chat.qwen.ai URLs and exist so
// tests can point the flow at a local server.
type QwenOAuthFlow struct {
	Scope         string
	DeviceCodeURL string
	TokenURL      string
	Client        *http.Client
	Logger        *zap.Logger

	device   *DeviceCodeResponse
	verifier string
}

// NewQwenOAuthFlow creates a flow with the given scope
// (empty selects QwenOAuthScope).
func NewQwenOAuthFlow(scope string, logger *zap.Logger) *QwenOAuthFlow {
	if scope == "" {
		scope = QwenOAuthScope
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QwenOAuthFlow{
		Scope:         scope,
		DeviceCodeURL: qwenDeviceCodeURL,
		TokenURL:      qwenTokenURL,
		Client:        newHTTPClient(),
		Logger:        logger.With(zap.String("component", "qwen_oauth")),
	}
}

// Device returns the device-code response after Start has been called.
func (f *QwenOAuthFlow) Device() *DeviceCodeResponse { return f.device }

func (f *QwenOAuthFlow) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return f.Client.Do(req)
}

// Start requests a device code from the Qwen OAuth server (step 1).
func (f *QwenOAuthFlow) Start(ctx context.Context) (*DeviceCodeResponse, error) {
	verifier, challenge, err := GeneratePKCEPair()
	if err != nil {
		return nil, err
	}
	f.verifier = verifier

	form := url.Values{
		"client_id":             {QwenClientID},
		"scope":                 {f.Scope},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	resp, err := f.postForm(ctx, f.DeviceCodeURL, form)
	if err != nil {
		return nil, oauthError(fmt.Sprintf("device code request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := providers.ReadErrorMessage(resp.Body)
		return nil, oauthError(fmt.Sprintf("device code request failed: HTTP %d - %s", resp.StatusCode, body))
	}

	var device DeviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		return nil, oauthError(fmt.Sprintf("failed to parse device code response: %v", err))
	}
	if device.Interval == 0 {
		device.Interval = 5
	}
	f.device = &device

	f.Logger.Info("qwen device flow started",
		zap.String("user_code", device.UserCode),
		zap.String("verification_uri", device.VerificationURI))
	return &device, nil
}

type qwenTokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	ResourceURL      string `json:"resource_url"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Status           string `json:"status"`
}

func credentialsFromToken(tok *qwenTokenResponse, prev *OAuthCredentials) *OAuthCredentials {
	expiresIn := tok.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	creds := &OAuthCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ResourceURL:  tok.ResourceURL,
		ExpiryDate:   time.Now().UnixMilli() + expiresIn*1000,
	}
	if prev != nil {
		if creds.RefreshToken == "" {
			creds.RefreshToken = prev.RefreshToken
		}
		if creds.ResourceURL == "" {
			creds.ResourceURL = prev.ResourceURL
		}
	}
	return creds
}

// WaitForToken polls the token endpoint until the user authorises (step 2).
func (f *QwenOAuthFlow) WaitForToken(ctx context.Context) (*OAuthCredentials, error) {
	if f.device == nil {
		return nil, oauthError("device flow not started")
	}

	delay := time.Duration(f.device.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(f.device.ExpiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		form := url.Values{
			"grant_type":    {qwenDeviceGrant},
			"client_id":     {QwenClientID},
			"device_code":   {f.device.DeviceCode},
			"code_verifier": {f.verifier},
		}
		resp, err := f.postForm(ctx, f.TokenURL, form)
		if err != nil {
			return nil, oauthError(fmt.Sprintf("token poll failed: %v", err))
		}

		var tok qwenTokenResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&tok)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, oauthError(fmt.Sprintf("failed to parse token response: %v", decodeErr))
		}

		if tok.AccessToken != "" {
			f.Logger.Info("qwen device flow authorised")
			return credentialsFromToken(&tok, nil), nil
		}

		switch tok.Error {
		case "authorization_pending":
			// 等待用户完成授权
		case "slow_down":
			delay += 5 * time.Second
		case "expired_token":
			return nil, oauthError("device code expired before authorisation")
		case "access_denied":
			return nil, oauthError("user denied the authorisation request")
		case "":
			if tok.Status == "pending" {
				continue
			}
			return nil, oauthError("unexpected token response: no token and no error")
		default:
			return nil, oauthError(fmt.Sprintf("OAuth error: %s: %s", tok.Error, tok.ErrorDescription))
		}
	}

	return nil, oauthError("device flow timed out waiting for authorisation")
}

// Refresh exchanges the refresh token for a new access token.
// Fields absent from the response are carried over from the old credentials.
func (f *QwenOAuthFlow) Refresh(ctx context.Context, creds *OAuthCredentials) (*OAuthCredentials, error) {
	if creds.RefreshToken == "" {
		return nil, oauthError("no refresh token available")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {creds.RefreshToken},
		"client_id":     {QwenClientID},
	}
	resp, err := f.postForm(ctx, f.TokenURL, form)
	if err != nil {
		return nil, oauthError(fmt.Sprintf("token refresh failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := providers.ReadErrorMessage(resp.Body)
		return nil, oauthError(fmt.Sprintf("token refresh failed: HTTP %d - %s", resp.StatusCode, body))
	}

	var tok qwenTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, oauthError(fmt.Sprintf("failed to parse refresh response: %v", err))
	}
	if tok.AccessToken == "" {
		return nil, oauthError("token refresh returned no access_token")
	}
	return credentialsFromToken(&tok, creds), nil
}

// SaveCredentials persists OAuth credentials in the OS keyring (JSON-encoded).
func SaveCredentials(creds *OAuthCredentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode DashScope credentials: %w", err)
	}
	return keyring.SetPassword(keyringService, keyringUserOAuth, string(data))
}

// LoadCredentials restores OAuth credentials from the OS keyring.
func LoadCredentials() (*OAuthCredentials, error) {
	data, err := keyring.GetPassword(keyringService, keyringUserOAuth)
	if err != nil {
		return nil, fmt.Errorf("failed to load DashScope credentials: %w", err)
	}
	var creds OAuthCredentials
	if err := json.Unmarshal([]byte(data), &creds); err != nil {
		return nil, fmt.Errorf("failed to decode DashScope credentials: %w", err)
	}
	return &creds, nil
}

// HasCredentials reports whether OAuth credentials are stored.
func HasCredentials() bool {
	_, err := keyring.GetPassword(keyringService, keyringUserOAuth)
	return err == nil
}

func oauthError(msg string) *llm.Error {
	return &llm.Error{
		Code:     llm.ErrOAuth,
		Message:  msg,
		Provider: "dashscope",
	}
}
