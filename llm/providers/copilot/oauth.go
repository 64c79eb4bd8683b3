package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/firebox/internal/keyring"
	"github.com/BaSui01/firebox/llm"
	"go.uber.org/zap"
)

const (
	githubDeviceCodeURL = "https://github.com/login/device/code"
	githubTokenURL      = "https://github.com/login/oauth/access_token"

	// DefaultClientID is the GitHub App client id used when none is supplied.
	DefaultClientID = "Iv1.b507a08c87ecfe98"

	deviceFlowScope = "read:user"
	deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	keyringService    = "fire-box-copilot"
	keyringGitHubUser = "github-oauth"
)

// DeviceCodeResponse is the result of starting the GitHub device flow.
// The caller shows UserCode / VerificationURI to the user and then polls.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// DeviceFlow drives the GitHub device-code OAuth flow.
// The endpoint fields default to the public GitHub URLs and exist so tests
// can point the flow at a local server.
type DeviceFlow struct {
	ClientID      string
	DeviceCodeURL string
	TokenURL      string
	Client        *http.Client
	Logger        *zap.Logger
}

// NewDeviceFlow creates a device flow with the given client id
// (empty selects DefaultClientID).
func NewDeviceFlow(clientID string, logger *zap.Logger) *DeviceFlow {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceFlow{
		ClientID:      clientID,
		DeviceCodeURL: githubDeviceCodeURL,
		TokenURL:      githubTokenURL,
		Client:        newHTTPClient(),
		Logger:        logger.With(zap.String("component", "copilot_oauth")),
	}
}

// Start requests a device code from GitHub (step 1 of the flow).
func (f *DeviceFlow) Start(ctx context.Context) (*DeviceCodeResponse, error) {
	payload, err := json.Marshal(struct {
		ClientID string `json:"client_id"`
		Scope    string `json:"scope"`
	}{ClientID: f.ClientID, Scope: deviceFlowScope})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.DeviceCodeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, oauthError(fmt.Sprintf("device code request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, oauthError(fmt.Sprintf("device code request failed: HTTP %d", resp.StatusCode))
	}

	var device DeviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		return nil, oauthError(fmt.Sprintf("failed to parse device code response: %v", err))
	}

	f.Logger.Info("device flow started",
		zap.String("user_code", device.UserCode),
		zap.String("verification_uri", device.VerificationURI))
	return &device, nil
}

// PollForToken polls GitHub until the user authorises, the code expires, or
// access is denied (step 2). interval and expiresIn come from Start.
func (f *DeviceFlow) PollForToken(ctx context.Context, deviceCode string, interval, expiresIn int) (string, error) {
	delay := time.Duration(interval) * time.Second
	deadline := time.Now().Add(time.Duration(expiresIn) * time.Second)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}

		payload, err := json.Marshal(struct {
			ClientID   string `json:"client_id"`
			DeviceCode string `json:"device_code"`
			GrantType  string `json:"grant_type"`
		}{ClientID: f.ClientID, DeviceCode: deviceCode, GrantType: deviceGrantType})
		if err != nil {
			return "", fmt.Errorf("failed to marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.TokenURL, bytes.NewReader(payload))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := f.Client.Do(req)
		if err != nil {
			return "", oauthError(fmt.Sprintf("token poll failed: %v", err))
		}

		var poll struct {
			AccessToken      string `json:"access_token"`
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
			Interval         int    `json:"interval"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&poll)
		resp.Body.Close()
		if decodeErr != nil {
			return "", oauthError(fmt.Sprintf("failed to parse token response: %v", decodeErr))
		}

		if poll.AccessToken != "" {
			f.Logger.Info("device flow authorised")
			return poll.AccessToken, nil
		}

		switch poll.Error {
		case "authorization_pending":
			// 用户尚未完成授权，按当前节奏继续轮询
		case "slow_down":
			extra := poll.Interval
			if extra == 0 {
				extra = 5
			}
			delay += time.Duration(extra) * time.Second
		case "expired_token":
			return "", oauthError("device code expired before authorisation")
		case "access_denied":
			return "", oauthError("user denied the authorisation request")
		case "":
			return "", oauthError("unexpected OAuth response: no token and no error")
		default:
			return "", oauthError(fmt.Sprintf("OAuth error: %s: %s", poll.Error, poll.ErrorDescription))
		}
	}

	return "", oauthError("device flow timed out waiting for authorisation")
}

// Authenticate runs the full device flow and returns a ready provider.
// onPrompt (optional) receives the code the user must enter.
func Authenticate(ctx context.Context, clientID string, onPrompt func(*DeviceCodeResponse), logger *zap.Logger) (*Provider, error) {
	flow := NewDeviceFlow(clientID, logger)
	device, err := flow.Start(ctx)
	if err != nil {
		return nil, err
	}
	if onPrompt != nil {
		onPrompt(device)
	}
	githubToken, err := flow.PollForToken(ctx, device.DeviceCode, device.Interval, device.ExpiresIn)
	if err != nil {
		return nil, err
	}
	return New(githubToken, logger), nil
}

// StoreGitHubToken persists the long-lived GitHub OAuth token.
func StoreGitHubToken(token string) error {
	return keyring.SetPassword(keyringService, keyringGitHubUser, token)
}

// HasGitHubToken reports whether a GitHub OAuth token is stored.
func HasGitHubToken() bool {
	_, err := keyring.GetPassword(keyringService, keyringGitHubUser)
	return err == nil
}

// FromKeyring constructs a provider from the stored GitHub OAuth token.
func FromKeyring(logger *zap.Logger) (*Provider, error) {
	token, err := keyring.GetPassword(keyringService, keyringGitHubUser)
	if err != nil {
		return nil, fmt.Errorf("failed to load Copilot token: %w", err)
	}
	return New(token, logger), nil
}

func oauthError(msg string) *llm.Error {
	return &llm.Error{
		Code:     llm.ErrOAuth,
		Message:  msg,
		Provider: "copilot",
	}
}
