package recording

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	tokenTTL           = 10 * time.Minute
	tokenRefreshBuffer = 60 * time.Second
)

// TokenProvider supplies the auth token appended to the stream URL and the
// session-control calls. A missing credential is an AUTH failure, surfaced
// immediately and never retried.
type TokenProvider interface {
	Token() (string, *SessionError)
}

// apiKeyTokens mints short-lived HS256 tokens signed with the configured API
// key, caching them until close to expiry.
type apiKeyTokens struct {
	apiKey string
	tabID  string
	token  string
	expiry time.Time
	mu     sync.Mutex
}

// NewAPIKeyTokens creates a provider minting tokens locally.
func NewAPIKeyTokens(apiKey, tabID string) TokenProvider {
	return &apiKeyTokens{apiKey: apiKey, tabID: tabID}
}

func (p *apiKeyTokens) Token() (string, *SessionError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.apiKey == "" {
		return "", NewSessionError(ErrCodeAuth, "no API key configured")
	}
	if p.token != "" && time.Now().Before(p.expiry.Add(-tokenRefreshBuffer)) {
		return p.token, nil
	}

	expiry := time.Now().Add(tokenTTL)
	claims := jwt.MapClaims{
		"client_id": p.tabID,
		"exp":       expiry.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(p.apiKey))
	if err != nil {
		return "", WrapError(err, ErrCodeAuth)
	}

	p.token = signed
	p.expiry = expiry
	return signed, nil
}

// endpointTokens fetches tokens from a token endpoint, refreshing inside the
// buffer window.
type endpointTokens struct {
	endpoint string
	client   *http.Client
	token    string
	expiry   time.Time
	mu       sync.Mutex
}

// NewEndpointTokens creates a provider backed by a remote token endpoint.
func NewEndpointTokens(endpoint string) TokenProvider {
	return &endpointTokens{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *endpointTokens) Token() (string, *SessionError) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiry.Add(-tokenRefreshBuffer)) {
		return p.token, nil
	}

	resp, err := p.client.Post(p.endpoint, "application/json", bytes.NewBufferString("{}"))
	if err != nil {
		return "", WrapError(err, ErrCodeAuth)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", NewSessionError(ErrCodeAuth, fmt.Sprintf("token endpoint returned %d", resp.StatusCode))
	}

	var body struct {
		Token       string `json:"token"`
		ExpiresAtMs int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", WrapError(err, ErrCodeAuth)
	}
	if body.Token == "" {
		return "", NewSessionError(ErrCodeAuth, "token endpoint returned empty token")
	}

	p.token = body.Token
	if body.ExpiresAtMs > 0 {
		p.expiry = time.UnixMilli(body.ExpiresAtMs)
	} else {
		p.expiry = time.Now().Add(tokenTTL)
	}
	return p.token, nil
}

// StaticToken returns a provider that always yields the given token. Used in
// tests and by callers that manage auth themselves.
func StaticToken(token string) TokenProvider {
	return staticToken(token)
}

type staticToken string

func (t staticToken) Token() (string, *SessionError) {
	if t == "" {
		return "", NewSessionError(ErrCodeAuth, "no credential available")
	}
	return string(t), nil
}
