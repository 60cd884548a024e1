package recording

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ControlClient is the session-control collaborator: the REST surface of the
// transcription service that issues and retires session ids. The socket
// ingest endpoint is separate (see Connection).
type ControlClient interface {
	StartSession(opts StartOptions) (string, *SessionError)
	StopSession(sessionID string) *SessionError
}

type startRequest struct {
	Agent                 string `json:"agent"`
	Event                 string `json:"event"`
	TranscriptionLanguage string `json:"transcriptionLanguage"`
	VADAggressiveness     int    `json:"vadAggressiveness"`
	ClientTimezone        string `json:"clientTimezone,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

// HTTPControlClient talks to the service's REST endpoints.
type HTTPControlClient struct {
	baseURL string
	tokens  TokenProvider
	client  *http.Client
	log     *Logger
}

// NewHTTPControlClient creates a control client for the given service root.
func NewHTTPControlClient(baseURL string, tokens TokenProvider, log *Logger) *HTTPControlClient {
	if log == nil {
		log = NopLogger()
	}
	return &HTTPControlClient{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: 15 * time.Second},
		log:     log.WithComponent("control"),
	}
}

// StartSession asks the service to open a session and returns the issued id.
// A rejection is fatal for this attempt; the caller may retry manually.
func (c *HTTPControlClient) StartSession(opts StartOptions) (string, *SessionError) {
	body := startRequest{
		Agent:                 opts.AgentName,
		Event:                 opts.EventID,
		TranscriptionLanguage: opts.TranscriptionLanguage,
		VADAggressiveness:     opts.VADAggressiveness,
		ClientTimezone:        opts.ClientTimezone,
	}

	var resp startResponse
	if serr := c.post("/api/recording/start", body, &resp); serr != nil {
		if serr.Code == ErrCodeAuth {
			return "", serr
		}
		return "", WrapError(serr, ErrCodeStartFailed)
	}
	if resp.SessionID == "" {
		return "", NewSessionError(ErrCodeStartFailed, "start response missing session_id")
	}
	c.log.WithField("session_id", resp.SessionID).Debug("Session started")
	return resp.SessionID, nil
}

// StopSession asks the service to retire the session. Failure here never
// blocks local cleanup; the manager logs it and clears local state anyway.
func (c *HTTPControlClient) StopSession(sessionID string) *SessionError {
	if serr := c.post("/api/recording/stop", stopRequest{SessionID: sessionID}, nil); serr != nil {
		return WrapError(serr, ErrCodeStopFailed)
	}
	return nil
}

func (c *HTTPControlClient) post(path string, body interface{}, out interface{}) *SessionError {
	token, serr := c.tokens.Token()
	if serr != nil {
		return serr
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return WrapError(err, ErrCodeStartFailed)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return WrapError(err, ErrCodeStartFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return WrapError(err, ErrCodeStartFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return NewSessionError(ErrCodeAuth, fmt.Sprintf("control call %s rejected: %d", path, resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewSessionError(ErrCodeStartFailed, fmt.Sprintf("control call %s failed: %d", path, resp.StatusCode)).
			AddDetail("status", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return WrapError(err, ErrCodeStartFailed)
		}
	}
	return nil
}
