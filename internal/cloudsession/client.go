// Package cloudsession implements the Cloud Session: an authenticated
// HTTPS client that logs in, syncs configuration, submits event batches,
// and emits heartbeats to the cloud control plane.
package cloudsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/parikshanai/edge-agent/internal/config"
)

const defaultTimeout = 30 * time.Second

// Event is the wire shape of a single event in a SubmitEvents request.
type Event struct {
	Type      string          `json:"type"`
	CameraID  int             `json:"cameraId"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// SubmitResult reports how many of the leading events in a batch were
// accepted; the caller treats the accepted set as a prefix.
type SubmitResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Client is the Cloud Session. Token state is guarded by mu since
// EnsureAuthenticated (writer) and every other method (reader) may be
// called concurrently.
type Client struct {
	httpClient *http.Client
	baseURL    string
	agentID    string
	secret     string
	schoolCode string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	schoolID  string
}

// New constructs a Cloud Session client.
func New(baseURL, agentID, secret, schoolCode string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    baseURL,
		agentID:    agentID,
		secret:     secret,
		schoolCode: schoolCode,
	}
}

type loginRequest struct {
	AgentID    string `json:"agentId"`
	Secret     string `json:"secret"`
	SchoolCode string `json:"schoolCode"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	SchoolID  string    `json:"schoolId"`
}

// Login authenticates and, on success, stores the returned token triple.
// On failure the previous token (if any) is preserved; the caller decides
// whether to retry.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{
		AgentID:    c.agentID,
		Secret:     c.secret,
		SchoolCode: c.schoolCode,
	})
	if err != nil {
		return fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/edge/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Id", c.agentID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("login failed: status %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decode login response: %w", err)
	}

	c.mu.Lock()
	c.token = lr.Token
	c.expiresAt = lr.ExpiresAt
	c.schoolID = lr.SchoolID
	c.mu.Unlock()

	return nil
}

// EnsureAuthenticated calls Login if there is no token or it has expired.
// Every other method invokes this first.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	c.mu.RLock()
	needsLogin := c.token == "" || !time.Now().Before(c.expiresAt)
	c.mu.RUnlock()

	if !needsLogin {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) authHeaders(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()

	req.Header.Set("X-Agent-Id", c.agentID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

type configResponse struct {
	Cameras       []config.Camera    `json:"cameras"`
	NVRs          []config.NVR       `json:"nvrs"`
	FaceEncodings []wireFaceEncoding `json:"faceEncodings"`
	SchoolConfig  config.RawSchoolConfig `json:"schoolConfig"`
	Version       string             `json:"version"`
}

type wireFaceEncoding struct {
	EntityType string `json:"entityType"`
	EntityID   int    `json:"entityId"`
	SectionID  *int   `json:"sectionId"`
	Encoding   string `json:"encoding"` // base64 raw little-endian 128x float64
}

// GetConfig fetches the current cloud configuration document. Returns
// (nil, nil) on any failure — callers must tolerate absence and retain
// their current configuration.
func (c *Client) GetConfig(ctx context.Context) (*config.CloudConfigDocument, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/edge/config", nil)
	if err != nil {
		return nil, nil
	}
	c.authHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil
	}

	var cr configResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, nil
	}

	encodings := make([]config.FaceEncoding, 0, len(cr.FaceEncodings))
	for _, w := range cr.FaceEncodings {
		emb, ok := decodeEmbedding(w.Encoding)
		if !ok {
			log.Printf("[CS] discarding face encoding for %s %d: not %d little-endian float64 values", w.EntityType, w.EntityID, embeddingDims)
			continue
		}
		encodings = append(encodings, config.FaceEncoding{
			EntityType: w.EntityType,
			EntityID:   w.EntityID,
			SectionID:  w.SectionID,
			Embedding:  emb,
		})
	}

	return &config.CloudConfigDocument{
		Version:       cr.Version,
		Cameras:       cr.Cameras,
		NVRs:          cr.NVRs,
		FaceEncodings: encodings,
		School:        cr.SchoolConfig,
	}, nil
}

type eventsRequest struct {
	AgentID string  `json:"agentId"`
	Events  []Event `json:"events"`
}

// SubmitEvents POSTs a batch of events. On transport error, returns
// {processed: 0, failed: len(events)} rather than an error, since the
// event-drain loop must treat this the same as a non-accepting server.
func (c *Client) SubmitEvents(ctx context.Context, events []Event) SubmitResult {
	fallback := SubmitResult{Processed: 0, Failed: len(events)}

	if err := c.EnsureAuthenticated(ctx); err != nil {
		return fallback
	}

	body, err := json.Marshal(eventsRequest{AgentID: c.agentID, Events: events})
	if err != nil {
		return fallback
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/edge/events", bytes.NewReader(body))
	if err != nil {
		return fallback
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fallback
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fallback
	}
	return result
}

// SendHeartbeat is fire-and-forget: errors are swallowed, there is no
// retry.
func (c *Client) SendHeartbeat(ctx context.Context, metrics any) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return
	}

	body, err := json.Marshal(metrics)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/edge/heartbeat", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
