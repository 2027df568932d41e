package cloudsession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin_StoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/edge/login", r.URL.Path)
		json.NewEncoder(w).Encode(loginResponse{
			Token:     "tok-123",
			ExpiresAt: time.Now().Add(time.Hour),
			SchoolID:  "school-1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-1", "secret", "SCH1")
	require.NoError(t, c.Login(context.Background()))

	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Equal(t, "tok-123", c.token)
	assert.Equal(t, "school-1", c.schoolID)
}

func TestLogin_FailurePreservesOldToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-1", "secret", "SCH1")
	c.token = "existing-token"
	c.expiresAt = time.Now().Add(time.Hour)

	err := c.Login(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "existing-token", c.token)
}

func TestEnsureAuthenticated_ReauthenticatesOnExpiry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(loginResponse{Token: "fresh", ExpiresAt: time.Now().Add(time.Hour)})
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-1", "secret", "SCH1")
	c.token = "stale"
	c.expiresAt = time.Now().Add(-time.Minute) // already expired

	require.NoError(t, c.EnsureAuthenticated(context.Background()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "fresh", c.token)
}

func TestSubmitEvents_TransportErrorYieldsAllFailed(t *testing.T) {
	c := New("http://127.0.0.1:0", "agent-1", "secret", "SCH1")
	c.token = "tok"
	c.expiresAt = time.Now().Add(time.Hour)

	result := c.SubmitEvents(context.Background(), []Event{{Type: "ATTENDANCE", CameraID: 1}, {Type: "ATTENDANCE", CameraID: 2}})
	assert.Equal(t, SubmitResult{Processed: 0, Failed: 2}, result)
}

func TestSubmitEvents_PartialAcceptance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(SubmitResult{Processed: 1, Failed: 1})
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-1", "secret", "SCH1")
	c.token = "tok"
	c.expiresAt = time.Now().Add(time.Hour)

	result := c.SubmitEvents(context.Background(), []Event{{Type: "ATTENDANCE"}, {Type: "ATTENDANCE"}})
	assert.Equal(t, SubmitResult{Processed: 1, Failed: 1}, result)
}

func TestGetConfig_DiscardsMalformedEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var valid [128]float64
		for i := range valid {
			valid[i] = float64(i)
		}
		json.NewEncoder(w).Encode(configResponse{
			Version: "v1",
			FaceEncodings: []wireFaceEncoding{
				{EntityType: "STUDENT", EntityID: 1, Encoding: encodeEmbedding(valid)},
				{EntityType: "STUDENT", EntityID: 2, Encoding: "not-valid-base64-length"},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-1", "secret", "SCH1")
	c.token = "tok"
	c.expiresAt = time.Now().Add(time.Hour)

	doc, err := c.GetConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Len(t, doc.FaceEncodings, 1)
	assert.Equal(t, 1, doc.FaceEncodings[0].EntityID)
}

func TestGetConfig_ReturnsNilOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "agent-1", "secret", "SCH1")
	c.token = "tok"
	c.expiresAt = time.Now().Add(time.Hour)

	doc, err := c.GetConfig(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, doc)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	var vec [128]float64
	for i := range vec {
		vec[i] = float64(i) * 1.5
	}
	encoded := encodeEmbedding(vec)
	decoded, ok := decodeEmbedding(encoded)
	require.True(t, ok)
	assert.Equal(t, vec, decoded)
}
