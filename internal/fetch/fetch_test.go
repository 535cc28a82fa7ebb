package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonmumm/actor-kit/internal/apperr"
)

func TestIsLocalHost(t *testing.T) {
	for _, host := range []string{"localhost", "localhost:8787", "127.0.0.1", "127.0.0.1:3000", "0.0.0.0", "10.1.2.3", "192.168.0.10:8080", "172.16.5.5"} {
		assert.True(t, IsLocalHost(host), host)
	}
	for _, host := range []string{"example.com", "api.example.com:443", "8.8.8.8", "172.32.0.1"} {
		assert.False(t, IsLocalHost(host), host)
	}
}

func TestBuildURL_SchemeAndParams(t *testing.T) {
	u, err := buildURL(Options{
		Host:               "example.com",
		ActorType:          "todo",
		ActorID:            "list-1",
		WaitForState:       "ready",
		WaitForEvent:       "ADD_TODO",
		Timeout:            1500 * time.Millisecond,
		ErrorOnWaitTimeout: true,
		Input:              map[string]any{"seed": 1},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(u, "https://example.com/api/todo/list-1?"))
	assert.Contains(t, u, "waitForState=ready")
	assert.Contains(t, u, "waitForEvent=ADD_TODO")
	assert.Contains(t, u, "timeout=1500")
	assert.Contains(t, u, "errorOnWaitTimeout=true")
	assert.Contains(t, u, "input=")
}

func TestBuildURL_LoopbackIsPlainHTTP(t *testing.T) {
	u, err := buildURL(Options{Host: "localhost:8787", ActorType: "todo", ActorID: "list-1"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787/api/todo/list-1", u)
}

func TestBuildURL_RequiresAddress(t *testing.T) {
	_, err := buildURL(Options{Host: "localhost"})
	assert.Error(t, err)
}

func TestSnapshot_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/todo/list-1", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"snapshot": map[string]any{
				"public":  map[string]any{"ownerId": "u1"},
				"private": map[string]any{},
				"value":   "ready",
			},
			"checksum": "cafebabecafebabe",
		})
	}))
	defer ts.Close()

	result, err := Snapshot(context.Background(), Options{
		Host:        strings.TrimPrefix(ts.URL, "http://"),
		ActorType:   "todo",
		ActorID:     "list-1",
		AccessToken: "secret-token",
	})
	require.NoError(t, err)
	assert.Equal(t, "cafebabecafebabe", result.Checksum)
	assert.Equal(t, "u1", result.Snapshot.Public["ownerId"])
	assert.Equal(t, "ready", result.Snapshot.Value)
}

func TestSnapshot_408SurfacesAsWaitTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer ts.Close()

	_, err := Snapshot(context.Background(), Options{
		Host:               strings.TrimPrefix(ts.URL, "http://"),
		ActorType:          "todo",
		ActorID:            "list-1",
		AccessToken:        "secret-token",
		WaitForState:       "NeverReached",
		ErrorOnWaitTimeout: true,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrCodeWaitTimeout))
}

func TestSnapshot_ServerErrorCodePropagates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error": "UNAUTHORIZED", "message": "access denied", "code": "UNAUTHORIZED",
		})
	}))
	defer ts.Close()

	_, err := Snapshot(context.Background(), Options{
		Host:        strings.TrimPrefix(ts.URL, "http://"),
		ActorType:   "todo",
		ActorID:     "list-1",
		AccessToken: "bad",
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrCodeUnauthorized))
}
