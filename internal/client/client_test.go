package client_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonmumm/actor-kit/internal/actor"
	"github.com/jonmumm/actor-kit/internal/auth"
	"github.com/jonmumm/actor-kit/internal/client"
	"github.com/jonmumm/actor-kit/internal/machines/todo"
	"github.com/jonmumm/actor-kit/internal/registry"
	"github.com/jonmumm/actor-kit/internal/storage"
)

const testSecret = "client-test-secret-0123456789abcd"

func setupBackend(t *testing.T) (host string, shutdown func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := registry.New(registry.Config{
		SigningKey: testSecret,
		Store:      storage.NewMemoryStore(),
	})
	reg.RegisterType("todo", todo.New)

	engine := gin.New()
	reg.Routes(engine)
	ts := httptest.NewServer(engine)

	return strings.TrimPrefix(ts.URL, "http://"), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
		ts.Close()
	}
}

func todoCount(s actor.CallerSnapshot) int {
	list, _ := s.Public["todos"].([]any)
	return len(list)
}

func TestClient_ConnectAndReceiveState(t *testing.T) {
	host, shutdown := setupBackend(t)
	defer shutdown()

	owner := actor.Caller{Type: actor.CallerClient, ID: uuid.NewString()}
	token, err := auth.IssueAccessToken(testSecret, "todo", "list-1", owner)
	require.NoError(t, err)

	c := client.New(client.Config{
		Host:        host,
		ActorType:   "todo",
		ActorID:     "list-1",
		AccessToken: token,
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	// Unknown baseline: the server pushes a full snapshot patch.
	require.NoError(t, c.WaitFor(func(s actor.CallerSnapshot) bool {
		return s.Public["ownerId"] == owner.ID
	}, 3*time.Second))
	assert.NotEmpty(t, c.Checksum())
}

func TestClient_SendAndObserveDelta(t *testing.T) {
	host, shutdown := setupBackend(t)
	defer shutdown()

	owner := actor.Caller{Type: actor.CallerClient, ID: uuid.NewString()}
	token, err := auth.IssueAccessToken(testSecret, "todo", "list-1", owner)
	require.NoError(t, err)

	var changes atomic.Int32
	c := client.New(client.Config{
		Host:        host,
		ActorType:   "todo",
		ActorID:     "list-1",
		AccessToken: token,
		OnStateChange: func(actor.CallerSnapshot) {
			changes.Add(1)
		},
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.WaitFor(func(s actor.CallerSnapshot) bool {
		return s.Public["ownerId"] == owner.ID
	}, 3*time.Second))

	require.NoError(t, c.Send(map[string]any{"type": todo.EventAddTodo, "text": "from socket"}))

	require.NoError(t, c.WaitFor(func(s actor.CallerSnapshot) bool {
		return todoCount(s) == 1
	}, 3*time.Second))
	assert.GreaterOrEqual(t, changes.Load(), int32(2))
}

func TestClient_SubscribeAndUnsubscribe(t *testing.T) {
	host, shutdown := setupBackend(t)
	defer shutdown()

	owner := actor.Caller{Type: actor.CallerClient, ID: uuid.NewString()}
	token, err := auth.IssueAccessToken(testSecret, "todo", "list-1", owner)
	require.NoError(t, err)

	c := client.New(client.Config{Host: host, ActorType: "todo", ActorID: "list-1", AccessToken: token})

	notified := make(chan actor.CallerSnapshot, 8)
	unsubscribe := c.Subscribe(func(s actor.CallerSnapshot) {
		select {
		case notified <- s:
		default:
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	select {
	case s := <-notified:
		assert.Equal(t, owner.ID, s.Public["ownerId"])
	case <-time.After(3 * time.Second):
		t.Fatal("listener never fired")
	}

	unsubscribe()
	// After unsubscribe further patches must not reach the listener.
	require.NoError(t, c.Send(map[string]any{"type": todo.EventAddTodo, "text": "x"}))
	require.NoError(t, c.WaitFor(func(s actor.CallerSnapshot) bool { return todoCount(s) == 1 }, 3*time.Second))
	select {
	case <-notified:
		t.Fatal("listener fired after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_SendOnClosedSocketErrors(t *testing.T) {
	var errs atomic.Int32
	c := client.New(client.Config{
		Host:        "localhost:1",
		ActorType:   "todo",
		ActorID:     "list-1",
		AccessToken: "unused",
		OnError: func(error) {
			errs.Add(1)
		},
	})

	err := c.Send(map[string]any{"type": todo.EventAddTodo, "text": "dropped"})
	require.Error(t, err)
	assert.Equal(t, int32(1), errs.Load())
}

func TestClient_WaitForTimeout(t *testing.T) {
	c := client.New(client.Config{Host: "localhost:1", ActorType: "todo", ActorID: "l", AccessToken: "unused"})

	start := time.Now()
	err := c.WaitFor(func(actor.CallerSnapshot) bool { return false }, 100*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_InitialSnapshotSeedsState(t *testing.T) {
	initial := &actor.CallerSnapshot{
		Public:  map[string]any{"ownerId": "u1"},
		Private: map[string]any{},
		Value:   "ready",
	}
	c := client.New(client.Config{
		Host: "localhost:1", ActorType: "todo", ActorID: "l", AccessToken: "unused",
		Checksum:        "abc",
		InitialSnapshot: initial,
	})

	assert.Equal(t, "u1", c.GetState().Public["ownerId"])
	assert.Equal(t, "abc", c.Checksum())
}

// The GET + connect flow: fetch a snapshot over HTTP, seed the client with it
// and its checksum, and confirm that later deltas still arrive and move the
// client's checksum past the fetched baseline.
func TestClient_ResumeFromFetchedBaseline(t *testing.T) {
	host, shutdown := setupBackend(t)
	defer shutdown()

	owner := actor.Caller{Type: actor.CallerClient, ID: uuid.NewString()}
	token, err := auth.IssueAccessToken(testSecret, "todo", "list-1", owner)
	require.NoError(t, err)

	// Plain HTTP GET, the way the fetch helper does it.
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/todo/list-1", host), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var fetched actor.GetSnapshotResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	resp.Body.Close()

	c := client.New(client.Config{
		Host:            host,
		ActorType:       "todo",
		ActorID:         "list-1",
		AccessToken:     token,
		Checksum:        fetched.Checksum,
		InitialSnapshot: &fetched.Snapshot,
	})
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	// Drive a change server-side; the client catches up via one delta.
	body, _ := json.Marshal(map[string]any{"type": todo.EventAddTodo, "text": "later"})
	post, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/todo/list-1", host), bytes.NewReader(body))
	require.NoError(t, err)
	post.Header.Set("Authorization", "Bearer "+token)
	postResp, err := http.DefaultClient.Do(post)
	require.NoError(t, err)
	postResp.Body.Close()
	require.Equal(t, http.StatusOK, postResp.StatusCode)

	require.NoError(t, c.WaitFor(func(s actor.CallerSnapshot) bool {
		return todoCount(s) == 1
	}, 3*time.Second))
	assert.NotEqual(t, fetched.Checksum, c.Checksum())
}
