package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/pkg/api"
	"github.com/membank/membank/pkg/memory"
)

func TestPing(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	status, body := httpDo(t, ctx, socketPath, http.MethodGet, "/api/ping", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")
}

func TestAgentLifecycle(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	status, body := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents",
		`{"name":"assistant","human":"Name: Chad","persona":"helpful"}`, "")
	require.Equal(t, http.StatusCreated, status)

	var agent api.Agent
	require.NoError(t, json.Unmarshal(body, &agent))
	require.NotEmpty(t, agent.ID)
	assert.Equal(t, "assistant", agent.Name)

	status, body = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents", "", "")
	require.Equal(t, http.StatusOK, status)
	var agents []api.Agent
	require.NoError(t, json.Unmarshal(body, &agents))
	assert.Len(t, agents, 1)

	status, _ = httpDo(t, ctx, socketPath, http.MethodDelete, "/api/agents/"+agent.ID, "", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents/"+agent.ID, "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestGetAgentMemory(t *testing.T) {
	ctx := t.Context()
	store := memory.NewInMemoryStore()
	socketPath := startServer(t, ctx, store)

	agentID := createTestAgent(t, ctx, socketPath, `{"name":"assistant","human":"Name: Chad"}`)

	status, body := httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents/"+agentID+"/memory", "", "")
	require.Equal(t, http.StatusOK, status)

	var resp api.GetAgentMemoryResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.CoreMemory.Human)
	assert.Equal(t, "Name: Chad", *resp.CoreMemory.Human)
	assert.Nil(t, resp.CoreMemory.Persona)
	assert.Zero(t, resp.RecallMemory)
	assert.Zero(t, resp.ArchivalMemory)
}

func TestGetAgentMemoryErrors(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	status, _ := httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents/not-a-uuid/memory", "", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents/"+memory.NewAgentID()+"/memory", "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUpdateAgentMemory(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	agentID := createTestAgent(t, ctx, socketPath, `{"name":"assistant","human":"Name: Chad","persona":"helpful"}`)

	status, body := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents/"+agentID+"/memory",
		`{"human":"Name: Chad. Age: 42"}`, "")
	require.Equal(t, http.StatusOK, status)

	var resp api.UpdateAgentMemoryResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "Name: Chad", *resp.OldCoreMemory.Human)
	assert.Equal(t, "Name: Chad. Age: 42", *resp.NewCoreMemory.Human)

	// The persona field was absent from the body and is untouched.
	require.NotNil(t, resp.NewCoreMemory.Persona)
	assert.Equal(t, "helpful", *resp.NewCoreMemory.Persona)
}

func TestUpdateAgentMemoryClearsField(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	agentID := createTestAgent(t, ctx, socketPath, `{"name":"assistant","human":"Name: Chad","persona":"helpful"}`)

	// An explicit empty string clears the field.
	status, body := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents/"+agentID+"/memory",
		`{"persona":""}`, "")
	require.Equal(t, http.StatusOK, status)

	var resp api.UpdateAgentMemoryResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.NewCoreMemory.Persona)
	assert.Empty(t, *resp.NewCoreMemory.Persona)
	assert.Equal(t, "Name: Chad", *resp.NewCoreMemory.Human)
}

func TestUpdateAgentMemoryErrors(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	status, _ := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents/not-a-uuid/memory", `{"human":"x"}`, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents/"+memory.NewAgentID()+"/memory", `{"human":"x"}`, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRecallMemory(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	agentID := createTestAgent(t, ctx, socketPath, `{"name":"assistant"}`)

	status, _ := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents/"+agentID+"/memory/recall",
		`{"messages":[{"role":"user","content":"I love hiking"},{"role":"assistant","content":"Noted!"}]}`, "")
	require.Equal(t, http.StatusOK, status)

	status, body := httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents/"+agentID+"/memory/recall?query=hiking", "", "")
	require.Equal(t, http.StatusOK, status)

	var resp api.SearchRecallResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, "I love hiking", resp.Messages[0].Content)

	// The read path should now report both messages.
	status, body = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents/"+agentID+"/memory", "", "")
	require.Equal(t, http.StatusOK, status)
	var memResp api.GetAgentMemoryResponse
	require.NoError(t, json.Unmarshal(body, &memResp))
	assert.Equal(t, int64(2), memResp.RecallMemory)
}

func TestArchivalMemory(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	agentID := createTestAgent(t, ctx, socketPath, `{"name":"assistant"}`)

	status, body := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents/"+agentID+"/memory/archival",
		`{"content":"Chad enjoys rock climbing"}`, "")
	require.Equal(t, http.StatusCreated, status)

	var entry api.ArchivalEntry
	require.NoError(t, json.Unmarshal(body, &entry))
	require.NotEmpty(t, entry.ID)

	status, body = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents/"+agentID+"/memory/archival?query=climbing", "", "")
	require.Equal(t, http.StatusOK, status)

	var resp api.SearchArchivalResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, 1, resp.Total)
	assert.Equal(t, entry.ID, resp.Entries[0].ID)

	status, _ = httpDo(t, ctx, socketPath, http.MethodDelete, "/api/agents/"+agentID+"/memory/archival/"+entry.ID, "", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = httpDo(t, ctx, socketPath, http.MethodDelete, "/api/agents/"+agentID+"/memory/archival/"+entry.ID, "", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestArchivalEmptyContent(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore())

	agentID := createTestAgent(t, ctx, socketPath, `{"name":"assistant"}`)

	status, _ := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents/"+agentID+"/memory/archival",
		`{"content":""}`, "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIKeyAuth(t *testing.T) {
	ctx := t.Context()
	socketPath := startServer(t, ctx, memory.NewInMemoryStore(), WithAPIKey("secret"))

	// Health check is reachable without credentials.
	status, _ := httpDo(t, ctx, socketPath, http.MethodGet, "/api/ping", "", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = httpDo(t, ctx, socketPath, http.MethodGet, "/api/agents", "", "secret")
	assert.Equal(t, http.StatusOK, status)

	// The key is also accepted via the X-API-Key header.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://_/api/agents", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err := unixClient(socketPath).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func createTestAgent(t *testing.T, ctx context.Context, socketPath, body string) string {
	t.Helper()

	status, respBody := httpDo(t, ctx, socketPath, http.MethodPost, "/api/agents", body, "")
	require.Equal(t, http.StatusCreated, status)

	var agent api.Agent
	require.NoError(t, json.Unmarshal(respBody, &agent))
	return agent.ID
}

func startServer(t *testing.T, ctx context.Context, store memory.Store, opts ...Option) string {
	t.Helper()

	srv, err := New(store, opts...)
	require.NoError(t, err)

	socketPath := "unix://" + filepath.Join(t.TempDir(), "test.sock")
	ln, err := Listen(ctx, socketPath)
	require.NoError(t, err)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go srv.Serve(ctx, ln)

	return socketPath
}

func unixClient(socketPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", strings.TrimPrefix(socketPath, "unix://"))
			},
		},
	}
}

func httpDo(t *testing.T, ctx context.Context, socketPath, method, path, body, apiKey string) (int, []byte) {
	t.Helper()

	client := unixClient(socketPath)

	var reqBody io.Reader = http.NoBody
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://_"+path, reqBody)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, buf
}
