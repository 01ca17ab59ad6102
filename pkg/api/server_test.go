package api

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

	"github.com/rndrntwrk/milaidy/pkg/config"
	"github.com/rndrntwrk/milaidy/pkg/events"
	"github.com/rndrntwrk/milaidy/pkg/kernel"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Defaults()
	k, err := kernel.New(context.Background(), cfg, kernel.Stores{}, nil)
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { k.Stop(context.Background()) })

	connManager := events.NewConnectionManager(k.Events(), time.Second)
	t.Cleanup(connManager.Close)

	return NewServer(k, connManager)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.NotEmpty(t, resp.Version)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var status kernel.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, kernel.RunStateRunning, status.State)
	assert.Equal(t, "milaidy", status.AgentName)
}

func TestSubmitPlanValidation(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/plans", `{"steps":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/plans", `{"steps":[{"input":{}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "step without tool_id rejected")
}

func TestSubmitPlanAndFetchEpisode(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/plans",
		`{"steps":[{"tool_id":"echo","input":{"msg":"hi"}}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitPlanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.EpisodeID)

	require.Eventually(t, func() bool {
		rec := doRequest(t, s, http.MethodGet, "/api/v1/episodes/"+resp.EpisodeID, "")
		if rec.Code != http.StatusOK {
			return false
		}
		var body struct {
			Episode struct {
				Status string `json:"status"`
			} `json:"episode"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			return false
		}
		return body.Episode.Status == "finished"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestEpisodeNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/episodes/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveUnknownCall(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/approvals/ghost/approve", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGoalCRUD(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/goals",
		`{"name":"learn go","priority":2}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var goal struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &goal))

	rec = doRequest(t, s, http.MethodPost, "/api/v1/goals/"+goal.ID+"/complete", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/goals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed":true`)

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/goals/"+goal.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSafeModeEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/safe-mode/enter", `{"reason":"manual test"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":true`)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/safe-mode/exit", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active":false`)

	// Exiting again conflicts.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/safe-mode/exit", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInvariantsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/invariants/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"violations":[]`)
}

func TestIdentityUpdate(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/identity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var before struct {
		Version int    `json:"version"`
		Hash    string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))

	rec = doRequest(t, s, http.MethodPatch, "/api/v1/identity", `{"persona":"tutor"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var after struct {
		Version int    `json:"version"`
		Hash    string `json:"hash"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))

	assert.Equal(t, before.Version+1, after.Version)
	assert.NotEqual(t, before.Hash, after.Hash)
}
