package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/config"
	kilntest "github.com/kilnworks/kiln/internal/testing"
	"github.com/kilnworks/kiln/store"
)

type testEnv struct {
	srv   *Server
	store *store.Store
	rdb   *redis.Client
	bus   *bus.Bus
	mr    *miniredis.Miniredis
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.ServerConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		RatePerMinute:  6000,
		RateBurst:      100,
	})
}

func newTestEnvWithConfig(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(kilntest.CreateTestDB(t))
	b := bus.New(rdb, nil)
	return &testEnv{
		srv:   New(cfg, st, rdb, b, nil, nil),
		store: st,
		rdb:   rdb,
		bus:   b,
		mr:    mr,
	}
}

// createUser provisions a tenant and returns its plaintext API key.
func (e *testEnv) createUser(t *testing.T, id string, tier store.Tier) (*store.User, string) {
	t.Helper()
	key := "kiln_testkey_" + id
	user, err := e.store.CreateUser(id, tier, key)
	require.NoError(t, err)
	return user, key
}

func (e *testEnv) createProject(t *testing.T, id, ownerID string) {
	t.Helper()
	require.NoError(t, e.store.CreateProject(&store.Project{ID: id, OwnerID: ownerID, Name: id}))
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "body: %s", w.Body.String())
	return m
}

func compileBody(projectID string) map[string]interface{} {
	return map[string]interface{}{
		"project_id": projectID,
		"files": []map[string]string{
			{"name": "src/lib.rs", "content": "pub fn hello() {}"},
		},
	}
}

func deployBody(projectID string) map[string]interface{} {
	return map[string]interface{}{
		"project_id":  projectID,
		"wasm_base64": base64.StdEncoding.EncodeToString([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}),
		"network":     "testnet",
	}
}

func TestCompileRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/compile", "", compileBody("proj-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, w)["error"])
}

func TestCompileRejectsUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/compile", "kiln_bogus", compileBody("proj-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCompileSubmitsJob(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)
	env.createProject(t, "proj-1", "user-1")

	w := env.do(t, http.MethodPost, "/compile", key, compileBody("proj-1"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "queued", body["status"])
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)
	logs, _ := body["logs"].([]interface{})
	assert.Len(t, logs, 1, "response carries the seed record")

	job, err := env.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobTypeCompile, job.Type)
	assert.Equal(t, store.JobStatusQueued, job.Status)
	assert.Equal(t, "user-1", job.OwnerID)
	assert.Equal(t, "proj-1", job.ProjectID)

	entries, err := env.rdb.LRange(context.Background(), "kiln:q:compile:wait", 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1, "accepted job is on the broker")

	var env0 struct {
		JobID   string          `json:"job_id"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &env0))
	assert.Equal(t, jobID, env0.JobID)
	assert.Contains(t, string(env0.Payload), "src/lib.rs")
}

func TestCompileValidation(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)
	env.createProject(t, "proj-1", "user-1")

	t.Run("missing project_id", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/compile", key, map[string]interface{}{
			"files": []map[string]string{{"name": "a.rs", "content": "x"}},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "project_id is required", decodeBody(t, w)["error"])
	})

	t.Run("missing sources", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/compile", key, map[string]interface{}{
			"project_id": "proj-1",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "files or source_url is required", decodeBody(t, w)["error"])
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/compile", bytes.NewBufferString("{nope"))
		req.Header.Set("Authorization", "Bearer "+key)
		w := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCompileForeignProjectForbidden(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)
	env.createUser(t, "user-2", store.TierFree)
	env.createProject(t, "proj-2", "user-2")

	w := env.do(t, http.MethodPost, "/compile", key, compileBody("proj-2"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCompileUnknownProject(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)

	w := env.do(t, http.MethodPost, "/compile", key, compileBody("proj-missing"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeploySubmitsJob(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)
	env.createProject(t, "proj-1", "user-1")

	w := env.do(t, http.MethodPost, "/deploy", key, deployBody("proj-1"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	body := decodeBody(t, w)
	jobID, _ := body["job_id"].(string)
	require.NotEmpty(t, jobID)

	job, err := env.store.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobTypeDeploy, job.Type)

	waiting, err := env.rdb.LLen(context.Background(), "kiln:q:deploy:wait").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, waiting)
}

func TestDeployValidation(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)
	env.createProject(t, "proj-1", "user-1")

	t.Run("missing wasm", func(t *testing.T) {
		body := deployBody("proj-1")
		delete(body, "wasm_base64")
		w := env.do(t, http.MethodPost, "/deploy", key, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "wasm_base64 is required", decodeBody(t, w)["error"])
	})

	t.Run("invalid base64", func(t *testing.T) {
		body := deployBody("proj-1")
		body["wasm_base64"] = "!!! not base64 !!!"
		w := env.do(t, http.MethodPost, "/deploy", key, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "wasm_base64 is not valid base64", decodeBody(t, w)["error"])
	})

	t.Run("unknown network", func(t *testing.T) {
		body := deployBody("proj-1")
		body["network"] = "moonnet"
		w := env.do(t, http.MethodPost, "/deploy", key, body)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, decodeBody(t, w)["error"], "unknown network")
	})
}

func TestDeployQuotaExceeded(t *testing.T) {
	env := newTestEnv(t)
	user, key := env.createUser(t, "user-1", store.TierFree)
	env.createProject(t, "proj-1", "user-1")

	for i := 0; i < user.Deploy.Limit; i++ {
		require.NoError(t, env.store.IncrementDeployCounter("user-1"))
	}

	w := env.do(t, http.MethodPost, "/deploy", key, deployBody("proj-1"))
	require.Equal(t, http.StatusForbidden, w.Code)

	body := decodeBody(t, w)
	assert.Contains(t, body["error"], "quota exceeded")
	assert.EqualValues(t, user.Deploy.Limit, body["current"])
	assert.EqualValues(t, user.Deploy.Limit, body["limit"])

	waiting, err := env.rdb.LLen(context.Background(), "kiln:q:deploy:wait").Result()
	require.NoError(t, err)
	assert.Zero(t, waiting, "rejected submissions never reach the broker")
}

func TestGetJobConcealsForeign(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "user-1", store.TierFree)
	_, otherKey := env.createUser(t, "user-2", store.TierFree)

	job := store.NewJob(store.JobTypeCompile, "user-1", "proj-1")
	require.NoError(t, env.store.CreateJob(job))

	w := env.do(t, http.MethodGet, "/jobs/"+job.ID, otherKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "job not found", decodeBody(t, w)["error"])
}

func TestGetJobReturnsOwned(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)

	job := store.NewJob(store.JobTypeCompile, "user-1", "proj-1")
	require.NoError(t, env.store.CreateJob(job))

	w := env.do(t, http.MethodGet, "/jobs/"+job.ID, key, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	jobBody, _ := body["job"].(map[string]interface{})
	require.NotNil(t, jobBody)
	assert.Equal(t, job.ID, jobBody["id"])
	assert.Equal(t, "queued", jobBody["status"])
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createUser(t, "user-1", store.TierFree)
	env.createUser(t, "user-2", store.TierFree)

	j1 := store.NewJob(store.JobTypeCompile, "user-1", "proj-1")
	require.NoError(t, env.store.CreateJob(j1))
	j2 := store.NewJob(store.JobTypeDeploy, "user-1", "proj-1")
	require.NoError(t, env.store.CreateJob(j2))
	_, applied, err := env.store.CompleteJob(j2.ID, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.True(t, applied)
	foreign := store.NewJob(store.JobTypeCompile, "user-2", "proj-9")
	require.NoError(t, env.store.CreateJob(foreign))

	t.Run("scoped to caller", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/jobs", key, nil)
		require.Equal(t, http.StatusOK, w.Code)
		jobs, _ := decodeBody(t, w)["jobs"].([]interface{})
		assert.Len(t, jobs, 2)
	})

	t.Run("status filter", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/jobs?status=completed", key, nil)
		require.Equal(t, http.StatusOK, w.Code)
		jobs, _ := decodeBody(t, w)["jobs"].([]interface{})
		require.Len(t, jobs, 1)
	})

	t.Run("type filter", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/jobs?type=deploy", key, nil)
		require.Equal(t, http.StatusOK, w.Code)
		jobs, _ := decodeBody(t, w)["jobs"].([]interface{})
		assert.Len(t, jobs, 1)
	})

	t.Run("bad status", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/jobs?status=bogus", key, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad limit", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/jobs?limit=zero", key, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["store"])
	assert.Equal(t, "ok", body["broker"])
}

func TestHealthzDegradedWhenBrokerDown(t *testing.T) {
	env := newTestEnv(t)
	env.mr.Close()

	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "unreachable", body["broker"])
	assert.Equal(t, "ok", body["store"])
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createUser(t, "user-1", store.TierFree)

	job := store.NewJob(store.JobTypeCompile, "user-1", "proj-1")
	require.NoError(t, env.store.CreateJob(job))

	w := env.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["version"])

	queues, _ := body["queues"].(map[string]interface{})
	require.Contains(t, queues, "compile")
	require.Contains(t, queues, "deploy")

	jobs, _ := body["jobs"].(map[string]interface{})
	assert.EqualValues(t, 1, jobs["queued"])

	workers, ok := body["workers"].([]interface{})
	require.True(t, ok, "workers is always a list")
	assert.Empty(t, workers)
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnvWithConfig(t, config.ServerConfig{
		RatePerMinute: 60,
		RateBurst:     1,
	})
	_, key := env.createUser(t, "user-1", store.TierFree)
	env.createProject(t, "proj-1", "user-1")

	w := env.do(t, http.MethodPost, "/compile", key, compileBody("proj-1"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = env.do(t, http.MethodPost, "/compile", key, compileBody("proj-1"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate limit exceeded", decodeBody(t, w)["error"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/compile", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/compile", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/compile", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
