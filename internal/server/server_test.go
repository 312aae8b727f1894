package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/policy"
	"github.com/3liz/qgswps/internal/processing/builtin"
	"github.com/3liz/qgswps/internal/server"
	"github.com/3liz/qgswps/internal/store"
)

type fakeExecutor struct {
	procs   []model.Process
	workdir string

	mx      sync.Mutex
	records map[string]*model.JobRecord
	deleted []string
	notYet  error
}

func newFakeExecutor(t *testing.T) *fakeExecutor {
	t.Helper()
	procs, err := builtin.New().Enumerate(t.Context())
	require.NoError(t, err)
	return &fakeExecutor{procs: procs, workdir: t.TempDir(), records: map[string]*model.JobRecord{}}
}

func (f *fakeExecutor) ListProcesses() []model.Process { return f.procs }

func (f *fakeExecutor) GetProcesses(_ context.Context, ids []string, _ string) ([]model.Process, error) {
	var out []model.Process
	for _, id := range ids {
		found := false
		for _, p := range f.procs {
			if p.Identifier == id {
				out = append(out, p)
				found = true
			}
		}
		if !found {
			return nil, model.UnknownProcess(id)
		}
	}
	return out, nil
}

func (f *fakeExecutor) Execute(context.Context, model.ExecuteArgs) (model.Document, error) {
	return model.Document{ContentType: "application/json", Body: []byte(`{}`)}, nil
}

func (f *fakeExecutor) GetStatus(_ context.Context, id string) (*model.JobRecord, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if rec, ok := f.records[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeExecutor) ListStatus(context.Context) ([]model.JobRecord, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]model.JobRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (f *fakeExecutor) GetResults(context.Context, string) ([]byte, error) { return nil, nil }

func (f *fakeExecutor) Dismiss(_ context.Context, id string) (model.JobRecord, error) {
	return model.JobRecord{UUID: id, Status: model.StatusDismissed}, nil
}

func (f *fakeExecutor) Pin(_ context.Context, id string, pin bool) (model.JobRecord, error) {
	return model.JobRecord{UUID: id, Pinned: pin}, nil
}

func (f *fakeExecutor) Delete(_ context.Context, id string, force bool) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return model.NotFound("Job %s not found", id)
	}
	if !rec.Status.Terminal() && !force {
		return model.NoApplicableCode(http.StatusConflict, "Job %s is still running", id)
	}
	delete(f.records, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeExecutor) Workdir(id string) string { return filepath.Join(f.workdir, id) }

func (f *fakeExecutor) Ready(context.Context) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.notYet
}

// addJob registers a job and writes files into its workdir.
func (f *fakeExecutor) addJob(t *testing.T, rec model.JobRecord, files map[string]string) {
	t.Helper()
	f.mx.Lock()
	f.records[rec.UUID] = &rec
	f.mx.Unlock()
	for name, content := range files {
		path := filepath.Join(f.Workdir(rec.UUID), filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Metadata.Title = "Test WPS"
	cfg.Server.DownloadTTL = time.Minute
	return cfg
}

func serve(t *testing.T, cfg model.Config, exec server.Executor, pol *policy.Policy) *httptest.Server {
	t.Helper()
	srv, err := server.New(t.Context(), cfg, exec, store.NewMemory(), pol)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, ts.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestProbes(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(t)
	ts := serve(t, testConfig(), exec, nil)

	resp, body := do(t, ts, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = do(t, ts, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	exec.mx.Lock()
	exec.notYet = errors.New("no worker connected")
	exec.mx.Unlock()
	resp, body = do(t, ts, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "not_ready", decode(t, body)["status"])
}

func TestLandingPage(t *testing.T) {
	t.Parallel()
	ts := serve(t, testConfig(), newFakeExecutor(t), nil)

	resp, body := do(t, ts, http.MethodGet, "/", http.Header{"X-Forwarded-Url": {"https://maps.example/wps"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Title string `json:"title"`
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	}
	require.NoError(t, json.Unmarshal(body, &page))
	require.Equal(t, "Test WPS", page.Title)
	hrefs := map[string]string{}
	for _, l := range page.Links {
		hrefs[l.Rel] = l.Href
	}
	require.Equal(t, "https://maps.example/wps/", hrefs["self"])
	require.Equal(t, "https://maps.example/wps/api", hrefs["service-desc"])
	require.Equal(t, "https://maps.example/wps/ows/?SERVICE=WPS&REQUEST=GetCapabilities", hrefs["alternate"])
}

func TestPublicURL(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(t)
	exec.addJob(t, model.JobRecord{UUID: "job1", Identifier: "greeter", Service: "OGC", Status: model.StatusSucceeded}, nil)

	var testCases = []struct {
		scenario  string
		hostProxy string
		header    http.Header
		then      string
	}{
		{scenario: "forwarded url", header: http.Header{"X-Forwarded-Url": {"https://proxy.example/wps/"}}, then: "https://proxy.example/wps/jobs/job1"},
		{scenario: "forwarded url without slash", header: http.Header{"X-Forwarded-Url": {"https://proxy.example/wps"}}, then: "https://proxy.example/wps/jobs/job1"},
		{scenario: "host proxy", hostProxy: "http://configured.example/ows", then: "http://configured.example/ows/jobs/job1"},
		{scenario: "header wins over host proxy", hostProxy: "http://configured.example/", header: http.Header{"X-Forwarded-Url": {"https://proxy.example/"}}, then: "https://proxy.example/jobs/job1"},
		{scenario: "forwarded proto", header: http.Header{"X-Forwarded-Proto": {"https"}}, then: "https://"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.HostProxy = tc.hostProxy
			ts := serve(t, cfg, exec, nil)

			resp, body := do(t, ts, http.MethodGet, "/status/job1", tc.header)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			status := decode(t, body)["status"].(map[string]any)
			require.True(t, strings.HasPrefix(status["status_url"].(string), tc.then), status["status_url"])
		})
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		setting  string
		then     string
	}{
		{scenario: "disabled", setting: "no", then: ""},
		{scenario: "any origin", setting: "yes", then: "*"},
		{scenario: "echo", setting: "echo", then: "https://app.example"},
		{scenario: "fixed origin", setting: "https://other.example", then: "https://other.example"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.CrossOrigin = tc.setting
			ts := serve(t, cfg, newFakeExecutor(t), nil)

			resp, _ := do(t, ts, http.MethodGet, "/healthz", http.Header{"Origin": {"https://app.example"}})
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, tc.then, resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}

	t.Run("preflight", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.CrossOrigin = "yes"
		ts := serve(t, cfg, newFakeExecutor(t), nil)

		resp, _ := do(t, ts, http.MethodOptions, "/processes/greeter/execution", http.Header{
			"Origin":                        {"https://app.example"},
			"Access-Control-Request-Method": {"POST"},
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
		require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Prefer")
	})
}

func TestRequestID(t *testing.T) {
	t.Parallel()
	ts := serve(t, testConfig(), newFakeExecutor(t), nil)

	resp, _ := do(t, ts, http.MethodGet, "/healthz", http.Header{"X-Request-Id": {"abc-123"}})
	require.Equal(t, "abc-123", resp.Header.Get("X-Request-Id"))

	resp, _ = do(t, ts, http.MethodGet, "/healthz", nil)
	require.Len(t, resp.Header.Get("X-Request-Id"), 36)
}

func TestAPI(t *testing.T) {
	t.Parallel()
	ts := serve(t, testConfig(), newFakeExecutor(t), nil)

	resp, body := do(t, ts, http.MethodGet, "/api", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/vnd.oai.openapi+json")
	doc := decode(t, body)
	require.Equal(t, "3.0.3", doc["openapi"])
	require.Contains(t, doc["paths"], "/processes/{processId}/execution")

	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	resp, _ = do(t, ts, http.MethodGet, "/api", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	ts := serve(t, testConfig(), newFakeExecutor(t), nil)

	resp, body := do(t, ts, http.MethodGet, "/nowhere", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	require.EqualValues(t, 404, decode(t, body)["status"])

	resp, _ = do(t, ts, http.MethodPatch, "/jobs", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatus_Realms(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(t)
	exec.addJob(t, model.JobRecord{UUID: "job1", Service: "WPS", Realm: "alice", Status: model.StatusSucceeded}, nil)
	exec.addJob(t, model.JobRecord{UUID: "job2", Service: "OGC", Realm: "bob", Status: model.StatusSucceeded}, nil)
	exec.addJob(t, model.JobRecord{UUID: "job3", Service: "OGC", Realm: "alice", Status: model.StatusStarted}, nil)

	cfg := testConfig()
	cfg.Server.EnableJobRealm = true
	cfg.Server.AdminRealm = "root"
	ts := serve(t, cfg, exec, nil)

	list := func(realm string) []string {
		resp, body := do(t, ts, http.MethodGet, "/status/", http.Header{"X-Job-Realm": {realm}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Status []struct {
				UUID string `json:"uuid"`
			} `json:"status"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		var ids []string
		for _, s := range out.Status {
			ids = append(ids, s.UUID)
		}
		return ids
	}
	require.ElementsMatch(t, []string{"job1", "job3"}, list("alice"))
	require.ElementsMatch(t, []string{"job2"}, list("bob"))
	require.ElementsMatch(t, []string{"job1", "job2", "job3"}, list("root"))

	resp, body := do(t, ts, http.MethodGet, "/status/job1", http.Header{"X-Job-Realm": {"alice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode(t, body)["status"].(map[string]any)
	require.True(t, strings.HasSuffix(status["status_url"].(string), "ows/?REQUEST=GetResults&SERVICE=WPS&UUID=job1"))
	require.True(t, strings.HasSuffix(status["store_url"].(string), "store/job1/"))

	resp, _ = do(t, ts, http.MethodGet, "/status/job1", http.Header{"X-Job-Realm": {"bob"}})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/status/unknown", http.Header{"X-Job-Realm": {"root"}})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatus_Delete(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(t)
	exec.addJob(t, model.JobRecord{UUID: "done", Status: model.StatusSucceeded}, nil)
	exec.addJob(t, model.JobRecord{UUID: "busy", Status: model.StatusStarted}, nil)
	ts := serve(t, testConfig(), exec, nil)

	resp, _ := do(t, ts, http.MethodDelete, "/status/done", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodDelete, "/status/busy", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodDelete, "/status/busy?force=true", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	exec.mx.Lock()
	require.Equal(t, []string{"done", "busy"}, exec.deleted)
	exec.mx.Unlock()

	resp, _ = do(t, ts, http.MethodDelete, "/status/done", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPolicy(t *testing.T) {
	t.Parallel()
	pol, err := policy.New(policy.File{
		Rules: policy.Rules{Deny: []string{"sleep", "fail"}},
		Users: map[string]policy.Rules{"alice": {Allow: []string{"sleep"}}},
	})
	require.NoError(t, err)
	ts := serve(t, testConfig(), newFakeExecutor(t), pol)

	ids := func(header http.Header) []string {
		resp, body := do(t, ts, http.MethodGet, "/processes", header)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Processes []struct {
				ID string `json:"id"`
			} `json:"processes"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		var ids []string
		for _, p := range out.Processes {
			ids = append(ids, p.ID)
		}
		return ids
	}
	anonymous := ids(nil)
	require.Contains(t, anonymous, "greeter")
	require.NotContains(t, anonymous, "sleep")
	require.NotContains(t, anonymous, "fail")

	alice := ids(http.Header{policy.HeaderUser: {"alice"}})
	require.Contains(t, alice, "sleep")
	require.NotContains(t, alice, "fail")

	resp, _ := do(t, ts, http.MethodGet, "/processes/sleep", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodGet, "/processes/sleep", http.Header{policy.HeaderUser: {"alice"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStore(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(t)
	exec.addJob(t, model.JobRecord{
		UUID:        "job1",
		Status:      model.StatusSucceeded,
		OutputFiles: []string{"out.json"},
	}, map[string]string{
		"out.json":       `{"answer": 42}`,
		"sub/notes.txt":  "some notes",
		"processing.log": "log line\n",
	})
	ts := serve(t, testConfig(), exec, nil)

	t.Run("listing", func(t *testing.T) {
		resp, body := do(t, ts, http.MethodGet, "/store/job1/", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out struct {
			Links []struct {
				Href  string `json:"href"`
				Rel   string `json:"rel"`
				Type  string `json:"type"`
				Title string `json:"title"`
			} `json:"links"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		types := map[string]string{}
		for _, l := range out.Links {
			if l.Rel == "item" {
				types[l.Title] = l.Type
			}
		}
		require.Len(t, types, 3)
		require.Equal(t, "application/json", types["out.json"])
		require.Contains(t, types["sub/notes.txt"], "text/plain")
	})

	var testCases = []struct {
		scenario string
		path     string
		status   int
		body     string
	}{
		{scenario: "file", path: "/store/job1/out.json", status: http.StatusOK, body: `{"answer": 42}`},
		{scenario: "nested file", path: "/store/job1/sub/notes.txt", status: http.StatusOK, body: "some notes"},
		{scenario: "missing file", path: "/store/job1/none.txt", status: http.StatusNotFound},
		{scenario: "directory", path: "/store/job1/sub", status: http.StatusNotFound},
		{scenario: "unknown job", path: "/store/job2/out.json", status: http.StatusNotFound},
		{scenario: "escaping the workdir", path: "/store/job1/..%2F..%2Fetc%2Fpasswd", status: http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			resp, body := do(t, ts, http.MethodGet, tc.path, nil)
			require.Equal(t, tc.status, resp.StatusCode, string(body))
			if tc.body != "" {
				require.Equal(t, tc.body, string(body))
			}
		})
	}
}

func TestDownloadURL(t *testing.T) {
	t.Parallel()
	exec := newFakeExecutor(t)
	exec.addJob(t, model.JobRecord{
		UUID:        "job1",
		Realm:       "alice",
		Status:      model.StatusSucceeded,
		OutputFiles: []string{"out.txt"},
	}, map[string]string{
		"out.txt":        "result",
		"processing.log": "log line\n",
	})

	cfg := testConfig()
	cfg.Server.EnableJobRealm = true
	ts := serve(t, cfg, exec, nil)
	alice := http.Header{"X-Job-Realm": {"alice"}, "X-Forwarded-Url": {ts.URL}}

	geturl := func(name string) string {
		t.Helper()
		resp, body := do(t, ts, http.MethodPut, "/store/job1/"+name+"?COMMAND=GETURL", alice)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		link := decode(t, body)["link"].(map[string]any)
		require.Equal(t, name, link["title"])
		return strings.TrimPrefix(link["href"].(string), ts.URL)
	}

	t.Run("download", func(t *testing.T) {
		href := geturl("out.txt")
		require.True(t, strings.HasPrefix(href, "/dnl/"), href)
		resp, body := do(t, ts, http.MethodGet, href, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "result", string(body))
	})

	t.Run("not an output file", func(t *testing.T) {
		resp, _ := do(t, ts, http.MethodGet, geturl("processing.log"), nil)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unknown token", func(t *testing.T) {
		resp, _ := do(t, ts, http.MethodGet, "/dnl/nope", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("other realm", func(t *testing.T) {
		resp, _ := do(t, ts, http.MethodPut, "/store/job1/out.txt?COMMAND=GETURL", http.Header{"X-Job-Realm": {"bob"}})
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("missing command", func(t *testing.T) {
		resp, body := do(t, ts, http.MethodPut, "/store/job1/out.txt", alice)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, string(model.CodeInvalidParameterValue), decode(t, body)["title"])
	})
}

func TestWebUI(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	cfg := testConfig()
	cfg.Server.WebUIDir = dir
	ts := serve(t, cfg, newFakeExecutor(t), nil)

	resp, body := do(t, ts, http.MethodGet, "/ui/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html></html>", string(body))
	require.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	resp, _ = do(t, ts, http.MethodGet, "/ui/app.js", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/javascript; charset=utf-8", resp.Header.Get("Content-Type"))
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	resp, _ = do(t, ts, http.MethodGet, "/ui/app.js", http.Header{"If-None-Match": {etag}})
	require.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, _ = do(t, ts, http.MethodGet, "/ui/missing.css", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
