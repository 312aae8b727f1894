package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qgswps/internal/executor"
	"github.com/3liz/qgswps/internal/ogcapi"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/processing/builtin"
	"github.com/3liz/qgswps/internal/request"
	"github.com/3liz/qgswps/internal/server"
	"github.com/3liz/qgswps/internal/service"
	"github.com/3liz/qgswps/internal/store"
	"github.com/3liz/qgswps/internal/wps"
)

// startStack runs the whole server on an in-process worker pool.
func startStack(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := t.Context()

	cfg := testConfig()
	cfg.Server.Workdir = t.TempDir()
	cfg.Server.ResponseTimeout = time.Minute
	cfg.Server.ParallelProcesses = 2

	st := store.NewMemory()
	cat := processing.NewCatalogue([]processing.Engine{builtin.New()}, processing.Options{})
	require.NoError(t, cat.Load(ctx))
	renderers := request.Renderers{
		request.ServiceWPS: wps.Renderer,
		request.ServiceOGC: ogcapi.Renderer,
	}

	ep, err := service.NewEndpoints(t.TempDir())
	require.NoError(t, err)
	pcfg := service.NewPoolConfig(cfg.Server, ep)
	pcfg.GraceTimeout = time.Second
	w := executor.Worker{Store: st, Catalogue: cat, Renderers: renderers}
	svc, err := service.Start(ctx, pcfg, service.Options{
		Timeout: cfg.Server.ResponseTimeout,
		Spawner: service.InProcessSpawner{Worker: func(c service.WorkerConfig) service.WorkerConfig {
			c.Handlers = w.Handlers()
			return c
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Ready(rctx, cfg.Server.ParallelProcesses))

	exec, err := executor.New(executor.Config{
		Server:    cfg.Server,
		Store:     st,
		Catalogue: cat,
		Pool:      executor.ServicePool{Service: svc},
		Renderers: renderers,
	})
	require.NoError(t, err)
	require.NoError(t, exec.Start(ctx))
	t.Cleanup(func() { _ = exec.Close() })

	srv, err := server.New(ctx, cfg, exec, st, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func TestStack_SyncExecution(t *testing.T) {
	t.Parallel()
	ts := startStack(t)

	resp, body := post(t, ts, "/processes/ultimate_question/execution", `{"inputs":{}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.JSONEq(t, `{"outvalue":42}`, string(body))
	require.NotEmpty(t, resp.Header.Get("X-Job-Id"))

	resp, body = do(t, ts, http.MethodGet, "/ows/?SERVICE=WPS&VERSION=1.0.0&REQUEST=Execute&IDENTIFIER=greeter&DATAINPUTS=name=foo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Contains(t, string(body), "Hello foo!")
	require.Contains(t, string(body), "ProcessSucceeded")
}

func TestStack_AsyncExecution(t *testing.T) {
	t.Parallel()
	ts := startStack(t)
	proxy := http.Header{"X-Forwarded-Url": {"https://proxy.example/wps/"}}

	header := http.Header{"Prefer": {"respond-async"}}
	for k, v := range proxy {
		header[k] = v
	}
	resp, body := post(t, ts, "/processes/sleep/execution", `{"inputs":{"delay":0.2}}`, header)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	jobID := resp.Header.Get("X-Job-Id")
	require.Equal(t, "https://proxy.example/wps/jobs/"+jobID, resp.Header.Get("Location"))
	require.Contains(t, resp.Header.Get("Preference-Applied"), "respond-async")

	var info ogcapi.StatusInfo
	require.Eventually(t, func() bool {
		resp, body := do(t, ts, http.MethodGet, "/jobs/"+jobID, proxy)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		info = ogcapi.StatusInfo{}
		require.NoError(t, json.Unmarshal(body, &info))
		return info.Status == "successful"
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, "sleep", info.ProcessID)
	require.Equal(t, 100, info.Progress)
	require.True(t, strings.HasPrefix(info.StatusURL, "https://proxy.example/wps/"), info.StatusURL)

	resp, body = do(t, ts, http.MethodGet, "/jobs/"+jobID+"/results", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, decode(t, body), "duration")

	resp, body = do(t, ts, http.MethodGet, "/status/"+jobID, proxy)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode(t, body)["status"].(map[string]any)
	require.Equal(t, "https://proxy.example/wps/jobs/"+jobID, status["status_url"])
}

func TestStack_DeleteRunningJob(t *testing.T) {
	t.Parallel()
	ts := startStack(t)

	resp, body := post(t, ts, "/processes/sleep/execution", `{"inputs":{"delay":0.5}}`, http.Header{"Prefer": {"respond-async"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	jobID := resp.Header.Get("X-Job-Id")

	resp, _ = do(t, ts, http.MethodDelete, "/status/"+jobID, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	require.Eventually(t, func() bool {
		resp, _ := do(t, ts, http.MethodDelete, "/status/"+jobID, nil)
		return resp.StatusCode == http.StatusNoContent
	}, 5*time.Second, 50*time.Millisecond)

	resp, _ = do(t, ts, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStack_Files(t *testing.T) {
	t.Parallel()
	ts := startStack(t)

	resp, body := post(t, ts, "/processes/write_file/execution", `{"inputs":{"content":"hello","filename":"hello.txt"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	jobID := resp.Header.Get("X-Job-Id")
	var results struct {
		Output struct {
			Href string `json:"href"`
			Type string `json:"type"`
		} `json:"output"`
	}
	require.NoError(t, json.Unmarshal(body, &results))
	require.Equal(t, "text/plain", results.Output.Type)
	href, err := url.Parse(results.Output.Href)
	require.NoError(t, err)
	require.Equal(t, "/store/"+jobID+"/hello.txt", href.Path)

	resp, body = do(t, ts, http.MethodGet, href.Path, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(body))

	resp, body = do(t, ts, http.MethodGet, "/store/"+jobID+"/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "hello.txt")

	resp, body = do(t, ts, http.MethodPut, href.Path+"?COMMAND=GETURL", http.Header{"X-Forwarded-Url": {ts.URL}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	link := decode(t, body)["link"].(map[string]any)
	dnl := strings.TrimPrefix(link["href"].(string), ts.URL)

	resp, body = do(t, ts, http.MethodGet, dnl, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", string(body))
}
