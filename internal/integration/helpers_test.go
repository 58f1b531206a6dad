//go:build integration
// +build integration

package integration_test

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"segmentdl/internal/config"
	"segmentdl/internal/depmanager"
	"segmentdl/internal/entity"
	httprouter "segmentdl/internal/infrastructure/delivery/http"
	"segmentdl/internal/intercept"
	"segmentdl/internal/observability"
	"segmentdl/internal/remux"
	"segmentdl/internal/service"
	"segmentdl/pkg/logger"
)

//go:embed testdata/fake-ffmpeg.sh
var fakeFFmpegScript string

type fixture struct {
	cfg    *config.Config
	deps   *depmanager.Manager
	remux  *remux.FFmpeg
	engine service.Engine
	client *http.Client
	url    string
	origin string
}

// newFixture runs the HTTP surface over an engine whose remux step uses a
// fake ffmpeg installed into BinsDir. mode selects its behavior.
func newFixture(t *testing.T, mode string, chunks int) *fixture {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg helper is a shell script")
	}

	t.Setenv("SEGMENTDL_FAKE_FFMPEG_MODE", mode)

	baseDir := t.TempDir()

	cfg, err := config.New()
	if err != nil {
		t.Fatalf("config new: %v", err)
	}

	cfg.DepManager.BinsDir = filepath.Join(baseDir, "bins")
	cfg.DepManager.UseSystemBinaries = false
	cfg.Dir.Downloads = filepath.Join(baseDir, "downloads")
	cfg.Dir.Spool = filepath.Join(baseDir, "spool")
	cfg.Storage.CleanupInterval = time.Hour
	cfg.Engine.RetryBaseDelay = time.Millisecond
	cfg.Engine.RetryMaxDelay = 5 * time.Millisecond
	cfg.Proxy.Proxies = nil

	if err := os.MkdirAll(cfg.DepManager.BinsDir, 0o755); err != nil {
		t.Fatalf("mkdir bins dir: %v", err)
	}

	log := logger.Discard()
	depMgr := depmanager.New(log, cfg.DepManager)

	for _, bin := range []depmanager.BinaryName{depmanager.BinaryFFmpeg, depmanager.BinaryFFprobe} {
		if err := os.WriteFile(depMgr.GetBinaryPath(bin), []byte(fakeFFmpegScript), 0o755); err != nil {
			t.Fatalf("write fake %s: %v", bin, err)
		}
	}

	if err := depMgr.Start(t.Context()); err != nil {
		t.Fatalf("dep manager start: %v", err)
	}

	remuxer := remux.New(log, func() string { return depMgr.GetInstalledPath(depmanager.BinaryFFmpeg) })

	reg := observability.NewRegistry()
	metrics := observability.New(reg)
	registry := intercept.NewRegistry()

	eng := service.New(t.Context(), cfg, log, service.Deps{
		Registry: registry,
		Remuxer:  remuxer,
		Metrics:  metrics,
	})
	eng.Run(t.Context())

	router := httprouter.New(log, eng, httprouter.Options{
		HandlerTimeout: 5 * time.Second,
		Registry:       registry,
		Gatherer:       reg,
		Metrics:        metrics,
	})
	server := httptest.NewServer(router)

	client := server.Client()
	client.Timeout = 10 * time.Second

	t.Cleanup(func() {
		server.Close()
		eng.Close()
	})

	return &fixture{
		cfg:    cfg,
		deps:   depMgr,
		remux:  remuxer,
		engine: eng,
		client: client,
		url:    server.URL,
		origin: newOrigin(t, chunks),
	}
}

func newOrigin(t *testing.T, n int) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/vod/master.m3u8" {
			_, _ = io.WriteString(w, "#EXTM3U\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n"+
				"#EXT-X-STREAM-INF:BANDWIDTH=2400000\nhigh/index.m3u8\n")

			return
		}

		if strings.HasSuffix(r.URL.Path, "/index.m3u8") {
			var b strings.Builder
			b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n")

			for i := range n {
				fmt.Fprintf(&b, "#EXTINF:4.000,\nseg%03d.ts\n", i)
			}

			b.WriteString("#EXT-X-ENDLIST\n")
			_, _ = io.WriteString(w, b.String())

			return
		}

		dir, file := path.Split(strings.TrimPrefix(r.URL.Path, "/vod/"))

		var idx int
		if _, err := fmt.Sscanf(file, "seg%d.ts", &idx); err != nil {
			http.NotFound(w, r)

			return
		}

		fmt.Fprintf(w, "%s:%d;", strings.TrimSuffix(dir, "/"), idx)
	}))
	t.Cleanup(srv.Close)

	return srv.URL + "/vod/master.m3u8"
}

func payload(chunks ...int) string {
	var b strings.Builder
	for _, i := range chunks {
		fmt.Fprintf(&b, "low:%d;", i)
	}

	return b.String()
}

type apiResponse struct {
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (fx *fixture) do(t *testing.T, method, target, body string) (int, apiResponse) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, fx.url+target, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, decodeAPIResponse(t, resp)
}

func (fx *fixture) createTask(t *testing.T, body string) entity.Snapshot {
	t.Helper()

	status, resp := fx.do(t, http.MethodPost, "/v1/tasks", body)
	if status != http.StatusCreated {
		t.Fatalf("expected create status %d, got %d: %+v", http.StatusCreated, status, resp)
	}

	return decodeSnapshot(t, resp)
}

func (fx *fixture) getTask(t *testing.T, id string) (int, entity.Snapshot) {
	t.Helper()

	status, resp := fx.do(t, http.MethodGet, "/v1/tasks/"+id, "")
	if status != http.StatusOK {
		return status, entity.Snapshot{}
	}

	return status, decodeSnapshot(t, resp)
}

func (fx *fixture) waitForStatus(t *testing.T, id string, timeout time.Duration, want entity.TaskStatus) entity.Snapshot {
	t.Helper()

	deadline := time.Now().Add(timeout)

	var last entity.Snapshot

	for time.Now().Before(deadline) {
		status, snap := fx.getTask(t, id)
		if status == http.StatusOK {
			last = snap
			if snap.Status == want {
				return snap
			}
		}

		time.Sleep(25 * time.Millisecond)
	}

	t.Fatalf("wait for task status %q timed out, last status %q (%s)", want, last.Status, last.Error)

	return entity.Snapshot{}
}

func decodeAPIResponse(t *testing.T, resp *http.Response) apiResponse {
	t.Helper()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}

	var decoded apiResponse
	if len(body) == 0 {
		return decoded
	}

	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal response body: %v body=%q", err, string(body))
	}

	return decoded
}

func decodeSnapshot(t *testing.T, resp apiResponse) entity.Snapshot {
	t.Helper()

	var snap entity.Snapshot
	if err := json.Unmarshal(resp.Data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	if snap.ID == "" {
		t.Fatalf("snapshot id is empty")
	}

	return snap
}
