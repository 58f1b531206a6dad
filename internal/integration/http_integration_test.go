//go:build integration
// +build integration

package integration_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"segmentdl/internal/entity"
)

func TestHTTPRemuxAndDownload(t *testing.T) {
	fx := newFixture(t, "success", 6)

	snap := fx.createTask(t, fmt.Sprintf(`{"url":%q,"format":"remux","sinkMode":"direct","start":true}`, fx.origin))

	statusCode, dup := fx.do(t, http.MethodPost, "/v1/tasks", fmt.Sprintf(`{"url":%q,"format":"remux"}`, fx.origin))
	if statusCode != http.StatusOK {
		t.Fatalf("expected duplicate create status %d, got %d", http.StatusOK, statusCode)
	}

	if got := decodeSnapshot(t, dup).ID; got != snap.ID {
		t.Fatalf("expected duplicate task id %q, got %q", snap.ID, got)
	}

	done := fx.waitForStatus(t, snap.ID, 10*time.Second, entity.TaskStatusDone)

	art := done.Artifact
	if art == nil || art.Format != entity.FormatRemux || filepath.Ext(art.Path) != ".mp4" || art.Warning != "" {
		t.Fatalf("unexpected artifact %+v", art)
	}

	if _, err := os.Stat(strings.TrimSuffix(art.Path, ".mp4") + ".ts"); !os.IsNotExist(err) {
		t.Fatalf("expected raw artifact removed after remux, stat err %v", err)
	}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fx.url+"/v1/tasks/"+snap.ID+"/artifact", nil)
	if err != nil {
		t.Fatalf("new artifact request: %v", err)
	}

	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("do artifact request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected artifact status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, filepath.Base(art.Path)) {
		t.Fatalf("expected Content-Disposition with %q, got %q", filepath.Base(art.Path), cd)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	if want := "MP4" + payload(0, 1, 2, 3, 4, 5); string(body) != want {
		t.Fatalf("expected artifact %q, got %q", want, string(body))
	}
}

func TestHTTPRemuxFailureFallsBackToRaw(t *testing.T) {
	fx := newFixture(t, "fail", 4)

	snap := fx.createTask(t, fmt.Sprintf(`{"url":%q,"format":"remux","sinkMode":"buffered","startIndex":1,"start":true}`, fx.origin))
	done := fx.waitForStatus(t, snap.ID, 10*time.Second, entity.TaskStatusDone)

	art := done.Artifact
	if art == nil || art.Format != entity.FormatRaw || !strings.Contains(art.Warning, "remux failed") {
		t.Fatalf("expected raw artifact with remux warning, got %+v", art)
	}

	if !strings.Contains(art.Warning, "Invalid data found") {
		t.Fatalf("expected ffmpeg stderr in warning, got %q", art.Warning)
	}

	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read raw artifact: %v", err)
	}

	if want := payload(1, 2, 3); string(data) != want {
		t.Fatalf("expected raw artifact %q, got %q", want, string(data))
	}
}

func TestHTTPEventsFollowTask(t *testing.T) {
	fx := newFixture(t, "success", 8)

	snap := fx.createTask(t, fmt.Sprintf(`{"url":%q,"sinkMode":"direct","concurrency":3}`, fx.origin))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, fx.url+"/v1/tasks/"+snap.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new events request: %v", err)
	}

	resp, err := fx.client.Do(req)
	if err != nil {
		t.Fatalf("do events request: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() || sc.Text() != "event: snapshot" {
		t.Fatalf("expected snapshot event first, got %q", sc.Text())
	}

	if status, _ := fx.do(t, http.MethodPost, "/v1/tasks/"+snap.ID+"/start", ""); status != http.StatusAccepted {
		t.Fatalf("expected start status %d, got %d", http.StatusAccepted, status)
	}

	var (
		chunks int
		last   entity.ProgressEvent
	)

	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}

		var ev entity.ProgressEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.TaskID == "" {
			continue
		}

		if ev.Kind == entity.EventChunk {
			chunks++
		}

		last = ev
	}

	if chunks != 8 {
		t.Fatalf("expected 8 chunk events, got %d", chunks)
	}

	if last.Kind != entity.EventStatus || last.Status != entity.TaskStatusDone || last.Fraction != 1 {
		t.Fatalf("expected final done event, got %+v", last)
	}
}

func TestHTTPCancelRunningRemux(t *testing.T) {
	fx := newFixture(t, "slow", 3)

	snap := fx.createTask(t, fmt.Sprintf(`{"url":%q,"format":"remux","sinkMode":"direct","start":true}`, fx.origin))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, cur := fx.getTask(t, snap.ID)
		if cur.FinishedCount == 3 {
			break
		}

		time.Sleep(25 * time.Millisecond)
	}

	start := time.Now()

	status, _ := fx.do(t, http.MethodDelete, "/v1/tasks/"+snap.ID, "")
	if status != http.StatusOK {
		t.Fatalf("expected cancel status %d, got %d", http.StatusOK, status)
	}

	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("cancel waited for the remux to finish: %v", elapsed)
	}

	if status, _ := fx.getTask(t, snap.ID); status != http.StatusNotFound {
		t.Fatalf("expected cancelled task to be gone, got %d", status)
	}

	entries, err := os.ReadDir(fx.cfg.Dir.Downloads)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read downloads: %v", err)
	}

	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".mp4" {
			t.Fatalf("unexpected remux output %q after cancel", e.Name())
		}
	}
}
