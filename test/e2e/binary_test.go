package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// buildBinaries compiles the coordinator and the engine once per test run.
func buildBinaries(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "easel-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		root := findRepoRoot(t)
		for _, name := range []string{"easel", "easel-engine"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
			cmd.Dir = root
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", name, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return binDir
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

func startProcess(t *testing.T, out *lockedBuffer, name string, env []string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})
}

// startStack runs easel-engine on a unix socket and easel pointed at it.
// env is added to easel's environment.
func startStack(t *testing.T, env ...string) (url string, logs *lockedBuffer) {
	t.Helper()
	bin := buildBinaries(t)
	dir := t.TempDir()
	sock := filepath.Join(dir, "engine.sock")

	engineOut := &lockedBuffer{}
	startProcess(t, engineOut, filepath.Join(bin, "easel-engine"), nil,
		"-listen", "unix://"+sock, "-step-delay", "1ms")

	deadline := time.Now().Add(startupTimeout)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine did not start\n%s", engineOut.String())
		}
		time.Sleep(pollInterval)
	}

	addr := freeAddr(t)
	logs = &lockedBuffer{}
	startProcess(t, logs, filepath.Join(bin, "easel"), append([]string{
		"EASEL_LISTEN_ADDR=" + addr,
		"EASEL_DB_PATH=" + filepath.Join(dir, "easel.db"),
		"EASEL_ENGINE_ADDR=unix://" + sock,
		"EASEL_LOG_LEVEL=info",
	}, env...))

	url = "http://" + addr
	for time.Now().Before(deadline.Add(startupTimeout)) {
		resp, err := http.Get(url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return url, logs
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("easel did not become ready\n%s", logs.String())
	return "", nil
}

func pollTask(t *testing.T, url, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url + "/v1/render/" + id)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		var task map[string]any
		json.NewDecoder(resp.Body).Decode(&task)
		resp.Body.Close()
		switch task["status"] {
		case "completed", "failed", "stopped":
			return task
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %s did not finish", id)
	return nil
}

func TestBinaryRemoteEngineDefault(t *testing.T) {
	url, _ := startStack(t)

	resp, err := http.Get(url + "/v1/backends")
	if err != nil {
		t.Fatalf("GET /v1/backends: %v", err)
	}
	defer resp.Body.Close()

	var infos []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	defaults := map[string]bool{}
	for _, info := range infos {
		defaults[info["name"].(string)] = info["default"].(bool)
	}
	if !defaults["remote"] {
		t.Errorf("backends = %v, want remote registered as default", infos)
	}
	if _, ok := defaults["synthetic"]; !ok {
		t.Errorf("backends = %v, want synthetic registered", infos)
	}
}

func TestBinaryRenderSavesFilteredImages(t *testing.T) {
	saveRoot := t.TempDir()
	url, _ := startStack(t, "EASEL_SAVE_ROOT="+saveRoot)

	body := `{
		"prompt": "a lighthouse at dusk",
		"width": 64, "height": 64, "num_inference_steps": 8, "seed": 7,
		"output_format": "png",
		"session_id": "e2e session",
		"save_to_disk_path": "lighthouses",
		"use_upscale": "RealESRGAN_x4plus"
	}`
	resp, err := http.Post(url+"/v1/render", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	var submitted map[string]any
	json.NewDecoder(resp.Body).Decode(&submitted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	task := pollTask(t, url, submitted["id"].(string))
	if task["status"] != "completed" {
		t.Fatalf("status = %v, error = %v", task["status"], task["error"])
	}

	sessionDir := filepath.Join(saveRoot, "lighthouses", "e2e_session")
	sidecars, _ := filepath.Glob(filepath.Join(sessionDir, "*.txt"))
	filtered, _ := filepath.Glob(filepath.Join(sessionDir, "*_filtered.png"))
	all, _ := filepath.Glob(filepath.Join(sessionDir, "*.png"))
	if len(sidecars) != 1 || len(filtered) != 1 || len(all) != 2 {
		t.Fatalf("saved %d sidecars, %d filtered, %d png; want 1, 1, 2", len(sidecars), len(filtered), len(all))
	}

	f, err := os.Open(filtered[0])
	if err != nil {
		t.Fatalf("open filtered: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 128 {
		t.Errorf("filtered size = %dx%d, want 128x128", b.Dx(), b.Dy())
	}

	meta, err := os.ReadFile(sidecars[0])
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if !strings.Contains(string(meta), "a lighthouse at dusk") || !strings.Contains(string(meta), "seed: 7") {
		t.Errorf("sidecar missing prompt or seed:\n%s", meta)
	}
}

func TestBinaryStructuredJSONLogs(t *testing.T) {
	url, logs := startStack(t)

	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	// Give the request log line a moment to be written.
	time.Sleep(100 * time.Millisecond)

	scanner := bufio.NewScanner(strings.NewReader(logs.String()))
	var sawRequest bool
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Errorf("log line is not JSON: %s", scanner.Text())
			continue
		}
		if entry["msg"] == "request" && entry["path"] == "/healthz" {
			sawRequest = true
		}
	}
	if !sawRequest {
		t.Errorf("no request log for /healthz in:\n%s", logs.String())
	}
}
