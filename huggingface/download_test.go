package huggingface

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// fakeHub bedient /{repo}/resolve/{rev}/{file} aus files und zaehlt Anfragen.
type fakeHub struct {
	mu       sync.Mutex
	files    map[string]string
	requests map[string]int
	auth     string
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.requests[r.URL.Path]++
	h.auth = r.Header.Get("Authorization")

	name := strings.TrimPrefix(r.URL.Path, "/org/asr/resolve/main/")
	body, ok := h.files[name]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(body))
}

func newFakeHub(t *testing.T, files map[string]string) (*fakeHub, *httptest.Server) {
	t.Helper()
	hub := &fakeHub{files: files, requests: make(map[string]int)}
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv
}

func TestSnapshotShardedModel(t *testing.T) {
	hub, srv := newFakeHub(t, map[string]string{
		"config.json":                  `{"architectures": ["Qwen3ASRForConditionalGeneration"]}`,
		"model.safetensors.index.json": `{"weight_map": {"a": "model-00001-of-00002.safetensors", "b": "model-00002-of-00002.safetensors", "c": "model-00001-of-00002.safetensors"}}`,
		"model-00001-of-00002.safetensors": "shard1",
		"model-00002-of-00002.safetensors": "shard2",
		"vocab.json":                       "{}",
	})

	c := NewClient(WithBaseURL(srv.URL), WithCacheDir(t.TempDir()), WithToken("secret"), WithOffline(false))
	dir, err := c.Snapshot(context.Background(), "org/asr", "")
	if err != nil {
		t.Fatal(err)
	}

	if want := filepath.Join("models--org--asr", "snapshots", "main"); !strings.HasSuffix(dir, want) {
		t.Errorf("dir = %s, erwartet Suffix %s", dir, want)
	}
	for _, name := range []string{"config.json", "model-00001-of-00002.safetensors", "model-00002-of-00002.safetensors", "vocab.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s fehlt: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "merges.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("merges.txt darf nicht existieren: %v", err)
	}
	if hub.auth != "Bearer secret" {
		t.Errorf("Authorization = %q", hub.auth)
	}

	// Zweiter Aufruf kommt ohne erneute Downloads aus
	before := hub.requests["/org/asr/resolve/main/model-00001-of-00002.safetensors"]
	if _, err := c.Snapshot(context.Background(), "org/asr", "main"); err != nil {
		t.Fatal(err)
	}
	if after := hub.requests["/org/asr/resolve/main/model-00001-of-00002.safetensors"]; after != before {
		t.Errorf("Shard wurde erneut geladen: %d -> %d Anfragen", before, after)
	}
}

func TestSnapshotSingleFile(t *testing.T) {
	_, srv := newFakeHub(t, map[string]string{
		"config.json":       "{}",
		"model.safetensors": "weights",
	})

	c := NewClient(WithBaseURL(srv.URL), WithCacheDir(t.TempDir()), WithOffline(false))
	dir, err := c.Snapshot(context.Background(), "org/asr", "main")
	if err != nil {
		t.Fatal(err)
	}

	bts, err := os.ReadFile(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatal(err)
	}
	if string(bts) != "weights" {
		t.Errorf("Inhalt = %q", bts)
	}
}

func TestSnapshotErrors(t *testing.T) {
	_, srv := newFakeHub(t, map[string]string{})

	cases := []struct {
		name    string
		id      string
		offline bool
		want    error
	}{
		{"invalid id", "asr", false, ErrInvalidModelID},
		{"traversal", "org/..", false, ErrInvalidModelID},
		{"not found", "org/asr", false, ErrModelNotFound},
		{"offline", "org/asr", true, ErrOffline},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(WithBaseURL(srv.URL), WithCacheDir(t.TempDir()), WithOffline(tt.offline))
			if _, err := c.Snapshot(context.Background(), tt.id, "main"); !errors.Is(err, tt.want) {
				t.Errorf("Got %v, want %v", err, tt.want)
			}
		})
	}
}
