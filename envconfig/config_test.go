package envconfig

import (
	"log/slog"
	"testing"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("ASREXPORT_DEBUG", k)
			if i := LogLevel(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestTolerance(t *testing.T) {
	cases := map[string]float64{
		"":       1e-4,
		"1e-3":   1e-3,
		"0.5":    0.5,
		"abc":    1e-4,
		"-1":     1e-4,
		" 2e-5 ": 2e-5,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("ASREXPORT_TOLERANCE", k)
			if f := Tolerance(); f != v {
				t.Errorf("%s: expected %v, got %v", k, v, f)
			}
		})
	}
}

func TestHFEndpoint(t *testing.T) {
	cases := map[string]string{
		"":                         "https://huggingface.co",
		"http://mirror.local:8080": "http://mirror.local:8080",
		"https://hf-mirror.com/":   "https://hf-mirror.com",
		"not a url":                "https://huggingface.co",
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("HF_ENDPOINT", k)
			if u := HFEndpoint(); u.String() != v {
				t.Errorf("%s: expected %s, got %s", k, v, u.String())
			}
		})
	}
}

func TestVar(t *testing.T) {
	t.Setenv("HF_HOME", `"/tmp/hf"`)
	if s := HFHome(); s != "/tmp/hf" {
		t.Errorf("Got %q, want %q", s, "/tmp/hf")
	}

	t.Setenv("HF_HUB_OFFLINE", "1")
	if !HFOffline() {
		t.Error("HF_HUB_OFFLINE=1 muss true ergeben")
	}

	t.Setenv("ASREXPORT_DOWNLOAD_PARALLEL", "x")
	if n := DownloadParallel(); n != 4 {
		t.Errorf("Got %d, want 4", n)
	}
}

func TestAsMapRedactsToken(t *testing.T) {
	t.Setenv("HF_TOKEN", "hf_secret")
	if v := AsMap()["HF_TOKEN"].Value; v != "***" {
		t.Errorf("Token nicht maskiert: %v", v)
	}
}
