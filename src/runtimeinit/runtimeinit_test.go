package runtimeinit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"codeocr/src/config"
	"codeocr/src/debugsink"
	"codeocr/src/settings"
)

func isolate(t *testing.T, endpoint string) {
	t.Helper()
	for _, k := range []string{"SETTINGS_REDIS_URL", "DEBUG_SAVE_IMAGES", "DEBUG_S3_ENDPOINT", "DEBUG_S3_BUCKET", "API_KEY", config.APIKeyPathEnvVar} {
		t.Setenv(k, "")
	}
	t.Setenv("RECOGNITION_ENDPOINT", endpoint)
	t.Setenv("SETTINGS_PATH", filepath.Join(t.TempDir(), "settings.toml"))
}

func TestBootstrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()
	isolate(t, srv.URL)
	t.Setenv("DEBUG_SAVE_IMAGES", t.TempDir())

	rt, err := Bootstrap(context.Background(), Options{
		LoadOptions:   config.LoadOptions{SkipDotenv: true},
		RequireServer: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	if rt.Client.Endpoint() != srv.URL {
		t.Errorf("endpoint = %s", rt.Client.Endpoint())
	}
	if _, ok := rt.Settings.(*settings.FileStore); !ok {
		t.Errorf("settings store = %T", rt.Settings)
	}
	if _, ok := rt.Debug.(debugsink.FileSink); !ok {
		t.Errorf("debug sink = %T", rt.Debug)
	}
	if !rt.Catalog.Known("python") || rt.OCR == nil {
		t.Error("runtime incomplete")
	}
}

func TestBootstrapUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	isolate(t, url)

	opts := Options{LoadOptions: config.LoadOptions{SkipDotenv: true}, PingTimeout: time.Second}
	rt, err := Bootstrap(context.Background(), opts)
	if err != nil {
		t.Fatalf("lenient bootstrap failed: %v", err)
	}
	if _, ok := rt.Debug.(debugsink.Discard); !ok {
		t.Errorf("debug sink = %T", rt.Debug)
	}
	rt.Close()

	opts.RequireServer = true
	if _, err := Bootstrap(context.Background(), opts); err == nil {
		t.Error("strict bootstrap accepted an unreachable server")
	}
}

func TestBootstrapBadRedisURL(t *testing.T) {
	isolate(t, "http://127.0.0.1:1")
	t.Setenv("SETTINGS_REDIS_URL", "not-a-url")
	if _, err := Bootstrap(context.Background(), Options{LoadOptions: config.LoadOptions{SkipDotenv: true}, PingTimeout: 100 * time.Millisecond}); err == nil {
		t.Error("expected error")
	}
}
