// Package runtimeinit builds the services shared by the host and the CLI.
package runtimeinit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"codeocr/src/config"
	"codeocr/src/debugsink"
	"codeocr/src/llm"
	"codeocr/src/logutil"
	"codeocr/src/ocr"
	"codeocr/src/prompt"
	"codeocr/src/settings"
)

const promptCacheSize = 64

type Options struct {
	LoadOptions config.LoadOptions
	// SetupLogging installs the default logger from the loaded config.
	SetupLogging bool
	// RequireServer fails startup when the recognition server does not
	// answer; otherwise the failure is only logged.
	RequireServer bool
	PingTimeout   time.Duration
}

// Runtime holds everything Bootstrap built.
type Runtime struct {
	Config   *config.Config
	Client   *llm.Client
	Catalog  *prompt.Catalog
	Prompts  *prompt.Builder
	Settings settings.Store
	OCR      *ocr.Service
	Debug    debugsink.Sink

	closers []io.Closer
}

// Close releases the log file and settings connections.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func Bootstrap(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadWithOptions(opts.LoadOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	rt := &Runtime{Config: cfg}

	if opts.SetupLogging {
		logDir := "."
		if exe, err := os.Executable(); err == nil {
			logDir = filepath.Dir(exe)
		}
		closer, err := logutil.Setup(cfg.EnableFileLogging, logDir, logutil.ParseLevel(cfg.LogLevel))
		if err != nil {
			log.Warnf("File logging disabled: %v", err)
		}
		rt.closers = append(rt.closers, closer)
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("RECOGNITION_ENDPOINT is required")
	}
	log.Infof("Recognition endpoint %s (key %s)", cfg.Endpoint, keyState(cfg.APIKey))

	rt.Client = llm.New(llm.Config{
		Endpoint:    cfg.Endpoint,
		ExtensionID: cfg.ExtensionID,
		APIKey:      cfg.APIKey,
		MaxAttempts: cfg.MaxAttempts,
	})
	if err := ping(ctx, rt.Client, opts.PingTimeout); err != nil {
		if opts.RequireServer {
			rt.Close()
			return nil, fmt.Errorf("startup check failed: %w", err)
		}
		log.Warnf("Recognition server check failed: %v", err)
	} else {
		log.Infof("Recognition server ping succeeded")
	}

	if rt.Catalog, err = prompt.Load(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to load language catalog: %w", err)
	}
	if rt.Prompts, err = prompt.NewBuilder(rt.Catalog, promptCacheSize); err != nil {
		rt.Close()
		return nil, err
	}

	if rt.Settings, err = openSettings(ctx, cfg, rt); err != nil {
		rt.Close()
		return nil, err
	}
	rt.OCR = ocr.New(rt.Client, rt.Prompts, rt.Settings)

	if rt.Debug, err = openDebugSink(cfg); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func ping(ctx context.Context, c *llm.Client, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Ping(ctx)
}

func keyState(k string) string {
	if k == "" {
		return "not set"
	}
	return logutil.RedactKey(k)
}

// openSettings prefers a shared Redis store, then the TOML file.
func openSettings(ctx context.Context, cfg *config.Config, rt *Runtime) (settings.Store, error) {
	if cfg.SettingsRedisURL != "" {
		store, err := settings.NewRedisStore(cfg.SettingsRedisURL)
		if err != nil {
			return nil, fmt.Errorf("settings store: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("settings store: redis unreachable: %w", err)
		}
		rt.closers = append(rt.closers, store)
		log.Infof("Settings: using redis")
		return store, nil
	}
	log.Infof("Settings: using %s", cfg.SettingsPath)
	return settings.NewFileStore(cfg.SettingsPath), nil
}

func openDebugSink(cfg *config.Config) (debugsink.Sink, error) {
	var sinks debugsink.Multi
	if cfg.DebugSaveImages != "" {
		sinks = append(sinks, debugsink.FileSink{Dir: cfg.DebugSaveImages})
		log.Infof("Debug captures saved under %s", cfg.DebugSaveImages)
	}
	if cfg.DebugS3.Enabled() {
		s3, err := debugsink.NewS3Sink(debugsink.S3Config{
			Endpoint:  cfg.DebugS3.Endpoint,
			Bucket:    cfg.DebugS3.Bucket,
			AccessKey: cfg.DebugS3.AccessKey,
			SecretKey: cfg.DebugS3.SecretKey,
			UseSSL:    cfg.DebugS3.UseSSL,
			Prefix:    "captures",
		})
		if err != nil {
			return nil, fmt.Errorf("debug s3 sink: %w", err)
		}
		sinks = append(sinks, s3)
		log.Infof("Debug captures uploaded to bucket %s", cfg.DebugS3.Bucket)
	}
	switch len(sinks) {
	case 0:
		return debugsink.Discard{}, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}
