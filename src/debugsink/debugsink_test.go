package debugsink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestName(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := Name(3, 12, 400, 300, at); got != "tab3/20250304T050607_012_400x300.png" {
		t.Errorf("Name = %q", got)
	}
}

func TestFileSink(t *testing.T) {
	dir := t.TempDir()
	if err := (FileSink{Dir: dir}).Save(context.Background(), "tab1/x.png", []byte{1, 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "tab1", "x.png"))
	if err != nil || len(data) != 2 {
		t.Errorf("read back %v, %v", data, err)
	}
}

type failing struct{ calls *int }

func (f failing) Save(context.Context, string, []byte) error {
	*f.calls++
	return errors.New("nope")
}

func TestMultiCallsEverySink(t *testing.T) {
	calls := 0
	err := Multi{failing{&calls}, Discard{}, failing{&calls}}.Save(context.Background(), "n", nil)
	if err == nil || calls != 2 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestNewS3SinkValidation(t *testing.T) {
	cases := []S3Config{
		{},
		{Endpoint: "localhost:9000"},
		{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"},
	}
	for i, cfg := range cases {
		if _, err := NewS3Sink(cfg); err == nil {
			t.Errorf("case %d: NewS3Sink accepted %+v", i, cfg)
		}
	}
	s, err := NewS3Sink(S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "crops", Prefix: "/debug/"})
	if err != nil {
		t.Fatalf("NewS3Sink: %v", err)
	}
	if s.Key("/tab1/x.png") != "debug/tab1/x.png" {
		t.Errorf("Key = %q", s.Key("/tab1/x.png"))
	}
}
