package main

import (
	"context"
	"errors"
	"testing"

	"codeocr/src/session"
	"codeocr/src/settings"
)

func TestNormalizeLegacyArgs(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		out  []string
	}{
		{
			name: "Normalizes long single dash flags",
			in:   []string{"codeocr", "-toggle", "-api-key-path", "/tmp/key"},
			out:  []string{"codeocr", "--toggle", "--api-key-path", "/tmp/key"},
		},
		{
			name: "Normalizes equals form",
			in:   []string{"codeocr", "-listen=127.0.0.1:9000"},
			out:  []string{"codeocr", "--listen=127.0.0.1:9000"},
		},
		{
			name: "Leaves other args unchanged",
			in:   []string{"codeocr", "--headless", "-h", "-5"},
			out:  []string{"codeocr", "--headless", "-h", "-5"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeLegacyArgs(tt.in)
			if len(got) != len(tt.out) {
				t.Fatalf("Expected len=%d, got %d", len(tt.out), len(got))
			}
			for i := range got {
				if got[i] != tt.out[i] {
					t.Fatalf("Expected arg[%d]=%q, got %q", i, tt.out[i], got[i])
				}
			}
		})
	}
}

func TestNewRootCmdParsesFlags(t *testing.T) {
	opts := &mainOptions{}
	cmd := newRootCmd(opts)
	if err := cmd.ParseFlags([]string{"--toggle", "--api-key-path", "/tmp/key", "--endpoint", "http://ocr", "--no-hotkey"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if !opts.toggle || !opts.noHotkey {
		t.Fatalf("opts = %+v", opts)
	}
	if opts.apiKeyPath != "/tmp/key" || opts.endpoint != "http://ocr" {
		t.Fatalf("opts = %+v", opts)
	}
}

type fakeResident struct {
	delegated bool
	err       error
	called    bool
}

func (f *fakeResident) Running(context.Context) bool { return f.delegated }

func (f *fakeResident) TryToggle(context.Context) (bool, int, error) {
	f.called = true
	return f.delegated, 1, f.err
}

func TestHandleToggleWithDelegation(t *testing.T) {
	cases := []struct {
		name    string
		client  *fakeResident
		wantErr bool
	}{
		{"delegated", &fakeResident{delegated: true}, false},
		{"no resident", &fakeResident{}, true},
		{"resident error", &fakeResident{delegated: true, err: errors.New("busy")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := handleToggleWithDelegation(context.Background(), tc.client)
			if !tc.client.called {
				t.Fatal("Expected TryToggle to be called")
			}
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v", err)
			}
		})
	}
}

type fakeActive struct {
	tab session.TabID
	ok  bool
}

func (f fakeActive) Active() (session.TabID, bool) { return f.tab, f.ok }

type fakeLoop struct{ toggled []session.TabID }

func (f *fakeLoop) Toggle(tab session.TabID) error {
	f.toggled = append(f.toggled, tab)
	return nil
}

func TestToggleActive(t *testing.T) {
	loop := &fakeLoop{}
	toggleActive(fakeActive{}, loop)
	toggleActive(fakeActive{tab: 4, ok: true}, loop)
	if len(loop.toggled) != 1 || loop.toggled[0] != 4 {
		t.Errorf("toggled = %v", loop.toggled)
	}
}

func TestAppearanceNormalizes(t *testing.T) {
	a := appearance(settings.Settings{})
	if a.FontSize != 14 || a.UIScale != 1 {
		t.Errorf("appearance = %+v", a)
	}
}
