// Package ocr turns a cropped capture into recognized code by combining the
// saved settings, the prompt catalog and the recognition client.
package ocr

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"codeocr/src/prompt"
	"codeocr/src/settings"
)

// Client sends one image and prompt to the recognition server.
type Client interface {
	Recognize(ctx context.Context, png []byte, prompt string) (string, error)
}

type Service struct {
	client   Client
	prompts  *prompt.Builder
	settings settings.Store
}

func New(client Client, prompts *prompt.Builder, store settings.Store) *Service {
	return &Service{client: client, prompts: prompts, settings: store}
}

// Recognize uses the saved language preset and possible languages.
func (s *Service) Recognize(ctx context.Context, png []byte) (string, error) {
	cfg, err := s.settings.Load(ctx)
	if err != nil {
		log.Warnf("Recognize: failed to load settings, using defaults: %v", err)
		cfg = settings.Defaults()
	}
	p := s.prompts.Build(cfg.LanguagePreset, cfg.PossibleLanguages)
	log.Debugf("Recognize: preset=%q possible=%d image=%d bytes", cfg.LanguagePreset, len(cfg.PossibleLanguages), len(png))
	return s.recognize(ctx, png, p)
}

// RecognizeAs re-runs recognition for an explicit language hint.
func (s *Service) RecognizeAs(ctx context.Context, png []byte, hint string) (string, error) {
	log.Debugf("RecognizeAs: hint=%q image=%d bytes", hint, len(png))
	return s.recognize(ctx, png, s.prompts.ForLanguage(hint))
}

func (s *Service) recognize(ctx context.Context, png []byte, p string) (string, error) {
	if len(png) == 0 {
		return "", fmt.Errorf("no image to recognize")
	}
	return s.client.Recognize(ctx, png, p)
}
