package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"codeocr/src/clipboard"
	"codeocr/src/config"
	"codeocr/src/coordinator"
	"codeocr/src/logutil"
	"codeocr/src/messages"
	"codeocr/src/presenter"
	"codeocr/src/runtimeinit"
	"codeocr/src/screenshot"
	"codeocr/src/singleinstance"
)

const (
	maxFileSizeMB = 10
	maxFileSize   = maxFileSizeMB * 1024 * 1024
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

type cliOptions struct {
	endpoint   string
	apiKeyPath string
	verbose    bool
}

type recognizeOptions struct {
	filePath   string
	region     string
	lang       string
	jsonOutput bool
	copy       bool
	window     bool
}

func main() {
	if err := runWithArgs(normalizeLegacyArgs(os.Args)); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

func runWithArgs(args []string) error {
	if len(args) == 0 {
		args = []string{"codeocr-cli"}
	}
	cmd := newRootCmd(&cliOptions{})
	cmd.SetArgs(args[1:])
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd.ExecuteContext(ctx)
}

func newRootCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "codeocr-cli",
		Short:         "Recognize code in images and drive a running codeocr host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Logs go to stderr only with --verbose so stdout stays clean.
			level, w := log.InfoLevel, io.Discard
			if opts.verbose {
				level, w = log.DebugLevel, cmd.ErrOrStderr()
			}
			log.SetDefault(logutil.NewLogger(w, level))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.endpoint, "endpoint", "", "Recognition server URL (overrides RECOGNITION_ENDPOINT)")
	cmd.PersistentFlags().StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output to stderr")

	cmd.AddCommand(newRecognizeCmd(opts), newDesktopCmd(opts), newLangsCmd(), newToggleCmd(opts))
	return cmd
}

func (o *cliOptions) loadOptions() config.LoadOptions {
	return config.LoadOptions{EndpointOverride: o.endpoint, APIKeyPathOverride: o.apiKeyPath}
}

func addRecognizeFlags(cmd *cobra.Command, ro *recognizeOptions) {
	cmd.Flags().StringVar(&ro.region, "region", "", "Crop region x,y,width,height in image pixels")
	cmd.Flags().StringVar(&ro.lang, "lang", "", "Language hint, e.g. python (default: saved preset)")
	cmd.Flags().BoolVar(&ro.jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&ro.copy, "copy", false, "Copy the extracted code to the clipboard")
	cmd.Flags().BoolVar(&ro.window, "window", false, "Show the result in a desktop window")
}

func newRecognizeCmd(opts *cliOptions) *cobra.Command {
	ro := &recognizeOptions{}
	cmd := &cobra.Command{
		Use:   "recognize",
		Short: "Recognize code in a PNG file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readImage(ro.filePath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return recognize(cmd, opts, ro, data, ro.filePath)
		},
	}
	cmd.Flags().StringVar(&ro.filePath, "file", "", "Path to PNG file (use '-' for stdin)")
	_ = cmd.MarkFlagRequired("file")
	addRecognizeFlags(cmd, ro)
	return cmd
}

func newDesktopCmd(opts *cliOptions) *cobra.Command {
	ro := &recognizeOptions{}
	cmd := &cobra.Command{
		Use:   "desktop",
		Short: "Capture the screen and recognize code in a region of it",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := screenshot.CaptureDisplay()
			if err != nil {
				return err
			}
			log.Debugf("Captured desktop (%d bytes)", len(data))
			return recognize(cmd, opts, ro, data, "desktop")
		},
	}
	addRecognizeFlags(cmd, ro)
	return cmd
}

func newLangsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "langs",
		Short: "List language hints",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := loadCatalog()
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"languages": catalog.Options(), "spoken": catalog.Spoken})
			}
			renderLanguages(cmd.OutOrStdout(), catalog)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func newToggleCmd(opts *cliOptions) *cobra.Command {
	var tab int
	cmd := &cobra.Command{
		Use:   "toggle",
		Short: "Start or cancel a selection in a running host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithOptions(opts.loadOptions())
			if err != nil {
				return err
			}
			client := singleinstance.NewClient(cfg.ListenAddr)
			if tab > 0 {
				if err := client.Toggle(cmd.Context(), tab); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("Toggled tab %d", tab)))
				return nil
			}
			delegated, active, err := client.TryToggle(cmd.Context())
			if err != nil {
				return err
			}
			if !delegated {
				return fmt.Errorf("no codeocr host answering on %s", cfg.ListenAddr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("Toggled tab %d", active)))
			return nil
		},
	}
	cmd.Flags().IntVar(&tab, "tab", 0, "Tab id (default: the host's active tab)")
	return cmd
}

func readImage(path string, stdin io.Reader) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		log.Debugf("Reading image from stdin")
		data, err = io.ReadAll(io.LimitReader(stdin, maxFileSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		log.Debugf("Reading image from file: %s", path)
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("input file is empty")
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("input file exceeds maximum size of %d MB", maxFileSizeMB)
	}
	if !bytes.HasPrefix(data, pngMagic) {
		return nil, fmt.Errorf("input is not a valid PNG file (invalid magic number)")
	}
	return data, nil
}

// parseRegion reads "x,y,width,height".
func parseRegion(s string) (screenshot.Region, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return screenshot.Region{}, fmt.Errorf("region %q: want x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return screenshot.Region{}, fmt.Errorf("region %q: %w", s, err)
		}
		v[i] = n
	}
	if v[2] <= 0 || v[3] <= 0 {
		return screenshot.Region{}, fmt.Errorf("region %q: width and height must be positive", s)
	}
	return screenshot.Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

func recognize(cmd *cobra.Command, opts *cliOptions, ro *recognizeOptions, data []byte, source string) error {
	if ro.region != "" {
		region, err := parseRegion(ro.region)
		if err != nil {
			return err
		}
		if data, err = screenshot.Crop(data, region); err != nil {
			return err
		}
		log.Debugf("Cropped to %s", region)
	}

	ctx := cmd.Context()
	rt, err := runtimeinit.Bootstrap(ctx, runtimeinit.Options{LoadOptions: opts.loadOptions()})
	if err != nil {
		return err
	}
	defer rt.Close()

	if ro.lang != "" && !rt.Catalog.Known(ro.lang) {
		return fmt.Errorf("unknown language %q (see langs)", ro.lang)
	}
	run := func(ctx context.Context, hint string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, time.Duration(rt.Config.RequestDeadline)*time.Second)
		defer cancel()
		if hint != "" {
			return rt.OCR.RecognizeAs(ctx, data, hint)
		}
		return rt.OCR.Recognize(ctx, data)
	}

	if ro.window {
		return showWindow(ctx, rt.Catalog.Options(), ro, run)
	}

	start := time.Now()
	text, err := run(ctx, ro.lang)
	elapsed := time.Since(start)
	if err != nil {
		log.Debugf("Recognition failed after %v: %v", elapsed, err)
		return fmt.Errorf("%s", coordinator.UserMessage(err))
	}
	log.Debugf("Recognition completed in %v (%d chars)", elapsed, len(text))

	ex := presenter.Extract(text, rt.Catalog.Options())
	if ro.copy {
		if err := copyCode(ex.Code); err != nil {
			return err
		}
	}
	return outputResult(cmd.OutOrStdout(), OCRResult{
		Text:      text,
		Code:      ex.Code,
		Language:  ex.Language,
		Source:    source,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Duration:  elapsed.Seconds(),
		CharCount: len(ex.Code),
	}, ro.jsonOutput)
}

func copyCode(code string) error {
	if err := clipboard.Init(); err != nil {
		return err
	}
	return clipboard.Write(code)
}

// showWindow drives a presenter model from the recognition calls and shows
// it in a desktop window until closed.
func showWindow(ctx context.Context, hints []messages.LanguageOption, ro *recognizeOptions, run func(context.Context, string) (string, error)) error {
	var model *presenter.Model
	apply := func(hint string) {
		text, err := run(ctx, hint)
		if err != nil {
			model.Apply(messages.UpdateError{Message: coordinator.UserMessage(err)})
			return
		}
		model.Apply(messages.UpdateResult{Text: text})
	}
	model = presenter.NewModel(func(ev messages.PresenterEvent) {
		if rerun, ok := ev.(messages.RerunWithLanguage); ok {
			go apply(rerun.Hint)
		}
	})
	if ro.copy {
		model.OnResult(presenter.ClipboardSink(copyCode))
	}

	win := presenter.NewWindow(model, 14, 1)
	model.Apply(messages.ShowLoading{AvailableLanguageHints: hints})
	go apply(ro.lang)
	go func() {
		<-ctx.Done()
		win.Quit()
	}()
	win.ShowAndRun()
	return nil
}

type OCRResult struct {
	Text      string  `json:"text"`
	Code      string  `json:"code"`
	Language  string  `json:"language"`
	Source    string  `json:"source"`
	Timestamp string  `json:"timestamp"`
	Duration  float64 `json:"duration_seconds"`
	CharCount int     `json:"character_count"`
}

func outputResult(w io.Writer, res OCRResult, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, res)
	}
	fmt.Fprint(w, res.Code)
	if !strings.HasSuffix(res.Code, "\n") {
		fmt.Fprintln(w)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	return nil
}

func normalizeLegacyArgs(args []string) []string {
	if len(args) == 0 {
		return args
	}
	normalized := make([]string, len(args))
	copy(normalized, args)
	for i := 1; i < len(normalized); i++ {
		for _, name := range []string{"file", "json", "verbose", "api-key-path", "endpoint", "region", "lang"} {
			switch arg := normalized[i]; {
			case arg == "-"+name:
				normalized[i] = "--" + name
			case strings.HasPrefix(arg, "-"+name+"="):
				normalized[i] = "-" + arg
			}
		}
	}
	return normalized
}
