package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"codeocr/src/config"
	"codeocr/src/singleinstance"
)

type stressOptions struct {
	n        int
	tab      int
	addr     string
	deadline time.Duration
}

type stressResult struct {
	ok, noTab, errs int32
	elapsed         time.Duration
}

func main() {
	if err := newRootCmd(&stressOptions{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(opts *stressOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stress-toggle",
		Short:         "Fire concurrent toggles at a running codeocr host",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.addr == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				opts.addr = cfg.ListenAddr
			}
			client := singleinstance.NewClient(opts.addr)
			if !client.Running(cmd.Context()) {
				return fmt.Errorf("no codeocr host answering on %s", opts.addr)
			}
			res := runWithOptions(cmd.Context(), *opts, client)
			report(cmd.OutOrStdout(), opts.n, res)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.n, "n", 50, "number of concurrent toggles")
	cmd.Flags().IntVar(&opts.tab, "tab", 0, "tab id to toggle (default: the active tab)")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "control API address (default: LISTEN_ADDR)")
	cmd.Flags().DurationVar(&opts.deadline, "deadline", 5*time.Second, "per-request timeout")

	return cmd
}

func runWithOptions(ctx context.Context, opts stressOptions, client *singleinstance.Client) stressResult {
	var wg sync.WaitGroup
	var res stressResult

	start := time.Now()
	for i := 0; i < opts.n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, opts.deadline)
			defer cancel()
			var err error
			if opts.tab > 0 {
				err = client.Toggle(ctx, opts.tab)
			} else {
				_, _, err = client.TryToggle(ctx)
			}
			switch {
			case err == nil:
				atomic.AddInt32(&res.ok, 1)
			case errors.Is(err, singleinstance.ErrNoActiveTab):
				atomic.AddInt32(&res.noTab, 1)
			default:
				atomic.AddInt32(&res.errs, 1)
			}
		}()
	}
	wg.Wait()
	res.elapsed = time.Since(start)
	return res
}

func report(w io.Writer, n int, res stressResult) {
	// An even number of accepted toggles leaves the tab idle.
	fmt.Fprintf(w, "launched=%d ok=%d notab=%d err=%d elapsed=%s\n", n, res.ok, res.noTab, res.errs, res.elapsed)
}
