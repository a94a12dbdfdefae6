package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/filter"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the filter once against static headers",
	Long: `Run loads the configured filter and calls onStart once with the headers
from filter.headers (plus any --header flags) as the request. It prints the
action the filter returned and the headers it added.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayP("header", "H", nil, "Request header key=value, overrides the config (repeatable)")
	runCmd.Flags().Uint32("id", 0, "Context id passed to onStart")
	runCmd.Flags().Bool("resume", false, "Call onStart again after resume_delay when the filter pauses")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLogger, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLogger()

	headers := cfg.Filter.StaticHeaders()
	flagHeaders, _ := cmd.Flags().GetStringArray("header")
	for _, kv := range flagHeaders {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid header %q (expected key=value)", kv)
		}
		headers.Set(k, v)
	}
	id, _ := cmd.Flags().GetUint32("id")
	resume, _ := cmd.Flags().GetBool("resume")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	engine, err := filter.NewEngine(ctx, cfg.Wasm, filter.WithLogger(logger))
	if err != nil {
		return err
	}
	defer engine.Close(ctx)

	f, err := filter.Load(ctx, engine, cfg.Filter)
	if err != nil {
		return err
	}
	defer f.Close(ctx)

	stream, err := f.NewStream(ctx, id)
	if err != nil {
		return err
	}
	defer stream.Close(ctx)

	added := bridge.NewStaticHeaders(nil)
	ex := &bridge.Exchange{
		Source: bridge.NewStaticHeaders(headers),
		Sink:   added,
		Logger: logger.With(zap.String("filter", f.Name())),
	}

	action, err := stream.Start(ctx, ex)
	if err != nil {
		return err
	}
	if action != filter.ActionContinue && resume {
		printAction(cmd.OutOrStdout(), action)
		time.Sleep(f.ResumeDelay())
		if action, err = stream.Start(ctx, ex); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "request: %d headers, %d byte pair buffer\n", len(headers), bridge.HeaderPairsSize(headers))
	printAction(out, action)
	fmt.Fprintln(out, "added headers:")
	for _, h := range added.Headers() {
		fmt.Fprintf(out, "  %s: %s\n", h.Key, h.Value)
	}
	return nil
}

func printAction(w io.Writer, a filter.Action) {
	fmt.Fprintf(w, "action: %s\n", a)
}
