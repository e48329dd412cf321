package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperrealist/bluesky/pkg/checklist"
	"github.com/hyperrealist/bluesky/pkg/config"
	"github.com/hyperrealist/bluesky/pkg/engine"
	"github.com/hyperrealist/bluesky/pkg/journal"
	"github.com/hyperrealist/bluesky/pkg/signal"
	"github.com/hyperrealist/bluesky/pkg/suspend"
)

const defaultPlan = "checkpoint, sleep=1s"

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadProfile(path string, cfg *config.Config) (*config.Profile, error) {
	if path == "" {
		path = cfg.Profile
	}
	if path == "" {
		return nil, fmt.Errorf("no profile: pass --profile or set SUSPEND_PROFILE")
	}
	return config.LoadProfile(path)
}

func runCmd(stderr io.Writer) *cobra.Command {
	var (
		profilePath string
		planText    string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a plan under the profile's suspenders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			plan, err := engine.ParsePlan(planText)
			if err != nil {
				return err
			}

			env, err := setup(ctx, stderr)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); err == nil {
					err = cerr
				}
			}()

			profile, err := loadProfile(profilePath, env.cfg)
			if err != nil {
				return err
			}
			src, err := env.source(ctx)
			if err != nil {
				return err
			}
			store, err := env.journal(ctx)
			if err != nil {
				return err
			}

			e := engine.New(
				engine.WithLogger(env.logger),
				engine.WithMetrics(env.metrics),
				engine.WithTracer(env.provider.Tracer()),
				engine.WithJournal(env.recorder(store)),
				engine.WithCheckpointTimeout(env.cfg.CheckpointTimeout),
			)
			e.OnStateChange(func(from, to engine.State) {
				env.logger.InfoContext(ctx, "engine state", "from", from, "to", to)
			})
			// runs before the recorder drains
			env.onClose(func(context.Context) error { return e.Close() })

			sus, err := profile.BuildSuspenders(src, suspend.WithLogger(env.logger.With("component", "suspender")))
			if err != nil {
				return err
			}
			for _, s := range sus {
				if err := e.Install(ctx, s); err != nil {
					return err
				}
			}

			sum, runErr := e.Run(ctx, plan)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, sum); err != nil {
					return err
				}
			} else {
				_, _ = fmt.Fprintf(out, "run %s: completed=%t instructions=%d suspensions=%d rewinds=%d paused=%s duration=%s\n",
					sum.RunID, sum.Completed, sum.Instructions, sum.Suspensions, sum.Rewinds,
					sum.PausedFor.Round(time.Millisecond), sum.Duration().Round(time.Millisecond))
			}
			if runErr != nil {
				return failure{runErr}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "Suspender profile (YAML or TOML)")
	cmd.Flags().StringVar(&planText, "plan", defaultPlan, "Comma-separated plan, e.g. \"checkpoint, sleep=200ms, null*2\"")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run summary as JSON")
	return cmd
}

func checkCmd(stderr io.Writer) *cobra.Command {
	var (
		profilePath string
		timeout     time.Duration
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the profile's pre-flight checklist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			env, err := setup(ctx, stderr)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); err == nil {
					err = cerr
				}
			}()

			profile, err := loadProfile(profilePath, env.cfg)
			if err != nil {
				return err
			}
			src, err := env.source(ctx)
			if err != nil {
				return err
			}
			cl, err := profile.BuildChecklist(src,
				checklist.WithTimeout(timeout),
				checklist.WithLogger(env.logger.With("component", "checklist")),
			)
			if err != nil {
				return err
			}

			report := cl.Run(ctx)
			out := cmd.OutOrStdout()
			if asJSON {
				if err := writeJSON(out, report); err != nil {
					return err
				}
			} else {
				for _, res := range report.Results {
					if res.Passed {
						_, _ = fmt.Fprintf(out, "PASS  %s\n", res.Check)
					} else {
						_, _ = fmt.Fprintf(out, "FAIL  %s: %s\n", res.Check, res.Error)
					}
				}
			}
			if !report.Passed() {
				return failure{report.Err()}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "Profile holding the checklist")
	cmd.Flags().DurationVar(&timeout, "timeout", checklist.DefaultConnectTimeout, "Per-check timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func putCmd(stderr io.Writer) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "put SIGNAL VALUE",
		Short: "Write a signal value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("value %q: %w", args[1], err)
			}
			ctx := cmd.Context()
			env, err := setup(ctx, stderr)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); err == nil {
					err = cerr
				}
			}()
			src, err := env.source(ctx)
			if err != nil {
				return err
			}
			return src.Write(ctx, args[0], v, wait)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Return only once subscribers have been notified")
	return cmd
}

func getCmd(stderr io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get SIGNAL",
		Short: "Read a signal value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			env, err := setup(ctx, stderr)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); err == nil {
					err = cerr
				}
			}()
			src, err := env.source(ctx)
			if err != nil {
				return err
			}
			v, err := src.Read(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), v)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(v.V, 'g', -1, 64))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the timestamped value as JSON")
	return cmd
}

func watchCmd(stderr io.Writer) *cobra.Command {
	var period time.Duration
	cmd := &cobra.Command{
		Use:   "watch SIGNAL",
		Short: "Print signal changes until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			env, err := setup(ctx, stderr)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); err == nil {
					err = cerr
				}
			}()
			src, err := env.source(ctx)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			sub, err := src.Subscribe(ctx, args[0], func(v signal.Value) {
				mu.Lock()
				defer mu.Unlock()
				_, _ = fmt.Fprintln(out, v)
			})
			if err != nil {
				return err
			}
			defer sub.Close()

			if period > 0 {
				t := time.NewTimer(period)
				defer t.Stop()
				select {
				case <-t.C:
				case <-ctx.Done():
				}
			} else {
				<-ctx.Done()
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&period, "for", 0, "Stop after this long (0 watches until interrupted)")
	return cmd
}

func journalCmd(stderr io.Writer) *cobra.Command {
	var (
		limit  int
		runID  string
		kind   string
		verify bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recorded suspension events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			env, err := setup(ctx, stderr)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := env.close(); err == nil {
					err = cerr
				}
			}()
			store, err := env.journal(ctx)
			if err != nil {
				return err
			}
			if verify {
				if err := store.Verify(ctx); err != nil {
					return failure{err}
				}
			}

			events, err := store.List(ctx, journal.Filter{RunID: runID, Kind: journal.Kind(kind), Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, events)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SEQ\tAT\tKIND\tSOURCE\tSUSPENDER\tREASON")
			for _, ev := range events {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					ev.Seq, ev.At.Format(time.RFC3339Nano), ev.Kind, ev.Source, ev.Suspender, ev.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events (0 for all)")
	cmd.Flags().StringVar(&runID, "run", "", "Only events of this run")
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind")
	cmd.Flags().BoolVar(&verify, "verify", false, "Verify the hash chain first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON")
	return cmd
}
