package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailtriage/internal/continuation"
	"mailtriage/internal/domain"
	"mailtriage/internal/integrations/llm"
	slackbot "mailtriage/internal/integrations/slack"
	"mailtriage/internal/schedule"
)

type loader func(cmd *cobra.Command) (*env, error)

// withEnv loads the environment for one command and closes it afterwards.
func withEnv(load loader, fn func(cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := load(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd, e, args)
	}
}

func newRunCmd(load loader) *cobra.Command {
	var detach bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new triage run and host its resumptions until it ends",
		Args:  cobra.NoArgs,
		RunE: withEnv(load, func(cmd *cobra.Command, e *env, _ []string) error {
			return runOnce(cmd, e, detach)
		}),
	}
	cmd.Flags().BoolVar(&detach, "detach", false, "Exit after the first invocation; a running serve process adopts the suspended run")
	return cmd
}

type runResult struct {
	sum domain.RunSummary
	err error
}

func runOnce(cmd *cobra.Command, e *env, detach bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cr := schedule.New(e.logger, schedule.Options{JobTimeout: e.cfg.Quantum(), Location: e.cfg.Location})
	p, err := e.newPipeline(cr)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ended := make(chan runResult, 1)
	cr.Register(continuation.DefaultEntryPoint, func(ctx context.Context) error {
		sum, err := p.Resume(ctx)
		if err != nil || !sum.Suspended {
			select {
			case ended <- runResult{sum: sum, err: err}:
			default:
			}
		} else {
			fmt.Fprintln(out, slackbot.FormatSummary(sum))
		}
		return err
	})
	cr.Start()
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Quantum())
		defer cancel()
		if err := cr.Stop(sctx); err != nil {
			e.logger.Warn("scheduler stop timed out", zap.Error(err))
		}
	}()

	qctx, cancel := context.WithTimeout(ctx, e.cfg.Quantum())
	sum, err := p.Start(qctx)
	cancel()
	fmt.Fprintln(out, slackbot.FormatSummary(sum))
	if err != nil || !sum.Suspended || detach {
		return err
	}

	select {
	case r := <-ended:
		fmt.Fprintln(out, slackbot.FormatSummary(r.sum))
		return r.err
	case <-ctx.Done():
		fmt.Fprintln(out, "interrupted; the checkpoint is kept and a running serve process will adopt it")
		return nil
	}
}

func newCancelCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Ask the active run to stop at its next batch boundary",
		Args:  cobra.NoArgs,
		RunE: withEnv(load, func(cmd *cobra.Command, e *env, _ []string) error {
			p, err := e.newPipeline(schedule.New(e.logger, schedule.Options{}))
			if err != nil {
				return err
			}
			if err := p.Cancel(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancel requested")
			return nil
		}),
	}
}

// statusReport is what the status command prints.
type statusReport struct {
	Active          bool                  `json:"active"`
	CheckpointID    string                `json:"checkpoint_id,omitempty"`
	Processed       int                   `json:"processed"`
	Total           int                   `json:"total"`
	LastProcessedID string                `json:"last_processed_id,omitempty"`
	Mode            domain.Mode           `json:"mode,omitempty"`
	Markers         map[domain.Marker]int `json:"markers,omitempty"`
}

func newStatusCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active run and marker counts",
		Args:  cobra.NoArgs,
		RunE: withEnv(load, func(cmd *cobra.Command, e *env, _ []string) error {
			ctx := cmd.Context()
			p, err := e.newPipeline(schedule.New(e.logger, schedule.Options{}))
			if err != nil {
				return err
			}
			st, err := p.Status(ctx)
			if err != nil {
				return err
			}
			var r statusReport
			if st != nil {
				r = statusReport{
					Active:          st.IsActive,
					CheckpointID:    st.ID,
					Processed:       st.ProcessedCount,
					Total:           st.TotalEstimated,
					LastProcessedID: st.LastProcessedID,
					Mode:            st.Settings.Mode,
				}
			}
			if e.mailbox != nil {
				if r.Markers, err = e.mailbox.Counts(ctx); err != nil {
					return err
				}
			}
			b, _ := json.MarshalIndent(r, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
			return nil
		}),
	}
}

func newSweepCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete checkpoints older than the retention window",
		Args:  cobra.NoArgs,
		RunE: withEnv(load, func(cmd *cobra.Command, e *env, _ []string) error {
			p, err := e.newPipeline(schedule.New(e.logger, schedule.Options{}))
			if err != nil {
				return err
			}
			n, err := p.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d checkpoint(s)\n", n)
			return nil
		}),
	}
}

func newSeedCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <messages.json>",
		Short: "Load messages from a JSON array into the sqlite mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(load, func(cmd *cobra.Command, e *env, args []string) error {
			if e.mailbox == nil {
				return errors.New("seed needs the sqlite mailbox; storage_driver is memory")
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read messages: %w", err)
			}
			var items []domain.WorkItem
			if err := json.Unmarshal(data, &items); err != nil {
				return fmt.Errorf("parse messages: %w", err)
			}
			for i, item := range items {
				if item.ID == "" {
					return fmt.Errorf("message %d has no id", i)
				}
			}
			n, err := e.mailbox.InsertMessages(cmd.Context(), items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d of %d message(s)\n", n, len(items))
			return nil
		}),
	}
}

func newGlossaryCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "glossary",
		Short: "Manage phrase to label overrides",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <phrase> <label>",
		Short: "Force label for messages containing phrase",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(load, func(cmd *cobra.Command, e *env, args []string) error {
			path := e.cfg.LLMGlossaryPath
			if path == "" {
				return errors.New("llm_glossary_path is not configured")
			}
			if err := llm.AppendGlossaryRule(path, args[0], args[1]); err != nil {
				return err
			}
			e.logger.Info("glossary rule added", zap.String("phrase", args[0]), zap.String("label", args[1]))
			fmt.Fprintf(cmd.OutOrStdout(), "%q -> %s\n", args[0], args[1])
			return nil
		}),
	})
	return cmd
}
