package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-progress/internal/progress"
)

// errWatchCancelled reports that the watched operation was cancelled on the server.
var errWatchCancelled = errors.New("operation cancelled")

// defaultWatchInterval applies when neither --interval nor
// progress.poll_interval is positive, as with the push transport.
const defaultWatchInterval = 5 * time.Second

func newWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <code>",
		Short: "Polls a progress code and prints its aggregated progress",
		Long: `Polls the configured source for code and prints one line per change until
the operation is done or cancelled. An unknown code keeps being polled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			code := args[0]
			if _, err := uuid.Parse(code); err != nil {
				return fmt.Errorf("invalid progress code %q: %w", code, err)
			}
			if interval <= 0 {
				interval = rt.cfg.Progress.PollInterval
			}
			remote, err := openRemote(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := remote.Close(); cerr != nil {
					rt.logger.Warn("failed to close progress source", zap.Error(cerr))
				}
			}()
			return watchCode(cmd.Context(), remote, code, interval, rt.cfg.Progress.FetchTimeout, cmd.OutOrStdout(), rt.logger)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (defaults to progress.poll_interval)")
	return cmd
}

func watchCode(
	ctx context.Context,
	remote Remote,
	code progress.Code,
	interval, fetchTimeout time.Duration,
	out io.Writer,
	logger *zap.Logger,
) error {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if fetchTimeout <= 0 {
		fetchTimeout = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := ""
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		stack, err := remote.FetchProgress(fetchCtx, code)
		cancel()
		switch {
		case err != nil:
			logger.Warn("progress fetch failed", zap.String("code", code), zap.Error(err))
		case len(stack) > 0:
			line := formatStack(stack)
			if line != last {
				fmt.Fprintln(out, line)
				last = line
			}
			state, _ := stack.State()
			switch state {
			case progress.StateDone:
				return nil
			case progress.StateCancelled:
				return fmt.Errorf("%s: %w", code, errWatchCancelled)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func formatStack(stack progress.Stack) string {
	percent, cancellable := stack.Aggregate()
	state, _ := stack.State()
	line := fmt.Sprintf("%s %5.1f%% %s", stack.Code(), percent, state)
	if msg := stack[len(stack)-1].Message; msg != "" {
		line += " " + msg
	}
	if cancellable {
		line += " (cancellable)"
	}
	return line
}
