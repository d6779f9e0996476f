package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <code>",
		Short: "Asks the server to cancel the operation tagged with code",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancelCommand,
	}
}

func runCancelCommand(cmd *cobra.Command, args []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	code := args[0]
	if _, err := uuid.Parse(code); err != nil {
		return fmt.Errorf("invalid progress code %q: %w", code, err)
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

	ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Progress.CancelTimeout)
	defer cancel()
	if err := remote.Cancel(ctx, code); err != nil {
		return fmt.Errorf("cancel %s: %w", code, err)
	}
	rt.logger.Info("cancel requested", zap.String("code", code))
	fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", code)
	return nil
}
