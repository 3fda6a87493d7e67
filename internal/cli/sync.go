package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petroprotsakh/mirror-sync/internal/config"
	"github.com/petroprotsakh/mirror-sync/internal/logging"
	"github.com/petroprotsakh/mirror-sync/internal/session"
)

type syncOptions struct {
	configPath string
}

func newSyncCommand() *cobra.Command {
	opts := &syncOptions{}

	cmd := &cobra.Command{
		Use:   "sync [package...]",
		Short: "Reconcile the local mirror against upstream",
		Long: `Sync runs one mirror pass: discover what changed upstream since the
last synced serial (or everything, on a cold start), download any
missing or mismatched release files, and rewrite the affected simple
pages.

Passing one or more package names syncs exactly those packages,
bypassing discovery; the synced serial is not advanced and no todo
list is written.`,
		Example: `  # Full incremental sync
  mirror-sync sync --config mirror.yaml

  # Resync a single package regardless of its serial
  mirror-sync sync --config mirror.yaml requests`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "mirror.yaml", "Path to the mirror config file")

	return cmd
}

func runSync(ctx context.Context, opts *syncOptions, packages []string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	s, err := session.New(*cfg)
	if err != nil {
		return err
	}

	if err := s.Run(ctx, packages); err != nil {
		return err
	}

	log := logging.Default()
	if log.IsNormal() {
		log.Println("✓ Mirror synced successfully")
	} else {
		log.Info("mirror synced successfully")
	}

	return nil
}
