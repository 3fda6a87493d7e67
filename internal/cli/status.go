package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petroprotsakh/mirror-sync/internal/config"
	"github.com/petroprotsakh/mirror-sync/internal/httpclient"
	"github.com/petroprotsakh/mirror-sync/internal/logging"
	"github.com/petroprotsakh/mirror-sync/internal/master"
	"github.com/petroprotsakh/mirror-sync/internal/state"
	"github.com/petroprotsakh/mirror-sync/internal/storage"
)

type statusOptions struct {
	configPath string
}

func newStatusCommand() *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the mirror's synced serial and any pending resume state",
		Long: `Status reads the mirror's on-disk state without acquiring the run
lock: the last synced serial, the upstream serial (if reachable and no
interrupted sync is pending), and the size of any interrupted sync's
todo list. Reading the state applies the same rules as a sync: a
missing or outdated generation file is rewritten (resetting the status
and todo files), and a malformed todo file is removed.`,
		Example: `  # Check how far behind upstream a mirror is
  mirror-sync status --config mirror.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "mirror.yaml", "Path to the mirror config file")

	return cmd
}

func runStatus(ctx context.Context, opts *statusOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	backend, err := storage.NewLocal(cfg.StorageDir)
	if err != nil {
		return fmt.Errorf("opening storage backend: %w", err)
	}
	st := state.New(backend)

	syncedSerial, err := st.ReadSerial(ctx)
	if err != nil {
		return fmt.Errorf("reading serial: %w", err)
	}

	target, pkgs, resuming, err := st.LoadTodo(ctx)
	if err != nil {
		return fmt.Errorf("reading todo: %w", err)
	}

	var upstreamSerial int64
	var upstreamErr error
	if !resuming {
		client := httpclient.New(httpclient.DefaultConfig())
		m := master.New(cfg.UpstreamURL, client)
		defer m.Close() //nolint:errcheck
		var serials map[string]int64
		serials, upstreamErr = m.ChangedPackages(ctx, syncedSerial)
		for _, s := range serials {
			if s > upstreamSerial {
				upstreamSerial = s
			}
		}
		if upstreamSerial < syncedSerial {
			upstreamSerial = syncedSerial
		}
	}

	log := logging.Default()

	if log.IsNormal() {
		log.Print("Synced serial: %d\n", syncedSerial)
		if resuming {
			log.Print("Resuming interrupted sync: target serial %d, %d package(s) remaining\n", target, len(pkgs))
		} else if upstreamErr != nil {
			log.Print("Upstream serial:  unavailable (%v)\n", upstreamErr)
		} else {
			log.Print("Upstream serial:  %d\n", upstreamSerial)
		}
	} else {
		logging.Info("mirror status",
			"synced_serial", syncedSerial,
			"resuming", resuming,
			"todo_target", target,
			"todo_remaining", len(pkgs),
			"upstream_serial", upstreamSerial,
		)
	}

	return nil
}
