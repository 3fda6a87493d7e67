package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petroprotsakh/mirror-sync/internal/logging"
	"github.com/petroprotsakh/mirror-sync/internal/verifier"
)

type verifyOptions struct {
	storageDir string
}

func newVerifyCommand() *cobra.Command {
	opts := &verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a mirror's simple pages against the files on disk",
		Long: `Verify walks every per-package simple page and confirms that the file
behind each link exists and its sha256 matches the digest embedded in
the href fragment (P3). It never writes anything.`,
		Example: `  # Verify a mirror
  mirror-sync verify --storage-dir ./mirror`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.storageDir, "storage-dir", "./mirror", "Path to the mirror's storage directory")

	return cmd
}

func runVerify(ctx context.Context, opts *verifyOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	v := verifier.New(opts.storageDir)

	result, err := v.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	log := logging.Default()

	if !result.Valid {
		if log.IsNormal() {
			log.Println("✗ Mirror verification failed:")
			for _, e := range result.Errors {
				log.Print("  - %s\n", e)
			}
		} else {
			for _, e := range result.Errors {
				log.Error("verification error", "error", e)
			}
		}
		return fmt.Errorf("mirror failed verification: %d error(s)", len(result.Errors))
	}

	if log.IsNormal() {
		log.Println("✓ Mirror verified successfully")
		log.Print("  Packages: %d\n", result.PackageCount)
		log.Print("  Files:    %d\n", result.FileCount)
	} else {
		log.Info("mirror verified successfully",
			"packages", result.PackageCount,
			"files", result.FileCount,
		)
	}

	return nil
}
