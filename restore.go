package main

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tbk/integrity"
	"tbk/scheduler"
	. "tbk/utils"
)

var (
	readOnly     []int
	readValidate bool
	readDecrypt  bool
)

var readCmd = &cobra.Command{
	Use:   "read <destination> <drive>...",
	Short: "Restore the backups on one or more tapes",
	Long: `read rewinds each drive, reads the table of contents and restores every
file below the destination folder. With more than one drive the tapes are
read at the same time, each into a sub folder named after its drive.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		opts := scheduler.ReadOptions{
			ThreadLimit: a.config.ThreadLimit,
			Validate:    readValidate,
			Only:        readOnly,
			TempDir:     a.config.TempDir,
		}
		if readDecrypt {
			key, err := loadKey(a.config.Encryption.KeyFile, a.config.Cipher(), false)
			if err != nil {
				return err
			}
			opts.Decryption = &key
		}
		ctx, stop := interruptContext()
		defer stop()
		snapshots, err := a.restore(ctx, args[0], args[1:], opts)
		if printErr := printOutput(snapshots); printErr != nil {
			return printErr
		}
		return err
	},
}

// restore reads every drive concurrently and returns the final snapshot of
// each scheduler by drive alias
func (a *app) restore(ctx context.Context, dest string, aliases []string, opts scheduler.ReadOptions) (map[string]scheduler.Snapshot, error) {
	schedulers := make([]*scheduler.ReadScheduler, len(aliases))
	seen := map[string]bool{}
	for i, alias := range aliases {
		if seen[alias] {
			return nil, ErrInvalidArgument.WithMessagef("drive %s given twice", alias)
		}
		seen[alias] = true
		drive, err := a.drive(alias)
		if err != nil {
			return nil, err
		}
		target := dest
		if len(aliases) > 1 {
			target = filepath.Join(dest, alias)
		}
		if schedulers[i], err = scheduler.NewReadScheduler(drive, target, opts, a.logger); err != nil {
			return nil, err
		}
	}

	// one goroutine per drive, a failed tape does not stop the others
	var g errgroup.Group
	for i, s := range schedulers {
		g.Go(func() error {
			a.logger.Event("Restoring from ", aliases[i])
			if err := s.Run(ctx); err != nil {
				a.logger.Error("Restore from ", aliases[i], " failed: ", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	snapshots := map[string]scheduler.Snapshot{}
	for i, s := range schedulers {
		snapshots[aliases[i]] = s.Snapshot()
	}
	return snapshots, err
}

func init() {
	readCmd.Flags().IntSliceVar(&readOnly, "only", nil, "restore only these file ids")
	readCmd.Flags().BoolVar(&readValidate, "validate", true, "validate restored files against the table of contents")
	readCmd.Flags().BoolVar(&readDecrypt, "decrypt", false, "decrypt "+integrity.Suffix+" files with the configured key")
	rootCmd.AddCommand(readCmd)
}
