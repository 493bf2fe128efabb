package main

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tbk/catalog"
	"tbk/config"
	"tbk/export"
	"tbk/files"
	"tbk/integrity"
	"tbk/scheduler"
	. "tbk/tapehardware"
	. "tbk/utils"
)

var (
	discoverDevices bool

	writeRecursive bool
	writeChecksum  string
	writeEncrypt   bool
	writeRewind    bool
	writeEject     bool
	writeVolser    string
	writeNoExport  bool
)

var drivesCmd = &cobra.Command{
	Use:   "drives",
	Short: "List drives and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if discoverDevices {
			devices, err := Discover(a.config.SysRoot)
			if err != nil {
				return err
			}
			return printOutput(devices)
		}
		ctx, stop := interruptContext()
		defer stop()
		var summaries []StatusSummary
		for _, alias := range a.aliases {
			drive := a.drives[alias]
			if _, err := drive.Settle(ctx); err != nil {
				return err
			}
			summaries = append(summaries, drive.Status())
		}
		return printOutput(summaries)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <drive>",
	Short: "Show drive, tape and last command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		drive, err := a.drive(args[0])
		if err != nil {
			return err
		}
		ctx, stop := interruptContext()
		defer stop()
		if _, err := drive.Settle(ctx); err != nil {
			return err
		}
		return printOutput(drive.Detail())
	},
}

// driveCommand runs a single drive operation and waits for it to finish
func driveCommand(use, short string, operation func(*TapeDrive) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <drive>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			drive, err := a.drive(args[0])
			if err != nil {
				return err
			}
			ctx, stop := interruptContext()
			defer stop()
			// an identification failure leaves Error, eject is still accepted
			if _, err := drive.Settle(ctx); err != nil {
				return err
			}
			if err := operation(drive); err != nil {
				return err
			}
			waitErr := drive.WaitIdle(ctx)
			if err := printOutput(drive.Detail()); err != nil {
				return err
			}
			return waitErr
		},
	}
}

var (
	rewindCmd = driveCommand("rewind", "Rewind the tape to its beginning", (*TapeDrive).Rewind)
	ejectCmd  = driveCommand("eject", "Rewind and eject the tape", (*TapeDrive).Eject)
)

// Drive state lives in the process that runs the command. Cancelling and
// clearing an error therefore go through a running server.
var (
	cancelCmd = serverOperation("cancel", "Kill the command a served drive is running")
	clearCmd  = serverOperation("clear", "Clear the error of a served drive")
)

var tocCmd = &cobra.Command{
	Use:   "toc <drive>",
	Short: "Rewind and print the table of contents of the loaded tape",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		drive, err := a.drive(args[0])
		if err != nil {
			return err
		}
		ctx, stop := interruptContext()
		defer stop()
		if err := drive.WaitIdle(ctx); err != nil {
			return err
		}
		if !drive.Tape().BeginOfTape {
			if err := drive.Rewind(); err != nil {
				return err
			}
			if err := drive.WaitIdle(ctx); err != nil {
				return err
			}
		}
		t, err := drive.ReadTOC(ctx)
		if err != nil {
			return err
		}
		return printOutput(t)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <drive> <path>...",
	Short: "Write files and folders to tape as one backup",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		drive, err := a.drive(args[0])
		if err != nil {
			return err
		}
		algorithm := a.config.ChecksumAlgorithm()
		if cmd.Flags().Changed("checksum") {
			if algorithm, err = integrity.ParseAlgorithm(writeChecksum); err != nil {
				return err
			}
		}
		handles, err := files.Scan(args[1:], writeRecursive, 1, files.Options{Checksum: algorithm})
		if err != nil {
			return err
		}
		if len(handles) == 0 {
			return ErrInvalidArgument.WithMessage("nothing to write")
		}
		opts := scheduler.WriteOptions{
			ThreadLimit:     a.config.ThreadLimit,
			DiscardOriginal: a.config.Encryption.DiscardOriginal,
			RewindAfter:     writeRewind,
			EjectAfter:      writeEject,
		}
		if writeEncrypt {
			key, err := loadKey(a.config.Encryption.KeyFile, a.config.Cipher(), true)
			if err != nil {
				return err
			}
			opts.Encryption = &key
		}
		// the volser has to be read before an eject empties the drive
		volser := writeVolser
		if volser == "" {
			volser = a.volser(args[0])
		}

		s, err := scheduler.NewWriteScheduler(drive, handles, opts, a.logger)
		if err != nil {
			return err
		}
		ctx, stop := interruptContext()
		defer stop()
		runErr := s.Run(ctx)
		if err := printOutput(s.Snapshot()); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
		return a.recordBackup(context.Background(), s, drive.Identity(), volser)
	},
}

// recordBackup stores the toc of a finished backup in the catalog and exports it
func (a *app) recordBackup(ctx context.Context, s *scheduler.WriteScheduler, id Identity, volser string) error {
	t := s.TOC()
	c, err := catalog.Open(a.config.Catalog, false, a.logger)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.RecordBackup(t, id, volser); err != nil {
		return err
	}
	if writeNoExport {
		return nil
	}
	exporters, err := a.exporters(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := export.Close(exporters); err != nil {
			a.logger.Error("Closing exporters: ", err)
		}
	}()
	return export.TOC(ctx, exporters, t, a.logger)
}

func (a *app) exporters(ctx context.Context) ([]export.Exporter, error) {
	var exporters []export.Exporter
	if a.config.Export.S3.Bucket != "" {
		e, err := export.NewS3Exporter(ctx, a.config.Export.S3, a.logger)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, e)
	}
	if a.config.Export.GCS.Bucket != "" {
		e, err := export.NewGCSExporter(ctx, a.config.Export.GCS, a.logger)
		if err != nil {
			export.Close(exporters)
			return nil, err
		}
		exporters = append(exporters, e)
	}
	return exporters, nil
}

// volser asks the library which cartridge sits in the drive, empty when
// there is no library or it does not know
func (a *app) volser(alias string) string {
	if a.library == nil {
		return ""
	}
	d, err := a.libraryDrive(alias)
	if err != nil {
		a.logger.Error("Unable to find volser for ", alias, ": ", err)
		return ""
	}
	return d.Loaded
}

func (a *app) libraryDrive(alias string) (LibraryDrive, error) {
	if a.library == nil {
		return LibraryDrive{}, ErrNotFound.WithMessage("no changer or simulation configured")
	}
	slot := -1
	for _, d := range a.driveConfigs {
		if d.Alias == alias {
			slot = d.Slot
		}
	}
	if slot < 0 {
		return LibraryDrive{}, ErrNotFound.WithMessagef("no drive %q", alias)
	}
	drives, _, err := a.library.Audit()
	if err != nil {
		return LibraryDrive{}, err
	}
	for _, d := range drives {
		if d.Slot == slot {
			return d, nil
		}
	}
	return LibraryDrive{}, ErrNotFound.WithMessagef("library has no drive in slot %d", slot)
}

// loadKey reads the key file, generating it first when create is set
func loadKey(path string, cipher integrity.Cipher, create bool) (integrity.Key, error) {
	if path == "" {
		return integrity.Key{}, ErrInvalidArgument.WithMessage("encryption needs encryption.key_file")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && create {
		key, err := integrity.GenerateKey(cipher)
		if err != nil {
			return integrity.Key{}, err
		}
		out, err := yaml.Marshal(key)
		if err != nil {
			return integrity.Key{}, err
		}
		if err := os.WriteFile(path, out, 0600); err != nil {
			return integrity.Key{}, ErrPermissionDenied.WithMessagef("%s: %v", path, err)
		}
		return key, nil
	}
	if err != nil {
		return integrity.Key{}, ErrNotFound.WithMessagef("%s: %v", path, err)
	}
	var stored integrity.Key
	if err := yaml.Unmarshal(data, &stored); err != nil {
		return integrity.Key{}, ErrDecode.WithMessagef("%s: %v", path, err)
	}
	if stored.Cipher == "" {
		stored.Cipher = cipher
	}
	return integrity.ParseKey(stored.Cipher, stored.Key, stored.IV)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Query the backup catalog",
}

var catalogFindCmd = &cobra.Command{
	Use:   "find <pattern>",
	Short: "Find files whose name contains pattern, % and _ are wildcards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(c *catalog.Catalog) error {
			locations, err := c.Find(args[0])
			if err != nil {
				return err
			}
			return printOutput(locations)
		})
	},
}

var catalogBackupsCmd = &cobra.Command{
	Use:     "backups",
	Aliases: []string{"tapes"},
	Short:   "List recorded backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(c *catalog.Catalog) error {
			backups, err := c.Backups()
			if err != nil {
				return err
			}
			return printOutput(backups)
		})
	},
}

var catalogTOCCmd = &cobra.Command{
	Use:   "toc <backup id>",
	Short: "Print the stored table of contents of a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCatalog(func(c *catalog.Catalog) error {
			t, err := c.TOC(args[0])
			if err != nil {
				return err
			}
			return printOutput(t)
		})
	},
}

func withCatalog(f func(*catalog.Catalog) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	c, err := catalog.Open(cfg.Catalog, false, NewLogger(cfg.LogFile, cleanLog))
	if err != nil {
		return err
	}
	defer c.Close()
	return f(c)
}

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "Move cartridges with the changer",
}

type libraryStatus struct {
	Drives     []LibraryDrive `json:"drives" yaml:"drives"`
	Cartridges []Cartridge    `json:"cartridges" yaml:"cartridges"`
}

var libraryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List drives and stored cartridges",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if a.library == nil {
			return ErrNotFound.WithMessage("no changer or simulation configured")
		}
		drives, cartridges, err := a.library.Audit()
		if err != nil {
			return err
		}
		return printOutput(libraryStatus{Drives: drives, Cartridges: cartridges})
	},
}

var libraryLoadCmd = &cobra.Command{
	Use:   "load <volser> <drive>",
	Short: "Load a cartridge into a drive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		target, err := a.libraryDrive(args[1])
		if err != nil {
			return err
		}
		if target.Loaded != "" {
			return ErrInvalidState.WithMessagef("%s holds %s", args[1], target.Loaded)
		}
		_, cartridges, err := a.library.Audit()
		if err != nil {
			return err
		}
		for _, c := range cartridges {
			if c.Volser == args[0] {
				return a.library.Load(c, target)
			}
		}
		return ErrNotFound.WithMessagef("no cartridge %s in a storage slot", args[0])
	},
}

var libraryUnloadCmd = &cobra.Command{
	Use:   "unload <drive>",
	Short: "Return the cartridge of a drive to a free slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		target, err := a.libraryDrive(args[0])
		if err != nil {
			return err
		}
		return a.library.Unload(target)
	},
}

func init() {
	drivesCmd.Flags().BoolVar(&discoverDevices, "discover", false, "list tape devices found in sysfs instead")

	writeCmd.Flags().BoolVarP(&writeRecursive, "recursive", "r", true, "descend into sub folders")
	writeCmd.Flags().StringVar(&writeChecksum, "checksum", "", "checksum algorithm (none, md5, sha256, sha512), overrides the configuration")
	writeCmd.Flags().BoolVar(&writeEncrypt, "encrypt", false, "encrypt files with the configured key before writing")
	writeCmd.Flags().BoolVar(&writeRewind, "rewind", false, "rewind after the last file")
	writeCmd.Flags().BoolVar(&writeEject, "eject", false, "eject after the last file")
	writeCmd.Flags().StringVar(&writeVolser, "volser", "", "volser recorded in the catalog, asked from the library by default")
	writeCmd.Flags().BoolVar(&writeNoExport, "no-export", false, "do not export the table of contents")

	catalogCmd.AddCommand(catalogFindCmd, catalogBackupsCmd, catalogTOCCmd)
	libraryCmd.AddCommand(libraryStatusCmd, libraryLoadCmd, libraryUnloadCmd)
	rootCmd.AddCommand(drivesCmd, statusCmd, rewindCmd, ejectCmd, clearCmd, cancelCmd, tocCmd, writeCmd, catalogCmd, libraryCmd)
}
