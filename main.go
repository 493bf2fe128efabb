// tbk writes folders to LTO tape and reads them back
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tbk/config"
	. "tbk/tapehardware"
	. "tbk/utils"
)

var (
	configFile   string
	logFile      string
	cleanLog     bool
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "tbk",
	Short: "LTO tape backup",
	Long: `tbk writes folders to LTO tapes and restores them.

Every tape starts with a table of contents listing each file with its size
and checksum, followed by one record per file. Backups are recorded in a
sqlite catalog and the table of contents can be exported to S3 or GCS.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (default ./tbk.yaml)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log", "", "log file, overrides log_file of the configuration")
	rootCmd.PersistentFlags().BoolVar(&cleanLog, "clean", false, "start with an empty log file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format (json, yaml)")
}

// app holds what every command needs: configuration, logger and drives
type app struct {
	config  *config.Config
	logger  *Logger
	drives  map[string]*TapeDrive
	aliases []string
	library TapeLibrary
	// driveConfigs includes drives found without configuration
	driveConfigs []config.DriveConfig
}

func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	logger := NewLogger(cfg.LogFile, cleanLog)
	a := &app{config: cfg, logger: logger, drives: map[string]*TapeDrive{}}
	switch {
	case cfg.Changer != "":
		a.library = NewRealTapeLibrary(cfg.Changer, logger)
	case cfg.Simulation != "":
		a.library = NewTapeLibrarySimulator(cfg.Simulation, logger)
	}
	if err := a.buildDrives(); err != nil {
		return nil, err
	}
	return a, nil
}

// buildDrives uses the configured drives, the drives of a simulated library
// or whatever sysfs shows, in that order
func (a *app) buildDrives() error {
	drives := a.config.Drives
	if len(drives) == 0 {
		if sim, ok := a.library.(*TapeLibrarySimulator); ok {
			libraryDrives, _, err := sim.Audit()
			if err != nil {
				return err
			}
			for _, d := range libraryDrives {
				drives = append(drives, config.DriveConfig{Alias: d.Name, Simulated: sim.DriveDir(d.Slot), Slot: d.Slot})
			}
		} else {
			devices, err := Discover(a.config.SysRoot)
			if err != nil {
				return err
			}
			for i, d := range devices {
				drives = append(drives, config.DriveConfig{Alias: fmt.Sprintf("tape%d", i), Device: d.Device, Generic: d.Generic, Slot: i})
			}
		}
	}
	for _, d := range drives {
		drive, err := newDrive(d, a.config, a.logger)
		if err != nil {
			return err
		}
		a.drives[d.Alias] = drive
		a.aliases = append(a.aliases, d.Alias)
	}
	a.driveConfigs = drives
	sort.Strings(a.aliases)
	return nil
}

func newDrive(d config.DriveConfig, cfg *config.Config, logger *Logger) (*TapeDrive, error) {
	var commands DriveCommands
	if d.Simulated != "" {
		commands = NewSimulatedCommands(d.Simulated)
	} else {
		commands = NewSCSICommands(d.Device, d.Generic)
	}
	decoder := cfg.Decoder()
	drive := NewTapeDrive(d.Alias, commands, DriveOptions{BlockSize: cfg.BlockSize, Decoder: decoder, TempDir: cfg.TempDir}, logger)

	if d.Vendor != "" || d.Model != "" || d.Serial != "" {
		drive.OverrideIdentity(&Identity{Vendor: d.Vendor, Model: d.Model, Serial: d.Serial})
	}
	if d.Generation != "" {
		generation, err := ParseGeneration(d.Generation)
		if err != nil {
			return nil, err
		}
		tape := Tape{Generation: generation, NativeCapacity: decoder.Capacities[generation], State: Online, BlockSize: drive.BlockSize()}
		if d.Capacity > 0 {
			if generation != GenerationNone {
				return nil, ErrInvalidArgument.WithMessagef("%s: capacity of %s tapes is fixed", d.Alias, generation)
			}
			tape.NativeCapacity = d.Capacity
		}
		drive.OverrideTape(&tape)
	}
	return drive, nil
}

func (a *app) drive(alias string) (*TapeDrive, error) {
	drive, ok := a.drives[alias]
	if !ok {
		return nil, ErrNotFound.WithMessagef("no drive %q, configured: %v", alias, a.aliases)
	}
	return drive, nil
}

// interruptContext is cancelled on SIGINT and SIGTERM
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printOutput(v any) error {
	return writeOutput(os.Stdout, outputFormat, v)
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return ErrInvalidArgument.WithMessagef("unknown output format %q", format)
}
