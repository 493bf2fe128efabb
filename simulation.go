package main

import (
	"os"

	"github.com/spf13/cobra"

	. "tbk/tapehardware"
	. "tbk/utils"
)

var (
	simDrives     int
	simTapes      int
	simGeneration string
	simLoad       bool
	simReset      bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate <directory>",
	Short: "Create a simulated library of drives and blank tapes",
	Long: `simulate lays out drive and cartridge directories that behave like a
small tape library. Point simulation in the configuration at the directory
to use its drives without listing them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		library, err := newSimulation(args[0])
		if err != nil {
			return err
		}
		drives, cartridges, err := library.Audit()
		if err != nil {
			return err
		}
		return printOutput(libraryStatus{Drives: drives, Cartridges: cartridges})
	},
}

func newSimulation(root string) (*TapeLibrarySimulator, error) {
	generation, err := ParseGeneration(simGeneration)
	if err != nil {
		return nil, err
	}
	if simDrives < 1 || simTapes < 0 {
		return nil, ErrInvalidArgument.WithMessage("a library needs at least one drive")
	}
	if simReset {
		if err := os.RemoveAll(root); err != nil {
			return nil, ErrPermissionDenied.WithMessagef("%s: %v", root, err)
		}
	}
	logger := NewLogger(logFileOrDefault(), cleanLog)
	library, err := CreateSimulatedLibrary(root, simDrives, simTapes, generation, logger)
	if err != nil {
		return nil, err
	}
	if !simLoad {
		return library, nil
	}
	drives, cartridges, err := library.Audit()
	if err != nil {
		return nil, err
	}
	for i, d := range drives {
		if i >= len(cartridges) || d.Loaded != "" {
			continue
		}
		if err := library.Load(cartridges[i], d); err != nil {
			return nil, err
		}
	}
	return library, nil
}

func logFileOrDefault() string {
	if logFile != "" {
		return logFile
	}
	return "tbk.log"
}

func init() {
	simulateCmd.Flags().IntVar(&simDrives, "drives", 2, "number of drives")
	simulateCmd.Flags().IntVar(&simTapes, "tapes", 4, "number of blank cartridges")
	simulateCmd.Flags().StringVar(&simGeneration, "generation", "LTO8", "generation of drives and cartridges")
	simulateCmd.Flags().BoolVar(&simLoad, "load", false, "load a cartridge into every drive")
	simulateCmd.Flags().BoolVar(&simReset, "reset", false, "remove the directory first")
	rootCmd.AddCommand(simulateCmd)
}
