// simulated drives and cartridges backed by directories, used for development
// and tests without a tape library
package tapehardware

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	. "tbk/utils"
)

// A simulated drive is a directory holding an inquiry file and, while a
// cartridge is loaded, a "tape" symlink to the cartridge directory. A
// cartridge holds a sense file, a position file and one rec.N file per record.
const (
	simInquiry  = "inquiry"
	simTapeLink = "tape"
	simSense    = "sense"
	simPosition = "pos"
	simRecord   = "rec."
)

type SimulatedCommands struct {
	dir string
}

func NewSimulatedCommands(driveDir string) *SimulatedCommands {
	return &SimulatedCommands{dir: driveDir}
}

func (s *SimulatedCommands) Paths() (string, string) {
	return s.dir, filepath.Join(s.dir, simInquiry)
}

func (s *SimulatedCommands) tape(name string) string {
	return Quote(filepath.Join(s.dir, simTapeLink, name))
}

func (s *SimulatedCommands) Inquiry() string {
	return "cat " + Quote(filepath.Join(s.dir, simInquiry))
}

// an empty drive reports medium type 0
func (s *SimulatedCommands) ModeSense() string {
	return fmt.Sprintf(`if [ -e %s ]; then cat %s; else printf '\000\006\000\000'; fi`,
		s.tape(simSense), s.tape(simSense))
}

func (s *SimulatedCommands) Rewind() string {
	return fmt.Sprintf("echo 0 > %s", s.tape(simPosition))
}

func (s *SimulatedCommands) Eject() string {
	return fmt.Sprintf("echo 0 > %s && rm -f %s", s.tape(simPosition), Quote(filepath.Join(s.dir, simTapeLink)))
}

// writing a record drops every record behind it, like a real tape
func (s *SimulatedCommands) Write(file, blockSize string) string {
	rec := s.tape(simRecord)
	return fmt.Sprintf(`p=$(cat %[1]s) && dd if=%[2]s of=%[3]s$p bs=%[4]s status=progress && `+
		`echo $((p+1)) > %[1]s && i=$((p+1)) && while [ -e %[3]s$i ]; do rm -f %[3]s$i; i=$((i+1)); done`,
		s.tape(simPosition), Quote(file), rec, blockSize)
}

// reading past the last record fails like reading at end of data
func (s *SimulatedCommands) Read(file, blockSize string) string {
	rec := s.tape(simRecord)
	return fmt.Sprintf(`p=$(cat %[1]s) && [ -e %[3]s$p ] && dd if=%[3]s$p of=%[2]s bs=%[4]s status=progress && echo $((p+1)) > %[1]s`,
		s.tape(simPosition), Quote(file), rec, blockSize)
}

// CreateSimulatedDrive makes a drive directory answering INQUIRY with the
// given identity.
func CreateSimulatedDrive(dir string, id Identity) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ErrPermissionDenied.WithMessagef("%s: %v", dir, err)
	}
	page := make([]byte, inquiryLength)
	copy(page, []byte{0x01, 0x83, 0x00, 0x26, 0x02, 0x01, 0x00, 0x22})
	copy(page[8:16], pad(id.Vendor, 8))
	copy(page[16:32], pad(id.Model, 16))
	copy(page[32:42], pad(id.Serial, 10))
	return os.WriteFile(filepath.Join(dir, simInquiry), page, 0644)
}

func pad(s string, n int) []byte {
	if len(s) > n {
		s = s[:n]
	}
	return []byte(s + strings.Repeat(" ", n-len(s)))
}

// CreateSimulatedTape makes a blank cartridge directory of the given
// generation.
func CreateSimulatedTape(dir string, generation Generation, writeProtected bool) error {
	if generation > 15 {
		return ErrInvalidArgument.WithMessagef("%s cannot be reported by mode sense", generation)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ErrPermissionDenied.WithMessagef("%s: %v", dir, err)
	}
	param := byte(0x10)
	if writeProtected {
		param |= 0x80
	}
	sense := []byte{0x00, 0x06, byte(generation)<<4 | 0x08, param}
	if err := os.WriteFile(filepath.Join(dir, simSense), sense, 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, simPosition), []byte("0\n"), 0644)
}

// LoadSimulatedTape puts a cartridge into a simulated drive.
func LoadSimulatedTape(driveDir, tapeDir string) error {
	abs, err := filepath.Abs(tapeDir)
	if err != nil {
		return err
	}
	link := filepath.Join(driveDir, simTapeLink)
	if _, err := os.Lstat(link); err == nil {
		return ErrInvalidState.WithMessagef("%s already holds a cartridge", driveDir)
	}
	return os.Symlink(abs, link)
}

// TapeLibrarySimulator is a directory with drives/ and tapes/ below it.
type TapeLibrarySimulator struct {
	root   string
	logger *Logger
}

func NewTapeLibrarySimulator(root string, logger *Logger) *TapeLibrarySimulator {
	return &TapeLibrarySimulator{root: root, logger: logger}
}

func (t *TapeLibrarySimulator) DriveDir(slot int) string {
	return filepath.Join(t.root, "drives", fmt.Sprintf("drive%02d", slot))
}

func (t *TapeLibrarySimulator) TapeDir(volser string) string {
	return filepath.Join(t.root, "tapes", volser)
}

// CreateSimulatedLibrary lays out drives and blank cartridges.
func CreateSimulatedLibrary(root string, drives, tapes int, generation Generation, logger *Logger) (*TapeLibrarySimulator, error) {
	t := NewTapeLibrarySimulator(root, logger)
	for d := 0; d < drives; d++ {
		id := Identity{Vendor: "TBK", Model: "SIM-" + generation.String(), Serial: fmt.Sprintf("SIM%07d", d)}
		if err := CreateSimulatedDrive(t.DriveDir(d), id); err != nil {
			return nil, err
		}
	}
	for c := 0; c < tapes; c++ {
		volser := fmt.Sprintf("TBK%03dL%d", c, int(generation)%10)
		if err := CreateSimulatedTape(t.TapeDir(volser), generation, false); err != nil {
			return nil, err
		}
		logger.Event("Created simulated tape ", volser)
	}
	return t, nil
}

// FUNCTIONS THAT IMPLEMENT THE TAPE LIBRARY INTERFACE
func (t *TapeLibrarySimulator) Audit() ([]LibraryDrive, []Cartridge, error) {
	driveDirs, err := filepath.Glob(filepath.Join(t.root, "drives", "drive*"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(driveDirs)
	loaded := map[string]bool{}
	var drives []LibraryDrive
	for slot, dir := range driveDirs {
		drive := LibraryDrive{Slot: slot, Name: filepath.Base(dir), Device: dir}
		if target, err := os.Readlink(filepath.Join(dir, simTapeLink)); err == nil {
			drive.Loaded = filepath.Base(target)
			loaded[drive.Loaded] = true
		}
		drives = append(drives, drive)
	}
	entries, err := os.ReadDir(filepath.Join(t.root, "tapes"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}
	var tapes []Cartridge
	for slot, entry := range entries {
		if entry.IsDir() && !loaded[entry.Name()] {
			tapes = append(tapes, Cartridge{Slot: slot, Volser: entry.Name()})
		}
	}
	return drives, tapes, nil
}

func (t *TapeLibrarySimulator) Load(cart Cartridge, drive LibraryDrive) error {
	t.logger.Event("Loading simulated tape ", cart.Volser, " into ", drive.Name)
	return LoadSimulatedTape(t.DriveDir(drive.Slot), t.TapeDir(cart.Volser))
}

func (t *TapeLibrarySimulator) Unload(drive LibraryDrive) error {
	link := filepath.Join(t.DriveDir(drive.Slot), simTapeLink)
	if _, err := os.Lstat(link); err != nil {
		return ErrInvalidState.WithMessagef("%s holds no cartridge", drive.Name)
	}
	t.logger.Event("Unloading simulated drive ", drive.Name)
	return os.Remove(link)
}
