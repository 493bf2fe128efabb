package tapehardware

import (
	"fmt"
	"strings"

	"github.com/kbj/mtx"

	"tbk/process"
	. "tbk/utils"
)

// mtx calls block until the robot is done
const changerTicks = 30000

type RealTapeLibrary struct {
	mtx    *mtx.Changer
	device string
	logger *Logger
}

func NewRealTapeLibrary(libraryDevice string, logger *Logger) *RealTapeLibrary {
	return NewChangerLibrary(NewSpectraChanger(libraryDevice), libraryDevice, logger)
}

// NewChangerLibrary drives any mtx implementation, device only names it in
// messages.
func NewChangerLibrary(changer mtx.Interface, device string, logger *Logger) *RealTapeLibrary {
	return &RealTapeLibrary{
		mtx:    mtx.NewChanger(changer),
		device: device,
		logger: logger,
	}
}

func (rtl *RealTapeLibrary) Audit() ([]LibraryDrive, []Cartridge, error) {
	elements, err := rtl.mtx.Drives()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to get drive info from %s: %w", rtl.device, err)
	}
	var drives []LibraryDrive
	for d, drive := range elements {
		if drive.Type != mtx.DataTransferSlot {
			continue
		}
		ld := LibraryDrive{Slot: drive.Num, Name: fmt.Sprintf("Drive%d", d)}
		if drive.Vol != nil {
			ld.Loaded = drive.Vol.Serial
		}
		drives = append(drives, ld)
	}

	slots, err := rtl.mtx.Slots()
	if err != nil {
		return nil, nil, fmt.Errorf("unable to get cartridge info from %s: %w", rtl.device, err)
	}
	var cartridges []Cartridge
	for _, slot := range slots {
		if slot.Type == mtx.StorageSlot && slot.Vol != nil {
			cartridges = append(cartridges, Cartridge{Slot: slot.Num, Volser: slot.Vol.Serial})
		}
	}
	return drives, cartridges, nil
}

func (rtl *RealTapeLibrary) Load(cart Cartridge, drive LibraryDrive) error {
	rtl.logger.Event("Loading ", cart.Volser, " from slot ", cart.Slot, " into drive ", drive.Slot)
	if err := rtl.mtx.Load(cart.Slot, drive.Slot); err != nil {
		return fmt.Errorf("load %s from slot %d into drive %d: %w", cart.Volser, cart.Slot, drive.Slot, err)
	}

	// confirm with a fresh audit, the changer reports failures only there
	drives, _, err := rtl.Audit()
	if err != nil {
		return err
	}
	for _, d := range drives {
		if d.Slot == drive.Slot && d.Loaded == cart.Volser {
			return nil
		}
	}
	return ErrInternal.WithMessagef("%s not in drive %d after load", cart.Volser, drive.Slot)
}

func (rtl *RealTapeLibrary) Unload(drive LibraryDrive) error {
	slot, err := rtl.findFreeSlot()
	if err != nil {
		return err
	}
	rtl.logger.Event("Unloading drive ", drive.Slot, " to slot ", slot)
	if err := rtl.mtx.Unload(slot, drive.Slot); err != nil {
		return fmt.Errorf("unload drive %d to slot %d: %w", drive.Slot, slot, err)
	}

	drives, _, err := rtl.Audit()
	if err != nil {
		return err
	}
	for _, d := range drives {
		if d.Slot == drive.Slot && d.Loaded != "" {
			return ErrInternal.WithMessagef("drive %d still holds %s after unload", drive.Slot, d.Loaded)
		}
	}
	return nil
}

// find first free storage slot
func (rtl *RealTapeLibrary) findFreeSlot() (int, error) {
	slots, err := rtl.mtx.Slots()
	if err != nil {
		return 0, fmt.Errorf("unable to get cartridge info: %w", err)
	}
	for _, s := range slots {
		if s.Type == mtx.StorageSlot && s.Vol == nil {
			return s.Num, nil
		}
	}
	return 0, ErrNotFound.WithMessage("no free storage slot")
}

// **** MTX PROVIDER  ********
type Changer struct {
	device string
}

func NewSpectraChanger(device string) *Changer {
	return &Changer{
		device: device,
	}
}

// Do runs mtx against the changer device.
func (c *Changer) Do(args ...string) ([]byte, error) {
	if len(args) == 0 || len(args) > 3 {
		return nil, ErrInvalidArgument.WithMessagef("mtx takes 1 to 3 arguments, got %d", len(args))
	}
	quoted := make([]string, len(args))
	for i, arg := range args {
		quoted[i] = Quote(arg)
	}
	p := process.New(fmt.Sprintf("mtx -f %s %s", Quote(c.device), strings.Join(quoted, " ")))
	s := p.Wait(changerTicks)
	output := []byte(strings.Join(s.Stdout, "\n"))
	if !s.Succeeded() {
		return output, fmt.Errorf("mtx %s exited with %d: %s", strings.Join(args, " "), s.ExitCode, strings.Join(s.Stderr, " "))
	}
	return output, nil
}
