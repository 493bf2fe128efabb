package tapehardware

import (
	"fmt"

	. "tbk/utils"
)

// DriveCommands builds the shell command lines a TapeDrive runs. INQUIRY
// and MODE SENSE output is captured raw.
type DriveCommands interface {
	Paths() (device, generic string)
	Inquiry() string
	ModeSense() string
	Rewind() string
	Eject() string
	Write(file, blockSize string) string
	Read(file, blockSize string) string
}

// SCSICommands drives real hardware through the st driver (mt, dd) and the
// generic SCSI device (sg_raw).
type SCSICommands struct {
	// Device is the non rewinding tape device, e.g. /dev/nst0.
	Device string
	// Generic is the matching SCSI generic device, e.g. /dev/sg1.
	Generic string
}

func NewSCSICommands(device, generic string) *SCSICommands {
	return &SCSICommands{Device: device, Generic: generic}
}

func (c *SCSICommands) Paths() (string, string) {
	return c.Device, c.Generic
}

// INQUIRY with EVPD, device identification page, 42 bytes
func (c *SCSICommands) Inquiry() string {
	return fmt.Sprintf("sg_raw -b -r 1k %s 12 01 83 00 2a 00", Quote(c.Generic))
}

// MODE SENSE(10) of all pages, only the header is used
func (c *SCSICommands) ModeSense() string {
	return fmt.Sprintf("sg_raw -b -r 1k %s 5a 00 3f 00 00 00 00 00 ff 00", Quote(c.Generic))
}

func (c *SCSICommands) Rewind() string {
	return fmt.Sprintf("mt -f %s rewind", Quote(c.Device))
}

func (c *SCSICommands) Eject() string {
	return fmt.Sprintf("mt -f %s eject", Quote(c.Device))
}

func (c *SCSICommands) Write(file, blockSize string) string {
	return fmt.Sprintf("dd if=%s of=%s bs=%s status=progress", Quote(file), Quote(c.Device), blockSize)
}

func (c *SCSICommands) Read(file, blockSize string) string {
	return fmt.Sprintf("dd if=%s of=%s bs=%s status=progress", Quote(c.Device), Quote(file), blockSize)
}
