package tapehardware

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// DriveDevice pairs a tape device with its SCSI generic device.
type DriveDevice struct {
	Device  string `json:"device" yaml:"device"`
	Generic string `json:"generic" yaml:"generic"`
}

var nstName = regexp.MustCompile(`^nst[0-9]+$`)

// Discover lists SCSI generic devices that the st driver exposes as tapes,
// reading sysfs below sysRoot (normally /sys).
func Discover(sysRoot string) ([]DriveDevice, error) {
	generics, err := filepath.Glob(filepath.Join(sysRoot, "class", "scsi_generic", "sg*"))
	if err != nil {
		return nil, err
	}
	sort.Slice(generics, func(i, j int) bool {
		return naturalLess(filepath.Base(generics[i]), filepath.Base(generics[j]))
	})
	var devices []DriveDevice
	for _, generic := range generics {
		entries, err := os.ReadDir(filepath.Join(generic, "device", "scsi_tape"))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if nstName.MatchString(entry.Name()) {
				devices = append(devices, DriveDevice{
					Device:  "/dev/" + entry.Name(),
					Generic: "/dev/" + filepath.Base(generic),
				})
				break
			}
		}
	}
	return devices, nil
}

// sg2 sorts before sg10
func naturalLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
