// interface each tape library combination needs to adhere to
package tapehardware

type TapeLibrary interface {
	Audit() ([]LibraryDrive, []Cartridge, error)
	Load(Cartridge, LibraryDrive) error
	Unload(LibraryDrive) error
}

// LibraryDrive is a data transfer element of a library.
type LibraryDrive struct {
	Slot   int    `json:"slot" yaml:"slot"`
	Name   string `json:"name" yaml:"name"`
	Device string `json:"device,omitempty" yaml:"device,omitempty"`
	// Loaded is the volser of the cartridge in the drive, empty if none.
	Loaded string `json:"loaded,omitempty" yaml:"loaded,omitempty"`
}

// Cartridge is a tape sitting in a storage slot.
type Cartridge struct {
	Slot   int    `json:"slot" yaml:"slot"`
	Volser string `json:"volser" yaml:"volser"`
}
