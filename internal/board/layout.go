package board

import "github.com/jaestefaniah27/arcompile/internal/model"

// FlashLayout fixes the physical offset of each artifact role for one chip
// family. Offsets are immutable process-wide configuration.
type FlashLayout struct {
	Bootloader  int64
	Partitions  int64
	BootStub    int64
	Application int64
	UseBootStub bool
}

var layouts = map[model.ChipFamily]FlashLayout{
	model.FamilyEsp32Classic: {
		Bootloader:  0x1000,
		Partitions:  0x8000,
		BootStub:    0xE000,
		Application: 0x10000,
		UseBootStub: true,
	},
	model.FamilyEsp32C3: {
		Bootloader:  0x0000,
		Partitions:  0x8000,
		Application: 0x10000,
	},
	model.FamilyEsp32S3: {
		Bootloader:  0x0000,
		Partitions:  0x8000,
		Application: 0x10000,
	},
	// AVR has no layout: flashing goes through the toolchain's own upload
	// mechanism, not offset-addressed writes.
}

// Layout returns the flash layout for a family. ok is false for AVR.
func Layout(family model.ChipFamily) (FlashLayout, bool) {
	l, ok := layouts[family]
	return l, ok
}
