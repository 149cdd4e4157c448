package model

// ChipFamily identifies the flashing mechanism and flash layout for a target.
type ChipFamily string

const (
	FamilyEsp32Classic ChipFamily = "esp32"
	FamilyEsp32C3      ChipFamily = "esp32c3"
	FamilyEsp32S3      ChipFamily = "esp32s3"
	FamilyAvr          ChipFamily = "avr"
)

// ArtifactRole is the semantic role a build output plays during flashing.
type ArtifactRole string

const (
	RoleBootloader     ArtifactRole = "bootloader"
	RolePartitions     ArtifactRole = "partitions"
	RoleBootStub       ArtifactRole = "boot_app0"
	RoleApplication    ArtifactRole = "application"
	RoleApplicationHex ArtifactRole = "application_hex"
)

// ArtifactSet maps each role to at most one file path. Application and
// ApplicationHex are mutually exclusive per family: AVR builds produce a hex
// image, ESP32 builds produce role-tagged .bin files.
type ArtifactSet map[ArtifactRole]string

func (s ArtifactSet) Has(role ArtifactRole) bool {
	_, ok := s[role]
	return ok
}

// Missing reports the required roles absent from the set for the given
// family. Boot stub presence depends on the family layout and is validated
// by the plan builder instead.
func (s ArtifactSet) Missing(family ChipFamily) []ArtifactRole {
	if family == FamilyAvr {
		if !s.Has(RoleApplicationHex) {
			return []ArtifactRole{RoleApplicationHex}
		}
		return nil
	}
	var missing []ArtifactRole
	for _, role := range []ArtifactRole{RoleBootloader, RolePartitions, RoleApplication} {
		if !s.Has(role) {
			missing = append(missing, role)
		}
	}
	return missing
}
