package board

import (
	"strings"

	"github.com/jaestefaniah27/arcompile/internal/model"
)

// DefaultFQBN is used when no alias or explicit fqbn is given.
const DefaultFQBN = "esp32:esp32:esp32"

// Aliases map short CLI board names onto full FQBNs.
var Aliases = map[string]string{
	"dev":     "esp32:esp32:esp32",
	"da":      "esp32:esp32:esp32da",
	"c3":      "esp32:esp32:esp32c3",
	"esp32c3": "esp32:esp32:esp32c3",
	"s3":      "esp32:esp32:esp32s3",
	"esp32s3": "esp32:esp32:esp32s3",
	"micro":   "arduino:avr:micro",
}

// Resolve maps a vendor:arch:board[:options] identifier to its chip family.
// Resolution is total: malformed identifiers fall through to Esp32Classic.
func Resolve(fqbn string) model.ChipFamily {
	var vendor, arch, boardName string
	parts := strings.Split(fqbn, ":")
	if len(parts) >= 3 {
		vendor = strings.ToLower(parts[0])
		arch = strings.ToLower(parts[1])
		boardName = strings.ToLower(parts[2])
	}

	switch {
	case arch == "avr" || vendor == "arduino":
		return model.FamilyAvr
	case strings.Contains(boardName, "c3"):
		return model.FamilyEsp32C3
	case strings.Contains(boardName, "s3"):
		return model.FamilyEsp32S3
	default:
		return model.FamilyEsp32Classic
	}
}

// FQBNFromArgs scans CLI args for an alias or fqbn=... override.
// The last match wins; absent any match the fallback is returned.
func FQBNFromArgs(args []string, fallback string) string {
	fqbn := ""
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "fqbn="); ok {
			fqbn = v
		} else if v, ok := Aliases[a]; ok {
			fqbn = v
		}
	}
	if fqbn == "" {
		return fallback
	}
	return fqbn
}
