// Package artifact assigns semantic roles to build output files.
//
// Toolchain exports use colliding naming conventions: a standalone bootloader
// image is "x.ino.bootloader.bin" while a pre-merged full image is
// "x.ino.with_bootloader.bin". Writing the merged form at the bootloader
// offset corrupts the flash image, so exclusions override suffix matches.
package artifact

import (
	"path/filepath"
	"strings"

	"github.com/jaestefaniah27/arcompile/internal/model"
)

// Classification is the result of classifying one file listing. Skipped
// holds pre-merged combined images that were deliberately excluded.
type Classification struct {
	Set     model.ArtifactSet
	Skipped []string
}

// rule is one entry of the ordered classification table. Matching is
// first-match-wins over lowercased base names; name is the lowercased file
// name and base the lowercased sketch name without its .ino extension.
type rule struct {
	role  model.ArtifactRole
	match func(name, base string) bool
}

func isMerged(name string) bool {
	return strings.Contains(name, "with_bootloader") || strings.Contains(name, "merged")
}

var rules = []rule{
	{model.RoleApplicationHex, func(name, _ string) bool {
		return strings.HasSuffix(name, ".hex")
	}},
	{model.RoleBootloader, func(name, _ string) bool {
		return strings.HasSuffix(name, ".bootloader.bin") && !strings.Contains(name, "with_bootloader")
	}},
	{model.RolePartitions, func(name, _ string) bool {
		return strings.HasSuffix(name, ".partitions.bin")
	}},
	{model.RoleBootStub, func(name, _ string) bool {
		return strings.HasSuffix(name, "app0.bin") && !isMerged(name)
	}},
	{model.RoleApplication, func(name, base string) bool {
		if !strings.HasSuffix(name, ".bin") || isMerged(name) {
			return false
		}
		return strings.HasSuffix(name, ".ino.bin") || (base != "" && name == base+".bin")
	}},
}

// Classify assigns a role to each file, first matching rule wins, unmatched
// files are ignored. expectedBase is the sketch name without the .ino
// extension; matching is case-insensitive, returned paths keep their
// original casing. Classification never fails: missing roles are detected
// later by the plan builder.
func Classify(files []string, expectedBase string) Classification {
	c := Classification{Set: model.ArtifactSet{}}
	base := strings.ToLower(strings.TrimSuffix(expectedBase, ".ino"))

	for _, f := range files {
		name := strings.ToLower(filepath.Base(f))
		matched := false
		for _, r := range rules {
			if r.match(name, base) {
				c.Set[r.role] = f
				matched = true
				break
			}
		}
		if !matched && strings.HasSuffix(name, ".bin") && isMerged(name) {
			c.Skipped = append(c.Skipped, f)
		}
	}
	return c
}

// ClassifyRelease classifies files restored from a release directory. The
// sketch name is unknown at load time, so after the strict rules a single
// remaining plain .bin is accepted as the application image.
func ClassifyRelease(files []string) Classification {
	c := Classify(files, "")
	if c.Set.Has(model.RoleApplication) || c.Set.Has(model.RoleApplicationHex) {
		return c
	}
	for _, f := range files {
		name := strings.ToLower(filepath.Base(f))
		if !strings.HasSuffix(name, ".bin") || isMerged(name) {
			continue
		}
		if strings.Contains(name, "bootloader") || strings.Contains(name, "partition") || strings.Contains(name, "app0") {
			continue
		}
		c.Set[model.RoleApplication] = f
		break
	}
	return c
}
