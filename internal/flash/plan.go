// Package flash builds write plans and drives the flashing utility.
package flash

import (
	"errors"
	"fmt"

	"github.com/jaestefaniah27/arcompile/internal/board"
	"github.com/jaestefaniah27/arcompile/internal/model"
)

var (
	ErrUnsupportedFamily = errors.New("family has no offset-addressed flash layout")
	ErrNoArtifacts       = errors.New("no artifacts to flash")
	ErrArtifactMissing   = errors.New("required artifact missing")
)

// WriteOp is one (offset, file) write.
type WriteOp struct {
	Offset int64
	Path   string
	Role   model.ArtifactRole
}

// WritePlan is ordered ascending by offset. Lower offsets must be written
// first within one invocation to match the erase-block semantics of the
// flashing tool.
type WritePlan []WriteOp

// BuildPlan derives the write plan for an ESP32-family artifact set.
// The boot stub is included only when the layout requires it and the
// artifact is present; the other three roles are mandatory.
func BuildPlan(set model.ArtifactSet, family model.ChipFamily) (WritePlan, error) {
	layout, ok := board.Layout(family)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, family)
	}
	if missing := set.Missing(family); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrArtifactMissing, missing)
	}

	var plan WritePlan
	if p, ok := set[model.RoleBootloader]; ok {
		plan = append(plan, WriteOp{layout.Bootloader, p, model.RoleBootloader})
	}
	if p, ok := set[model.RolePartitions]; ok {
		plan = append(plan, WriteOp{layout.Partitions, p, model.RolePartitions})
	}
	if layout.UseBootStub {
		if p, ok := set[model.RoleBootStub]; ok {
			plan = append(plan, WriteOp{layout.BootStub, p, model.RoleBootStub})
		}
	}
	if p, ok := set[model.RoleApplication]; ok {
		plan = append(plan, WriteOp{layout.Application, p, model.RoleApplication})
	}
	if len(plan) == 0 {
		return nil, ErrNoArtifacts
	}
	return plan, nil
}
