// Bitmap allocator

package common

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/fatimage"
)

type UnitID uint32

// Allocator hands out units (blocks, clusters, ...) in strictly increasing
// order. Units are never freed, so the allocator only needs a cursor; the
// bitmap records what's been handed out so callers can verify it.
type Allocator struct {
	AllocationBitmap bitmap.Bitmap
	TotalUnits       uint
	nextFree         UnitID
	allocatedCount   uint
}

// NewAllocator creates a new allocation bitmap with units [0, firstUsable)
// marked as in use, and the cursor positioned at `firstUsable`.
func NewAllocator(totalUnits uint, firstUsable UnitID) (Allocator, error) {
	if uint(firstUsable) > totalUnits {
		return Allocator{}, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"first usable unit %d is past the end of a %d-unit bitmap",
				firstUsable,
				totalUnits))
	}

	alloc := Allocator{
		AllocationBitmap: bitmap.New(int(totalUnits)),
		TotalUnits:       totalUnits,
		nextFree:         firstUsable,
	}
	for i := 0; i < int(firstUsable); i++ {
		alloc.AllocationBitmap.Set(i, true)
	}
	alloc.allocatedCount = uint(firstUsable)
	return alloc, nil
}

// NextFree returns the unit the next allocation will start at.
func (alloc *Allocator) NextFree() UnitID {
	return alloc.nextFree
}

// FreeUnits returns the number of units that haven't been allocated yet.
func (alloc *Allocator) FreeUnits() uint {
	return alloc.TotalUnits - alloc.allocatedCount
}

// IsAllocated reports whether `unit` has been handed out.
func (alloc *Allocator) IsAllocated(unit UnitID) bool {
	if uint(unit) >= alloc.TotalUnits {
		return false
	}
	return alloc.AllocationBitmap.Get(int(unit))
}

// HasContiguousValuesAt returns true if the `count` units starting at `start`
// all have the value `value`.
func (alloc *Allocator) HasContiguousValuesAt(start UnitID, value bool, count uint) bool {
	if uint(start)+count > alloc.TotalUnits {
		return false
	}

	for i := uint(0); i < count; i++ {
		if alloc.AllocationBitmap.Get(int(uint(start)+i)) != value {
			return false
		}
	}
	return true
}

// AllocateContiguous allocates `count` contiguous units starting at the cursor
// and returns the first one. Allocating 0 units always succeeds and returns 0
// without moving the cursor.
func (alloc *Allocator) AllocateContiguous(count uint) (UnitID, error) {
	if count == 0 {
		return 0, nil
	}

	runStart := alloc.nextFree
	if !alloc.HasContiguousValuesAt(runStart, false, count) {
		return 0, fatimage.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf(
				"can't allocate %d units at %d: only %d of %d units are free",
				count,
				runStart,
				alloc.FreeUnits(),
				alloc.TotalUnits))
	}

	for i := uint(0); i < count; i++ {
		alloc.AllocationBitmap.Set(int(uint(runStart)+i), true)
	}
	alloc.nextFree = runStart + UnitID(count)
	alloc.allocatedCount += count
	return runStart, nil
}
