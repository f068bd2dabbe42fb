package fatimage

import (
	"fmt"
	"time"
)

// MediaDescriptor is the byte stored in the BPB's media field and in the low
// byte of FAT[0].
type MediaDescriptor uint8

const (
	// MediaFixed marks the volume as living on a non-removable disk.
	MediaFixed MediaDescriptor = 0xF8
	// MediaRemovable marks the volume as living on removable media.
	MediaRemovable MediaDescriptor = 0xF0
)

// DefaultExtraFreeBytes is the amount of free space added on top of what the
// staged tree needs, so the image isn't completely full when it's booted.
const DefaultExtraFreeBytes = 32 * 1024 * 1024

// MaxRecommendedClusterBytes is the largest cluster size that all FAT32
// implementations are expected to handle. Larger clusters are allowed but
// produce a warning.
const MaxRecommendedClusterBytes = 32 * 1024

// VolumeParameters describes the geometry and identity of the volume to build.
// It's supplied by the caller and never modified while an image is built.
type VolumeParameters struct {
	// BytesPerSector must be 512, 1024, 2048, or 4096.
	BytesPerSector uint
	// SectorsPerCluster must be a power of two no larger than 128.
	SectorsPerCluster uint
	// ReservedSectors is the number of sectors before the first FAT. It must be
	// at least 2 so the boot sector and FSInfo sector both fit, and must leave
	// room for the backup boot sector and backup FSInfo if they're enabled.
	ReservedSectors uint
	// NumFATs is the number of mirrored copies of the allocation table.
	NumFATs uint
	Media   MediaDescriptor
	// VolumeID is the 32-bit serial number of the volume.
	VolumeID uint32
	// VolumeLabel is at most 11 bytes of ASCII. It's padded with spaces.
	VolumeLabel string
	// OEMName is at most 8 bytes of ASCII. It's padded with spaces.
	OEMName string
	// FSInfoSector is the sector index of the FSInfo sector. Must be nonzero and
	// inside the reserved area.
	FSInfoSector uint
	// BackupBootSector is the sector index of the copy of the boot sector. The
	// backup FSInfo sector is written to the sector right after it. 0 disables
	// both backups.
	BackupBootSector uint
	// BootStub is optional boot code placed right after the BPB. It must fit in
	// the space between the end of the BPB and the boot signature.
	BootStub []byte
	// ExtraFreeBytes is the amount of free space to leave on the volume after all
	// staged files have been written.
	ExtraFreeBytes uint64
}

// DefaultVolumeParameters returns the parameters used when the caller doesn't
// override anything.
func DefaultVolumeParameters() VolumeParameters {
	return VolumeParameters{
		BytesPerSector:    512,
		SectorsPerCluster: 1,
		ReservedSectors:   32,
		NumFATs:           2,
		Media:             MediaFixed,
		VolumeID:          VolumeIDFromTime(time.Now()),
		VolumeLabel:       "NO NAME",
		OEMName:           "FATIMAGE",
		FSInfoSector:      1,
		BackupBootSector:  6,
		ExtraFreeBytes:    DefaultExtraFreeBytes,
	}
}

// BytesPerCluster is the size of one cluster of the volume, in bytes.
func (p *VolumeParameters) BytesPerCluster() uint {
	return p.BytesPerSector * p.SectorsPerCluster
}

// Validate checks the parameters for consistency. Fatal problems are returned
// as an error; conditions that are legal but unusual are returned as warnings.
func (p *VolumeParameters) Validate() (warnings []string, err error) {
	// BytesPerSector must be 512, 1024, 2048, or 4096.
	switch p.BytesPerSector {
	case 512, 1024, 2048, 4096:
		break
	default:
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"bytes per sector must be 512, 1024, 2048, or 4096, got %d",
				p.BytesPerSector))
	}

	// SectorsPerCluster must be a power of 2 in the range [1, 128].
	switch p.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
		break
	default:
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sectors per cluster must be a power of 2 in [1, 128], got %d",
				p.SectorsPerCluster))
	}

	if p.ReservedSectors < 2 || p.ReservedSectors > 0xFFFF {
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("reserved sectors must be in [2, 65535], got %d", p.ReservedSectors))
	}
	if p.NumFATs < 1 || p.NumFATs > 0xFF {
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("number of FATs must be in [1, 255], got %d", p.NumFATs))
	}
	if p.Media != MediaFixed && p.Media != MediaRemovable {
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("media descriptor must be 0xF8 or 0xF0, got %#02x", uint8(p.Media)))
	}
	if p.FSInfoSector == 0 || p.FSInfoSector >= p.ReservedSectors {
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"FSInfo sector must be in [1, %d), got %d", p.ReservedSectors, p.FSInfoSector))
	}

	if p.BackupBootSector != 0 {
		// The backup FSInfo sector goes right after the backup boot sector, so we
		// need two sectors.
		if p.BackupBootSector+1 >= p.ReservedSectors {
			return nil, ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"backup boot sector %d and its FSInfo copy don't fit in %d reserved sectors",
					p.BackupBootSector,
					p.ReservedSectors))
		}
		if p.BackupBootSector == p.FSInfoSector || p.BackupBootSector+1 == p.FSInfoSector {
			return nil, ErrInvalidArgument.WithMessage(
				fmt.Sprintf(
					"backup boot sector %d overlaps FSInfo sector %d",
					p.BackupBootSector,
					p.FSInfoSector))
		}
	}

	if len(p.VolumeLabel) > 11 {
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("volume label %q is longer than 11 bytes", p.VolumeLabel))
	}
	if len(p.OEMName) > 8 {
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf("OEM name %q is longer than 8 bytes", p.OEMName))
	}
	if len(p.BootStub) > MaxBootStubSize {
		return nil, ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"boot stub is %d bytes, but only %d fit in the boot sector",
				len(p.BootStub),
				MaxBootStubSize))
	}

	if p.BytesPerCluster() > MaxRecommendedClusterBytes {
		warnings = append(
			warnings,
			fmt.Sprintf(
				"cluster size of %d bytes exceeds %d; some FAT32 implementations won't mount this volume",
				p.BytesPerCluster(),
				MaxRecommendedClusterBytes))
	}
	return warnings, nil
}

// MaxBootStubSize is the number of bytes available for boot code between the
// end of the FAT32 BPB (byte 90) and the boot signature (byte 510).
const MaxBootStubSize = 510 - 90

// VolumeIDFromTime derives a volume serial number from a timestamp the same way
// DOS FORMAT does: the date and time words are mixed so that two volumes
// formatted at different times get different serials.
func VolumeIDFromTime(t time.Time) uint32 {
	dateWord := uint32(t.Month())<<8 | uint32(t.Day())
	dateWord += uint32(t.Second())<<8 | uint32(t.Nanosecond()/10000000)
	timeWord := uint32(t.Hour())<<8 | uint32(t.Minute())
	timeWord += uint32(t.Year())
	return (dateWord << 16) | (timeWord & 0xFFFF)
}
