package fat32

import (
	"encoding/binary"
	"fmt"

	"github.com/dargueta/fatimage"
	"github.com/dargueta/fatimage/drivers/common"
	"github.com/golang/glog"
	"github.com/noxer/bytewriter"
)

// RawFATBootSectorWithBPB is the on-disk representation of the part of the boot
// sector common to all FAT versions.
type RawFATBootSectorWithBPB struct {
	JmpBoot           [3]byte
	OEMName           [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntryCount    uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
}

// RawFAT32BootSector is the on-disk representation of a FAT32 boot sector, up to
// the beginning of the boot code.
type RawFAT32BootSector struct {
	RawFATBootSectorWithBPB
	SectorsPerFAT32  uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfoSector     uint16
	BackupBootSector uint16
	Reserved         [12]byte
	DriveNumber      uint8
	NTReserved       uint8
	ExBootSignature  uint8
	VolumeID         uint32
	VolumeLabel      [11]byte
	FileSystemType   [8]byte
}

// RawFSInfoSector is the on-disk representation of the first 512 bytes of the
// FSInfo sector.
type RawFSInfoSector struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

const (
	// BootSectorSize is the size of the FAT32 BPB, which is where the boot code
	// begins.
	BootSectorSize = 90

	bootSignatureOffset = 510
	extBootSignature    = 0x29
	driveNumberFixed    = 0x80

	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
	fsInfoSize            = 512

	// Byte offsets of the fields patched once the directory tree is written.
	rootClusterOffset     = 44
	fsInfoFreeCountOffset = 488
	fsInfoNextFreeOffset  = 492
)

var fileSystemType = [8]byte{'F', 'A', 'T', '3', '2', ' ', ' ', ' '}

func spacePadded(value string, dest []byte) {
	for i := range dest {
		dest[i] = ' '
	}
	copy(dest, value)
}

// NewRawFAT32BootSector fills in a boot sector for a volume with the given
// parameters and layout. The root cluster is left as 0 and must be patched in
// once the root directory has been written.
func NewRawFAT32BootSector(
	params *fatimage.VolumeParameters, geometry *Geometry,
) (RawFAT32BootSector, error) {
	totalSectors := geometry.TotalSectors()
	if totalSectors > 0xFFFFFFFF {
		return RawFAT32BootSector{}, fatimage.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("%d sectors don't fit in a 32-bit sector count", totalSectors))
	}

	bootSector := RawFAT32BootSector{
		RawFATBootSectorWithBPB: RawFATBootSectorWithBPB{
			// Short jump over the BPB to the boot code, then a NOP.
			JmpBoot:           [3]byte{0xEB, BootSectorSize - 2, 0x90},
			BytesPerSector:    uint16(geometry.BytesPerSector),
			SectorsPerCluster: uint8(geometry.SectorsPerCluster),
			ReservedSectors:   uint16(geometry.ReservedSectors),
			NumFATs:           uint8(geometry.NumFATs),
			Media:             uint8(params.Media),
			TotalSectors32:    uint32(totalSectors),
		},
		SectorsPerFAT32:  uint32(geometry.SectorsPerFAT),
		FSInfoSector:     uint16(params.FSInfoSector),
		BackupBootSector: uint16(params.BackupBootSector),
		ExBootSignature:  extBootSignature,
		VolumeID:         params.VolumeID,
		FileSystemType:   fileSystemType,
	}
	if params.Media == fatimage.MediaFixed {
		bootSector.DriveNumber = driveNumberFixed
	}

	spacePadded(params.OEMName, bootSector.OEMName[:])
	spacePadded(params.VolumeLabel, bootSector.VolumeLabel[:])
	return bootSector, nil
}

// EncodeBootSector serializes the boot sector into a full sector: the BPB, the
// boot stub (if any), null padding, and the 0x55 0xAA signature.
func EncodeBootSector(bootSector *RawFAT32BootSector, bootStub []byte) ([]byte, error) {
	if len(bootStub) > fatimage.MaxBootStubSize {
		return nil, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"boot stub is %d bytes, but only %d fit in the boot sector",
				len(bootStub),
				fatimage.MaxBootStubSize))
	}

	sector := make([]byte, bootSector.BytesPerSector)
	writer := bytewriter.New(sector)

	err := binary.Write(writer, binary.LittleEndian, bootSector)
	if err != nil {
		return nil, fatimage.ErrInvalidArgument.Wrap(err)
	}
	_, err = writer.Write(bootStub)
	if err != nil {
		return nil, fatimage.ErrInvalidArgument.Wrap(err)
	}

	sector[bootSignatureOffset] = 0x55
	sector[bootSignatureOffset+1] = 0xAA
	return sector, nil
}

// EncodeFSInfoSector serializes an FSInfo sector with the given hints.
func EncodeFSInfoSector(bytesPerSector uint, freeCount uint32, nextFree ClusterID) ([]byte, error) {
	info := RawFSInfoSector{
		LeadSignature:   fsInfoLeadSignature,
		StructSignature: fsInfoStructSignature,
		FreeCount:       freeCount,
		NextFree:        uint32(nextFree),
		TrailSignature:  fsInfoTrailSignature,
	}

	sector := make([]byte, bytesPerSector)
	err := binary.Write(bytewriter.New(sector), binary.LittleEndian, &info)
	if err != nil {
		return nil, fatimage.ErrInvalidArgument.Wrap(err)
	}
	return sector, nil
}

// PreambleWriter writes the reserved region of the volume: the boot sector, the
// FSInfo sector, and their backups.
type PreambleWriter struct {
	sink     *common.ImageSink
	params   *fatimage.VolumeParameters
	geometry *Geometry
}

// NewPreambleWriter creates a writer for the boot area of a volume with the
// given parameters and layout.
func NewPreambleWriter(
	sink *common.ImageSink, params *fatimage.VolumeParameters, geometry *Geometry,
) *PreambleWriter {
	return &PreambleWriter{sink: sink, params: params, geometry: geometry}
}

func (w *PreambleWriter) sectorOffset(sector uint) int64 {
	return int64(sector) * int64(w.geometry.BytesPerSector)
}

// bootSectors returns the sectors holding a copy of the boot sector.
func (w *PreambleWriter) bootSectors() []uint {
	if w.params.BackupBootSector == 0 {
		return []uint{0}
	}
	return []uint{0, w.params.BackupBootSector}
}

// fsInfoSectors returns the sectors holding a copy of the FSInfo sector. The
// backup copy goes right after the backup boot sector.
func (w *PreambleWriter) fsInfoSectors() []uint {
	if w.params.BackupBootSector == 0 {
		return []uint{w.params.FSInfoSector}
	}
	return []uint{w.params.FSInfoSector, w.params.BackupBootSector + 1}
}

// Write writes the boot sector and FSInfo sector, along with their backups if
// enabled. The root cluster, free count, and next free cluster are
// placeholders until Patch is called.
func (w *PreambleWriter) Write() error {
	bootSector, err := NewRawFAT32BootSector(w.params, w.geometry)
	if err != nil {
		return err
	}

	bootSectorBytes, err := EncodeBootSector(&bootSector, w.params.BootStub)
	if err != nil {
		return err
	}
	for _, sector := range w.bootSectors() {
		glog.V(2).Infof("Writing boot sector to sector %d", sector)
		err = w.sink.Write(w.sectorOffset(sector), bootSectorBytes)
		if err != nil {
			return err
		}
	}

	// The free count isn't known yet. 0xFFFFFFFF means "unknown" to readers, so
	// the image is still valid if we never get to patch it.
	fsInfoBytes, err := EncodeFSInfoSector(w.geometry.BytesPerSector, 0xFFFFFFFF, 0xFFFFFFFF)
	if err != nil {
		return err
	}
	for _, sector := range w.fsInfoSectors() {
		glog.V(2).Infof("Writing FSInfo sector to sector %d", sector)
		err = w.sink.Write(w.sectorOffset(sector), fsInfoBytes)
		if err != nil {
			return err
		}
	}
	return nil
}

// Patch fills in the values that are only known after the directory tree has
// been written: the root directory's first cluster in every copy of the boot
// sector, and the free cluster count and next free cluster in every copy of the
// FSInfo sector.
func (w *PreambleWriter) Patch(rootCluster ClusterID, freeCount uint32, nextFree ClusterID) error {
	for _, sector := range w.bootSectors() {
		err := w.sink.WriteStruct(w.sectorOffset(sector)+rootClusterOffset, uint32(rootCluster))
		if err != nil {
			return err
		}
	}

	for _, sector := range w.fsInfoSectors() {
		base := w.sectorOffset(sector)
		err := w.sink.WriteStruct(base+fsInfoFreeCountOffset, freeCount)
		if err != nil {
			return err
		}
		err = w.sink.WriteStruct(base+fsInfoNextFreeOffset, uint32(nextFree))
		if err != nil {
			return err
		}
	}
	return nil
}
