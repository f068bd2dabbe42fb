package fat32

import (
	"github.com/dargueta/fatimage"
	"github.com/dargueta/fatimage/drivers/common"
)

const (
	// AttrReadOnly is an attribute flag marking a directory entry as read-only.
	AttrReadOnly = 1 << iota

	// AttrHidden is an attribute flag marking a directory entry as "hidden", meaning it
	// wouldn't show up in normal directory listings.
	AttrHidden = 1 << iota

	// AttrSystem is an attribute flag marking a directory entry as essential to the
	// operating system.
	AttrSystem = 1 << iota

	// AttrVolumeLabel is an attribute flag that marks a directory entry as containing
	// the volume label. It must reside in the root directory.
	AttrVolumeLabel = 1 << iota

	// AttrDirectory is an attribute flag marking a directory entry as being a directory.
	AttrDirectory = 1 << iota

	// AttrArchived is an attribute flag used by some systems to mark a directory entry
	// as "dirty". Archiving tools use this flag to determine whether the file needs to
	// be backed up or not.
	AttrArchived = 1 << iota

	// AttrDevice is an attribute flag marking a directory entry as abstracting a device.
	AttrDevice = 1 << iota

	// AttrReserved is an attribute flag that is undefined by the FAT standard.
	AttrReserved = 1 << iota
)

// AttrLongName is the combination of attribute flags that marks a directory entry
// as a piece of a long file name.
const AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel

type ClusterID = common.ClusterID

const (
	// EndOfChain is the FAT value marking the last cluster of a chain.
	EndOfChain ClusterID = 0x0FFFFFFF
	// FirstDataCluster is the number of the first cluster of the data area.
	// Clusters 0 and 1 don't exist on disk; their FAT entries hold the media
	// descriptor and an end-of-chain marker.
	FirstDataCluster ClusterID = 2
	// MaxDataClusters is the largest number of data clusters a FAT32 volume can
	// have. Values from 0x0FFFFFF7 up are reserved as markers.
	MaxDataClusters = 0x0FFFFFF5
	// MinDataClusters is the smallest number of clusters a volume can have and
	// still be recognized as FAT32.
	MinDataClusters = 65525
	// FATEntrySize is the size of one FAT32 table entry, in bytes.
	FATEntrySize = 4
	// DirentSize is the size of a single raw directory entry, in bytes.
	DirentSize = 32
	// MaxFileSize is the largest file FAT32 can store.
	MaxFileSize = 0xFFFFFFFF
)

// DetermineFATVersion determines the version of the FAT file system based on the number
// of clusters on the system. (This is the only proper way to do so.)
func DetermineFATVersion(totalClusters uint) int {
	// These cluster counts, while odd-looking, are correct. They're taken directly from
	// Microsoft's FAT documentation, v1.03, page 14.
	if totalClusters < 4085 {
		return 12
	}
	if totalClusters < MinDataClusters {
		return 16
	}
	return 32
}

// Geometry is the complete layout of a volume: where each region starts and how
// big it is. Everything in it is derived from the volume parameters and the size
// of one FAT.
type Geometry struct {
	BytesPerSector    uint
	SectorsPerCluster uint
	ReservedSectors   uint
	NumFATs           uint
	// SectorsPerFAT is the size of a single copy of the FAT.
	SectorsPerFAT uint
	// DataClusters is the number of clusters in the data area. Every one of them
	// is addressable by the FAT.
	DataClusters uint
}

// NewGeometry computes the layout of a volume whose FATs are each `sectorsPerFAT`
// sectors long. The data area is sized to use every entry of the FAT except the
// two reserved ones.
func NewGeometry(params *fatimage.VolumeParameters, sectorsPerFAT uint) Geometry {
	entriesPerFAT := sectorsPerFAT * params.BytesPerSector / FATEntrySize
	return Geometry{
		BytesPerSector:    params.BytesPerSector,
		SectorsPerCluster: params.SectorsPerCluster,
		ReservedSectors:   params.ReservedSectors,
		NumFATs:           params.NumFATs,
		SectorsPerFAT:     sectorsPerFAT,
		DataClusters:      entriesPerFAT - uint(FirstDataCluster),
	}
}

// BytesPerCluster is the size of a cluster, in bytes.
func (g *Geometry) BytesPerCluster() uint {
	return g.BytesPerSector * g.SectorsPerCluster
}

// FATBytes is the size of one copy of the FAT, in bytes.
func (g *Geometry) FATBytes() int64 {
	return int64(g.SectorsPerFAT) * int64(g.BytesPerSector)
}

// FATOffset returns the absolute byte offset of the `index`th copy of the FAT.
func (g *Geometry) FATOffset(index uint) int64 {
	return int64(g.ReservedSectors)*int64(g.BytesPerSector) + int64(index)*g.FATBytes()
}

// FirstDataOffset is the absolute byte offset of cluster 2.
func (g *Geometry) FirstDataOffset() int64 {
	return g.FATOffset(g.NumFATs)
}

// LastCluster is the number of the highest cluster on the volume.
func (g *Geometry) LastCluster() ClusterID {
	return FirstDataCluster + ClusterID(g.DataClusters) - 1
}

// TotalSectors is the size of the whole volume, in sectors.
func (g *Geometry) TotalSectors() uint64 {
	return uint64(g.ReservedSectors) +
		uint64(g.NumFATs)*uint64(g.SectorsPerFAT) +
		uint64(g.DataClusters)*uint64(g.SectorsPerCluster)
}

// ImageSize is the size of the whole volume, in bytes.
func (g *Geometry) ImageSize() int64 {
	return int64(g.TotalSectors()) * int64(g.BytesPerSector)
}

// DirentsPerCluster is the number of directory entries that fit in one cluster.
func (g *Geometry) DirentsPerCluster() uint {
	return g.BytesPerCluster() / DirentSize
}
