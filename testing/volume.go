package testing

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/dargueta/fatimage/drivers/fat32"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

// Volume is a minimal read-only view of a FAT32 image, enough to check what the
// image builder wrote. Any inconsistency it runs into fails the test.
type Volume struct {
	t          *testing.T
	Image      []byte
	BootSector fat32.RawFAT32BootSector
	Geometry   fat32.Geometry
}

// DirectoryEntry is a short directory entry along with the long name stored in
// front of it, if any.
type DirectoryEntry struct {
	// Name is the long name if there is one, the short name otherwise.
	Name      string
	ShortName string
	Dirent    fat32.RawDirent
	// LongNameEntries is the number of long file name entries in front of the
	// short entry.
	LongNameEntries int
}

// OpenVolume parses the boot sector of `image`.
func OpenVolume(t *testing.T, image []byte) *Volume {
	require.GreaterOrEqual(t, len(image), 512, "image is too small to hold a boot sector")

	v := &Volume{t: t, Image: image}
	err := binary.Read(
		bytes.NewReader(image[:fat32.BootSectorSize]), binary.LittleEndian, &v.BootSector)
	require.NoError(t, err, "failed to decode boot sector")

	bpb := &v.BootSector
	require.NotZero(t, bpb.BytesPerSector)
	require.NotZero(t, bpb.SectorsPerCluster)

	dataSectors := uint(bpb.TotalSectors32) -
		uint(bpb.ReservedSectors) -
		uint(bpb.NumFATs)*uint(bpb.SectorsPerFAT32)
	v.Geometry = fat32.Geometry{
		BytesPerSector:    uint(bpb.BytesPerSector),
		SectorsPerCluster: uint(bpb.SectorsPerCluster),
		ReservedSectors:   uint(bpb.ReservedSectors),
		NumFATs:           uint(bpb.NumFATs),
		SectorsPerFAT:     uint(bpb.SectorsPerFAT32),
		DataClusters:      dataSectors / uint(bpb.SectorsPerCluster),
	}
	require.EqualValues(
		t, v.Geometry.ImageSize(), len(image), "image size doesn't match boot sector")
	return v
}

// FAT returns the raw bytes of the `index`th copy of the FAT.
func (v *Volume) FAT(index uint) []byte {
	offset := v.Geometry.FATOffset(index)
	return v.Image[offset : offset+v.Geometry.FATBytes()]
}

// FATEntry returns the entry for `cluster` in the first FAT.
func (v *Volume) FATEntry(cluster fat32.ClusterID) uint32 {
	offset := int64(cluster) * fat32.FATEntrySize
	return binary.LittleEndian.Uint32(v.FAT(0)[offset:]) & 0x0FFFFFFF
}

// Chain returns every cluster in the chain starting at `first`, in order. It
// returns nil for cluster 0.
func (v *Volume) Chain(first fat32.ClusterID) []fat32.ClusterID {
	if first == 0 {
		return nil
	}

	var chain []fat32.ClusterID
	cluster := first
	for {
		require.GreaterOrEqual(
			v.t, uint32(cluster), uint32(fat32.FirstDataCluster), "chain from %d is broken", first)
		require.LessOrEqual(
			v.t, uint32(cluster), uint32(v.Geometry.LastCluster()), "chain from %d is broken", first)
		require.LessOrEqual(
			v.t, uint(len(chain)), v.Geometry.DataClusters, "chain from %d has a cycle", first)

		chain = append(chain, cluster)
		next := v.FATEntry(cluster)
		if next >= 0x0FFFFFF8 {
			return chain
		}
		cluster = fat32.ClusterID(next)
	}
}

// Cluster returns the contents of a single data cluster.
func (v *Volume) Cluster(cluster fat32.ClusterID) []byte {
	size := int64(v.Geometry.BytesPerCluster())
	offset := v.Geometry.FirstDataOffset() + int64(cluster-fat32.FirstDataCluster)*size
	return v.Image[offset : offset+size]
}

// ReadChain returns the contents of every cluster in the chain starting at
// `first`, concatenated.
func (v *Volume) ReadChain(first fat32.ClusterID) []byte {
	var data []byte
	for _, cluster := range v.Chain(first) {
		data = append(data, v.Cluster(cluster)...)
	}
	return data
}

// RootCluster returns the root directory cluster from the boot sector.
func (v *Volume) RootCluster() fat32.ClusterID {
	return fat32.ClusterID(v.BootSector.RootCluster)
}

func decodeLongName(t *testing.T, units []uint16) string {
	for i, unit := range units {
		if unit == 0 {
			units = units[:i]
			break
		}
	}

	raw := make([]byte, len(units)*2)
	for i, unit := range units {
		binary.LittleEndian.PutUint16(raw[i*2:], unit)
	}
	decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	require.NoError(t, err)
	return string(decoded)
}

// ReadDirectory lists the directory whose chain starts at `first`, including the
// `.` and `..` entries. Long names are checked against the checksum of the short
// entry they belong to.
func (v *Volume) ReadDirectory(first fat32.ClusterID) []DirectoryEntry {
	data := v.ReadChain(first)
	var entries []DirectoryEntry
	var pending []fat32.RawLongNameDirent

	for offset := 0; offset+fat32.DirentSize <= len(data); offset += fat32.DirentSize {
		raw := data[offset : offset+fat32.DirentSize]
		if raw[0] == 0 {
			break
		}

		if raw[11] == fat32.AttrLongName {
			lfn, err := fat32.NewRawLongNameDirentFromBytes(raw)
			require.NoError(v.t, err)
			pending = append(pending, lfn)
			continue
		}

		dirent, err := fat32.NewRawDirentFromBytes(raw)
		require.NoError(v.t, err)
		entry := DirectoryEntry{
			Name:            dirent.Name.String(),
			ShortName:       dirent.Name.String(),
			Dirent:          dirent,
			LongNameEntries: len(pending),
		}

		if len(pending) > 0 {
			// Stored last piece first, so walk them backwards.
			var units []uint16
			for i := len(pending) - 1; i >= 0; i-- {
				require.Equal(
					v.t,
					dirent.Name.Checksum(),
					pending[i].Checksum,
					"long name checksum mismatch for %s",
					entry.ShortName)
				require.EqualValues(v.t, len(pending)-i, pending[i].Ordinal&0x3F)
				units = append(units, pending[i].Units()...)
			}
			require.NotZero(v.t, pending[0].Ordinal&0x40, "first long name entry isn't marked last")
			entry.Name = decodeLongName(v.t, units)
			pending = nil
		}
		entries = append(entries, entry)
	}

	require.Empty(v.t, pending, "long name entries with no short entry after them")
	return entries
}

// Lookup finds the entry at the slash-separated `path`, relative to the root
// directory. Names are compared case-insensitively, against both the long and
// short name.
func (v *Volume) Lookup(path string) DirectoryEntry {
	cluster := v.RootCluster()
	var found DirectoryEntry

	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		matched := false
		for _, entry := range v.ReadDirectory(cluster) {
			if strings.EqualFold(entry.Name, part) || strings.EqualFold(entry.ShortName, part) {
				found = entry
				matched = true
				break
			}
		}
		require.True(v.t, matched, "%q not found", strings.Join(parts[:i+1], "/"))
		cluster = found.Dirent.FirstCluster()
	}
	return found
}

// ReadFile returns the contents of the file at `path`.
func (v *Volume) ReadFile(path string) []byte {
	entry := v.Lookup(path)
	require.False(v.t, entry.Dirent.IsDir(), "%q is a directory", path)

	data := v.ReadChain(entry.Dirent.FirstCluster())
	require.GreaterOrEqual(v.t, len(data), int(entry.Dirent.FileSize))
	return data[:entry.Dirent.FileSize]
}

// FSInfo returns the free cluster count and next free cluster hint stored in the
// FSInfo sector.
func (v *Volume) FSInfo() (uint32, uint32) {
	offset := int(v.BootSector.FSInfoSector) * int(v.Geometry.BytesPerSector)
	sector := v.Image[offset : offset+512]

	require.EqualValues(v.t, 0x41615252, binary.LittleEndian.Uint32(sector[0:]))
	require.EqualValues(v.t, 0x61417272, binary.LittleEndian.Uint32(sector[484:]))
	require.EqualValues(v.t, 0xAA550000, binary.LittleEndian.Uint32(sector[508:]))
	return binary.LittleEndian.Uint32(sector[488:]), binary.LittleEndian.Uint32(sector[492:])
}
