package fat32

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/fatimage"
	"github.com/dargueta/fatimage/drivers/common"
	"github.com/golang/glog"
)

// ClusterAllocator hands out cluster chains in increasing order and records them
// in every copy of the FAT. It also writes the contents of those chains into the
// data area.
//
// Clusters are never freed, so every chain is contiguous and the allocator is a
// cursor over the data area.
type ClusterAllocator struct {
	sink     *common.ImageSink
	geometry *Geometry
	clusters common.ClusterStream
	units    common.Allocator
}

// NewClusterAllocator clears every copy of the FAT and writes the two reserved
// entries at the start of each.
func NewClusterAllocator(
	sink *common.ImageSink, geometry *Geometry, media fatimage.MediaDescriptor,
) (*ClusterAllocator, error) {
	clusters, err := common.NewClusterStream(
		sink,
		geometry.BytesPerCluster(),
		geometry.FirstDataOffset(),
		FirstDataCluster,
		geometry.LastCluster())
	if err != nil {
		return nil, err
	}

	// The bitmap is indexed by cluster number, so clusters 0 and 1 take up the
	// first two bits and are marked in use from the start.
	units, err := common.NewAllocator(
		geometry.DataClusters+uint(FirstDataCluster), common.UnitID(FirstDataCluster))
	if err != nil {
		return nil, err
	}

	alloc := &ClusterAllocator{
		sink:     sink,
		geometry: geometry,
		clusters: clusters,
		units:    units,
	}

	for i := uint(0); i < geometry.NumFATs; i++ {
		glog.V(2).Infof("Clearing FAT %d at offset %d", i, geometry.FATOffset(i))
		err = sink.WriteZeros(geometry.FATOffset(i), geometry.FATBytes())
		if err != nil {
			return nil, err
		}
	}

	reserved := []uint32{0x0FFFFF00 | uint32(media), uint32(EndOfChain)}
	err = alloc.writeFATEntries(0, reserved)
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// writeFATEntries writes consecutive FAT entries beginning at `first` to every
// copy of the FAT. Each copy gets the whole run in one write.
func (alloc *ClusterAllocator) writeFATEntries(first ClusterID, values []uint32) error {
	raw := make([]byte, len(values)*FATEntrySize)
	for i, value := range values {
		binary.LittleEndian.PutUint32(raw[i*FATEntrySize:], value)
	}

	entryOffset := int64(first) * FATEntrySize
	for i := uint(0); i < alloc.geometry.NumFATs; i++ {
		err := alloc.sink.Write(alloc.geometry.FATOffset(i)+entryOffset, raw)
		if err != nil {
			return err
		}
	}
	return nil
}

// Reserve allocates a chain of `count` clusters and links it in every copy of
// the FAT. It returns the first cluster of the chain, or 0 if `count` is 0.
func (alloc *ClusterAllocator) Reserve(count uint) (ClusterID, error) {
	if count == 0 {
		return 0, nil
	}

	unit, err := alloc.units.AllocateContiguous(count)
	if err != nil {
		return 0, err
	}
	first := ClusterID(unit)

	links := make([]uint32, count)
	for i := uint(0); i < count-1; i++ {
		links[i] = uint32(first) + uint32(i) + 1
	}
	links[count-1] = uint32(EndOfChain)

	glog.V(2).Infof("Reserved %d clusters starting at %d", count, first)
	return first, alloc.writeFATEntries(first, links)
}

// ReserveForBytes reserves just enough clusters to hold `size` bytes.
func (alloc *ClusterAllocator) ReserveForBytes(size int64) (ClusterID, error) {
	return alloc.Reserve(alloc.clusters.ClustersForBytes(size))
}

// ClustersForBytes returns the number of clusters needed to hold `size` bytes.
func (alloc *ClusterAllocator) ClustersForBytes(size int64) uint {
	return alloc.clusters.ClustersForBytes(size)
}

// checkChain makes sure `size` bytes written at `first` stay inside clusters
// this allocator has handed out.
func (alloc *ClusterAllocator) checkChain(first ClusterID, size int64) error {
	count := alloc.clusters.ClustersForBytes(size)
	if !alloc.units.HasContiguousValuesAt(common.UnitID(first), true, count) {
		return fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"%d bytes at cluster %d would write to clusters that aren't reserved",
				size,
				first))
	}
	return nil
}

// WriteData writes `data` into the chain beginning at `first`, padding the last
// cluster with nulls. The chain must have been reserved already.
func (alloc *ClusterAllocator) WriteData(first ClusterID, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	err := alloc.checkChain(first, int64(len(data)))
	if err != nil {
		return err
	}
	return alloc.clusters.Write(first, data)
}

// CopyData streams exactly `size` bytes from `reader` into the chain beginning
// at `first`. The chain must have been reserved already.
func (alloc *ClusterAllocator) CopyData(first ClusterID, reader io.Reader, size int64) error {
	if size == 0 {
		return nil
	}

	err := alloc.checkChain(first, size)
	if err != nil {
		return err
	}
	return alloc.clusters.WriteFrom(first, reader, size)
}

// FreeClusters returns the number of data clusters not yet allocated.
func (alloc *ClusterAllocator) FreeClusters() uint {
	return alloc.units.FreeUnits()
}

// UsedClusters returns the number of data clusters allocated so far.
func (alloc *ClusterAllocator) UsedClusters() uint {
	return alloc.geometry.DataClusters - alloc.units.FreeUnits()
}

// NextFree returns the cluster the next allocation will start at. If the volume
// is full, this is one past the last cluster.
func (alloc *ClusterAllocator) NextFree() ClusterID {
	return ClusterID(alloc.units.NextFree())
}
