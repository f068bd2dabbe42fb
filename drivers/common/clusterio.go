package common

import (
	"fmt"
	"io"

	"github.com/dargueta/fatimage"
)

type ClusterID uint32

// ClusterStream is an abstraction layer for writing whole clusters into the data
// area of an image. Cluster numbering doesn't have to start at 0; on FAT the
// first cluster of the data area is cluster 2.
type ClusterStream struct {
	Sink              *ImageSink
	BytesPerCluster   uint
	FirstDataOffset   int64
	FirstValidCluster ClusterID
	LastValidCluster  ClusterID
}

func NewClusterStream(
	sink *ImageSink,
	bytesPerCluster uint,
	firstDataOffset int64,
	firstValidCluster ClusterID,
	lastValidCluster ClusterID,
) (ClusterStream, error) {
	if bytesPerCluster == 0 {
		return ClusterStream{}, fatimage.ErrInvalidArgument.WithMessage(
			"cluster size can't be 0")
	}
	if lastValidCluster < firstValidCluster {
		return ClusterStream{}, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid cluster range [%d, %d]", firstValidCluster, lastValidCluster))
	}

	// The last cluster must end inside the image.
	endOffset := firstDataOffset +
		int64(lastValidCluster-firstValidCluster+1)*int64(bytesPerCluster)
	if endOffset > sink.Size {
		return ClusterStream{}, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"cluster %d ends at byte %d, past the end of the %d-byte image",
				lastValidCluster,
				endOffset,
				sink.Size))
	}

	return ClusterStream{
		Sink:              sink,
		BytesPerCluster:   bytesPerCluster,
		FirstDataOffset:   firstDataOffset,
		FirstValidCluster: firstValidCluster,
		LastValidCluster:  lastValidCluster,
	}, nil
}

// ClustersForBytes returns the number of clusters needed to hold `size` bytes.
func (stream *ClusterStream) ClustersForBytes(size int64) uint {
	return uint((size + int64(stream.BytesPerCluster) - 1) / int64(stream.BytesPerCluster))
}

// ClusterIDToOffset takes a cluster ID and returns the absolute byte offset of
// the beginning of that cluster.
func (stream *ClusterStream) ClusterIDToOffset(clusterID ClusterID) (int64, error) {
	err := stream.CheckIOBounds(clusterID, 0)
	if err != nil {
		return 0, err
	}
	normalizedCluster := int64(clusterID - stream.FirstValidCluster)
	return stream.FirstDataOffset + normalizedCluster*int64(stream.BytesPerCluster), nil
}

// CheckIOBounds checks that `dataLength` bytes written starting at the beginning
// of `cluster` stay within the valid cluster range.
func (stream *ClusterStream) CheckIOBounds(cluster ClusterID, dataLength int64) error {
	if cluster < stream.FirstValidCluster || cluster > stream.LastValidCluster {
		return fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid cluster ID %d: not in range [%d, %d]",
				cluster,
				stream.FirstValidCluster,
				stream.LastValidCluster))
	}

	clusterCount := stream.ClustersForBytes(dataLength)
	if clusterCount > 0 && uint(cluster)+clusterCount-1 > uint(stream.LastValidCluster) {
		return fatimage.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf(
				"cluster %d plus %d clusters of data extends past the end of the image",
				cluster,
				clusterCount))
	}
	return nil
}

// Write writes `data` starting at the beginning of `cluster`, then pads the rest
// of the last cluster with nulls.
func (stream *ClusterStream) Write(cluster ClusterID, data []byte) error {
	offset, err := stream.ClusterIDToOffset(cluster)
	if err != nil {
		return err
	}

	err = stream.CheckIOBounds(cluster, int64(len(data)))
	if err != nil {
		return err
	}

	err = stream.Sink.Write(offset, data)
	if err != nil {
		return err
	}
	return stream.padCluster(offset, int64(len(data)))
}

// WriteFrom copies exactly `size` bytes from `reader` into consecutive clusters
// beginning at `cluster`, without holding more than one cluster in memory. The
// rest of the last cluster is padded with nulls.
func (stream *ClusterStream) WriteFrom(cluster ClusterID, reader io.Reader, size int64) error {
	offset, err := stream.ClusterIDToOffset(cluster)
	if err != nil {
		return err
	}

	err = stream.CheckIOBounds(cluster, size)
	if err != nil {
		return err
	}

	buffer := make([]byte, stream.BytesPerCluster)
	remaining := size
	position := offset

	for remaining > 0 {
		chunk := buffer
		if remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		_, err = io.ReadFull(reader, chunk)
		if err != nil {
			return fatimage.ErrReadFailed.Wrap(err)
		}

		err = stream.Sink.Write(position, chunk)
		if err != nil {
			return err
		}
		position += int64(len(chunk))
		remaining -= int64(len(chunk))
	}

	return stream.padCluster(offset, size)
}

// padCluster zeroes the unused tail of the last cluster of a write of
// `dataLength` bytes that began at `offset`.
func (stream *ClusterStream) padCluster(offset int64, dataLength int64) error {
	tail := dataLength % int64(stream.BytesPerCluster)
	if tail == 0 {
		return nil
	}
	return stream.Sink.WriteZeros(offset+dataLength, int64(stream.BytesPerCluster)-tail)
}
