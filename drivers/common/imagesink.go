package common

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/dargueta/fatimage"
)

// ZeroChunkSize is the largest buffer WriteZeros allocates, regardless of how
// many bytes it's asked to clear.
const ZeroChunkSize = 1024 * 1024

// Truncater is implemented by streams whose length can be set, like *os.File.
type Truncater interface {
	Truncate(size int64) error
}

// ImageSink is a fixed-size output image that's written to at absolute byte
// offsets. Every section of a volume has a predetermined location, so there's
// no notion of a current position or of appending.
//
// All failures are reported as fatimage.ErrIOFailed.
type ImageSink struct {
	// Size is the length of the image in bytes. It's set when the sink is created
	// and never changes.
	Size   int64
	stream io.WriteSeeker
}

// CreateImageFile creates (or truncates) the file at `path` and extends it to
// exactly `size` bytes.
func CreateImageFile(path string, size int64) (*ImageSink, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fatimage.WithPath(fatimage.ErrIOFailed, path, err)
	}

	sink, err := NewImageSink(file, size)
	if err != nil {
		file.Close()
		return nil, err
	}
	return sink, nil
}

// NewImageSink wraps a stream as an image of `size` bytes. If the stream can be
// truncated, it's resized to `size`; otherwise the caller must make sure it's
// already at least that big.
func NewImageSink(stream io.WriteSeeker, size int64) (*ImageSink, error) {
	if size <= 0 {
		return nil, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("image size must be positive, got %d", size))
	}

	if truncater, ok := stream.(Truncater); ok {
		err := truncater.Truncate(size)
		if err != nil {
			return nil, fatimage.ErrIOFailed.Wrap(err)
		}
	}

	return &ImageSink{Size: size, stream: stream}, nil
}

// CheckIOBounds checks to see if `dataLength` bytes can be written to the image
// starting at `offset`.
func (sink *ImageSink) CheckIOBounds(offset int64, dataLength int64) error {
	if offset < 0 || offset > sink.Size {
		return fatimage.ErrIOFailed.WithMessage(
			fmt.Sprintf("invalid offset %d: not in range [0, %d]", offset, sink.Size))
	}
	if dataLength > sink.Size-offset {
		return fatimage.ErrIOFailed.WithMessage(
			fmt.Sprintf(
				"writing %d bytes at offset %d extends past end of %d-byte image",
				dataLength,
				offset,
				sink.Size))
	}
	return nil
}

func (sink *ImageSink) seek(offset int64) error {
	_, err := sink.stream.Seek(offset, io.SeekStart)
	if err != nil {
		return fatimage.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Write writes all of `data` at the absolute byte offset `offset`.
func (sink *ImageSink) Write(offset int64, data []byte) error {
	err := sink.CheckIOBounds(offset, int64(len(data)))
	if err != nil {
		return err
	}

	err = sink.seek(offset)
	if err != nil {
		return err
	}

	written, err := sink.stream.Write(data)
	if err != nil {
		return fatimage.ErrIOFailed.Wrap(err)
	}
	if written != len(data) {
		return fatimage.ErrIOFailed.Wrap(io.ErrShortWrite)
	}
	return nil
}

// WriteZeros writes `count` null bytes starting at `offset`. It never allocates
// more than ZeroChunkSize bytes at a time.
func (sink *ImageSink) WriteZeros(offset int64, count int64) error {
	err := sink.CheckIOBounds(offset, count)
	if err != nil {
		return err
	}

	chunkSize := count
	if chunkSize > ZeroChunkSize {
		chunkSize = ZeroChunkSize
	}
	zeros := make([]byte, chunkSize)

	for count > 0 {
		n := int64(len(zeros))
		if n > count {
			n = count
		}

		err = sink.Write(offset, zeros[:n])
		if err != nil {
			return err
		}
		offset += n
		count -= n
	}
	return nil
}

// WriteStruct serializes `value` in little-endian byte order at `offset`.
// `value` must be a fixed-size value as defined by encoding/binary.
func (sink *ImageSink) WriteStruct(offset int64, value any) error {
	size := binary.Size(value)
	if size < 0 {
		return fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("can't write value of type %T: not fixed-size", value))
	}

	err := sink.CheckIOBounds(offset, int64(size))
	if err != nil {
		return err
	}

	err = sink.seek(offset)
	if err != nil {
		return err
	}

	err = binary.Write(sink.stream, binary.LittleEndian, value)
	if err != nil {
		return fatimage.ErrIOFailed.Wrap(err)
	}
	return nil
}

// Close closes the underlying stream if it can be closed.
func (sink *ImageSink) Close() error {
	closer, ok := sink.stream.(io.Closer)
	if !ok {
		return nil
	}

	err := closer.Close()
	if err != nil {
		return fatimage.ErrIOFailed.Wrap(err)
	}
	return nil
}
