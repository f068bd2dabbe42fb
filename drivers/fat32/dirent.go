package fat32

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dargueta/fatimage"
	"github.com/noxer/bytewriter"
)

// RawDirent is the on-disk representation of a short directory entry, broken down
// into its constituent fields.
type RawDirent struct {
	Name                  ShortName
	AttributeFlags        uint8
	NTReserved            uint8
	CreatedTimeHundredths uint8
	CreatedTime           uint16
	CreatedDate           uint16
	LastAccessedDate      uint16
	FirstClusterHigh      uint16
	LastModifiedTime      uint16
	LastModifiedDate      uint16
	FirstClusterLow       uint16
	FileSize              uint32
}

// RawLongNameDirent is the on-disk representation of one piece of a long file
// name. The name is split across three fields of UTF-16 code units.
type RawLongNameDirent struct {
	Ordinal         uint8
	Name1           [5]uint16
	AttributeFlags  uint8
	Type            uint8
	Checksum        uint8
	Name2           [6]uint16
	FirstClusterLow uint16
	Name3           [2]uint16
}

// lastLongNameEntry is set in the ordinal of the long name entry holding the end
// of the name, which is the first one written.
const lastLongNameEntry = 0x40

var dotName = newShortName(".", "")
var dotDotName = newShortName("..", "")

// SetFirstCluster splits `cluster` across the two cluster fields.
func (d *RawDirent) SetFirstCluster(cluster ClusterID) {
	d.FirstClusterHigh = uint16(cluster >> 16)
	d.FirstClusterLow = uint16(cluster & 0xFFFF)
}

// FirstCluster recombines the two cluster fields.
func (d RawDirent) FirstCluster() ClusterID {
	return ClusterID(d.FirstClusterHigh)<<16 | ClusterID(d.FirstClusterLow)
}

// SetCreated sets the creation timestamp fields.
func (d *RawDirent) SetCreated(ts Timestamp) {
	d.CreatedDate = ts.Date
	d.CreatedTime = ts.Time
	d.CreatedTimeHundredths = ts.Hundredths
}

// SetModified sets the last modification timestamp fields. FAT only keeps the
// date of the last access, and this is used for it as well.
func (d *RawDirent) SetModified(ts Timestamp) {
	d.LastModifiedDate = ts.Date
	d.LastModifiedTime = ts.Time
	d.LastAccessedDate = ts.Date
}

// IsDir reports whether the entry is a subdirectory.
func (d RawDirent) IsDir() bool {
	return d.AttributeFlags&AttrDirectory != 0
}

// NewDotDirents creates the `.` and `..` entries that begin every directory
// other than the root. `parent` must be 0 if the parent is the root directory.
func NewDotDirents(self ClusterID, parent ClusterID, created Timestamp, modified Timestamp) (RawDirent, RawDirent) {
	dot := RawDirent{Name: dotName, AttributeFlags: AttrDirectory}
	dot.SetFirstCluster(self)
	dot.SetCreated(created)
	dot.SetModified(modified)

	dotDot := RawDirent{Name: dotDotName, AttributeFlags: AttrDirectory}
	dotDot.SetFirstCluster(parent)
	dotDot.SetCreated(created)
	dotDot.SetModified(modified)
	return dot, dotDot
}

// NewLongNameDirents splits `name` across as many long file name entries as it
// needs. The entries are returned in the order they're stored on disk, i.e. the
// one holding the end of the name comes first.
func NewLongNameDirents(name string, shortName ShortName) ([]RawLongNameDirent, error) {
	units, err := EncodeLongName(name)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 || len(units) > MaxLongNameLength {
		return nil, fatimage.ErrInvalidName.WithMessage(
			fmt.Sprintf("long name must be 1-%d UTF-16 characters, got %d", MaxLongNameLength, len(units)))
	}

	count := (len(units) + LongNameCharsPerEntry - 1) / LongNameCharsPerEntry
	checksum := shortName.Checksum()
	dirents := make([]RawLongNameDirent, count)

	for i := 0; i < count; i++ {
		// Pad the last piece with a null terminator (if there's room) and then
		// 0xFFFF.
		var piece [LongNameCharsPerEntry]uint16
		for j := range piece {
			piece[j] = 0xFFFF
		}
		n := copy(piece[:], units[i*LongNameCharsPerEntry:])
		if n < LongNameCharsPerEntry {
			piece[n] = 0
		}

		dirent := RawLongNameDirent{
			Ordinal:        uint8(i + 1),
			AttributeFlags: AttrLongName,
			Checksum:       checksum,
		}
		if i == count-1 {
			dirent.Ordinal |= lastLongNameEntry
		}
		copy(dirent.Name1[:], piece[0:5])
		copy(dirent.Name2[:], piece[5:11])
		copy(dirent.Name3[:], piece[11:13])

		dirents[count-1-i] = dirent
	}
	return dirents, nil
}

// Units returns the 13 UTF-16 code units stored in the entry, padding included.
func (d *RawLongNameDirent) Units() []uint16 {
	units := make([]uint16, 0, LongNameCharsPerEntry)
	units = append(units, d.Name1[:]...)
	units = append(units, d.Name2[:]...)
	return append(units, d.Name3[:]...)
}

// DirectoryBuffer accumulates serialized directory entries for one directory.
type DirectoryBuffer struct {
	buffer  *bytes.Buffer
	entries uint
}

// NewDirectoryBuffer creates an empty buffer.
func NewDirectoryBuffer() *DirectoryBuffer {
	return &DirectoryBuffer{buffer: &bytes.Buffer{}}
}

// Add serializes a short or long name directory entry and appends it.
func (b *DirectoryBuffer) Add(dirent any) error {
	if binary.Size(dirent) != DirentSize {
		return fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("%T isn't a directory entry", dirent))
	}

	var raw [DirentSize]byte
	writer := bytewriter.New(raw[:])

	err := binary.Write(writer, binary.LittleEndian, dirent)
	if err != nil {
		return fatimage.ErrInvalidArgument.Wrap(err)
	}

	b.buffer.Write(raw[:])
	b.entries++
	return nil
}

// Len returns the number of entries added so far.
func (b *DirectoryBuffer) Len() uint {
	return b.entries
}

// Bytes returns the serialized entries.
func (b *DirectoryBuffer) Bytes() []byte {
	return b.buffer.Bytes()
}

// NewRawDirentFromBytes deserializes 32 bytes into a RawDirent struct for further
// processing.
func NewRawDirentFromBytes(data []byte) (RawDirent, error) {
	if len(data) < DirentSize {
		return RawDirent{}, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("directory entry must be %d bytes, got %d", DirentSize, len(data)))
	}

	dirent := RawDirent{
		AttributeFlags:        data[11],
		NTReserved:            data[12],
		CreatedTimeHundredths: data[13],
		CreatedTime:           binary.LittleEndian.Uint16(data[14:16]),
		CreatedDate:           binary.LittleEndian.Uint16(data[16:18]),
		LastAccessedDate:      binary.LittleEndian.Uint16(data[18:20]),
		FirstClusterHigh:      binary.LittleEndian.Uint16(data[20:22]),
		LastModifiedTime:      binary.LittleEndian.Uint16(data[22:24]),
		LastModifiedDate:      binary.LittleEndian.Uint16(data[24:26]),
		FirstClusterLow:       binary.LittleEndian.Uint16(data[26:28]),
		FileSize:              binary.LittleEndian.Uint32(data[28:32]),
	}
	copy(dirent.Name[:], data[:11])
	return dirent, nil
}

// NewRawLongNameDirentFromBytes deserializes 32 bytes into a long file name
// entry.
func NewRawLongNameDirentFromBytes(data []byte) (RawLongNameDirent, error) {
	dirent := RawLongNameDirent{}
	if len(data) < DirentSize {
		return dirent, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("directory entry must be %d bytes, got %d", DirentSize, len(data)))
	}

	err := binary.Read(bytes.NewReader(data[:DirentSize]), binary.LittleEndian, &dirent)
	if err != nil {
		return dirent, fatimage.ErrInvalidArgument.Wrap(err)
	}
	return dirent, nil
}
