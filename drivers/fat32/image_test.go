package fat32_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/dargueta/fatimage"
	"github.com/dargueta/fatimage/drivers/common"
	"github.com/dargueta/fatimage/drivers/fat32"
	fattesting "github.com/dargueta/fatimage/testing"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParameters() fatimage.VolumeParameters {
	params := fatimage.DefaultVolumeParameters()
	params.VolumeID = 0x1234ABCD
	params.VolumeLabel = "TESTVOL"
	params.ExtraFreeBytes = 0
	return params
}

func buildImage(
	t *testing.T, fs afero.Fs, params *fatimage.VolumeParameters,
) (*fat32.Result, []byte) {
	var result *fat32.Result
	image := fattesting.BuildInMemory(t, func(stream afero.File) error {
		var err error
		result, err = fat32.BuildImage(fs, "/sysroot", params, stream)
		return err
	})
	return result, image
}

// listing is a summary of a directory entry that's easy to diff.
type listing struct {
	Name         string
	ShortName    string
	FirstCluster fat32.ClusterID
	Size         uint32
	IsDir        bool
}

func listDirectory(volume *fattesting.Volume, first fat32.ClusterID) []listing {
	var entries []listing
	for _, entry := range volume.ReadDirectory(first) {
		entries = append(entries, listing{
			Name:         entry.Name,
			ShortName:    entry.ShortName,
			FirstCluster: entry.Dirent.FirstCluster(),
			Size:         entry.Dirent.FileSize,
			IsDir:        entry.Dirent.IsDir(),
		})
	}
	return entries
}

func TestBuildImageSmallTree(t *testing.T) {
	longFileContents := bytes.Repeat([]byte("0123456789"), 500)
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"HELLO.TXT":            []byte("hello\nfat\n"),
		"SUB/LONGFILENAME.BIN": longFileContents,
	})
	params := testParameters()

	result, image := buildImage(t, fs, &params)
	require.Nil(t, result.Warnings)

	// The tree is tiny, so the volume is rounded up to the smallest FAT32 size:
	// 512 FAT sectors of 128 entries each, minus the two reserved entries.
	assert.EqualValues(t, 512, result.Geometry.SectorsPerFAT)
	assert.EqualValues(t, 65534, result.Geometry.DataClusters)
	assert.EqualValues(t, (32+2*512+65534)*512, result.ImageSize)
	require.EqualValues(t, result.ImageSize, len(image))

	// Root directory, HELLO.TXT, SUB, and 10 clusters for LONGFILENAME.BIN.
	assert.EqualValues(t, 2, result.RootCluster)
	assert.EqualValues(t, 13, result.UsedClusters)
	assert.EqualValues(t, 65534-13, result.FreeClusters)
	assert.EqualValues(t, 15, result.NextFree)

	volume := fattesting.OpenVolume(t, image)
	assert.Equal(t, [3]byte{0xEB, 0x58, 0x90}, volume.BootSector.JmpBoot)
	assert.Equal(t, []byte{0x55, 0xAA}, image[510:512])
	assert.EqualValues(t, 2, volume.BootSector.RootCluster)
	assert.EqualValues(t, 0x1234ABCD, volume.BootSector.VolumeID)
	assert.Equal(t, "TESTVOL    ", string(volume.BootSector.VolumeLabel[:]))
	assert.Equal(t, "FAT32   ", string(volume.BootSector.FileSystemType[:]))

	rootListing := listDirectory(volume, volume.RootCluster())
	expectedRoot := []listing{
		{Name: "HELLO.TXT", ShortName: "HELLO.TXT", FirstCluster: 3, Size: 10},
		{Name: "SUB", ShortName: "SUB", FirstCluster: 4, IsDir: true},
	}
	if diff := cmp.Diff(expectedRoot, rootListing); diff != "" {
		t.Errorf("root directory mismatch (-want +got):\n%s", diff)
	}

	subListing := listDirectory(volume, 4)
	expectedSub := []listing{
		{Name: ".", ShortName: ".", FirstCluster: 4, IsDir: true},
		{Name: "..", ShortName: "..", FirstCluster: 0, IsDir: true},
		{
			Name:         "LONGFILENAME.BIN",
			ShortName:    "LONGFI~1.BIN",
			FirstCluster: 5,
			Size:         5000,
		},
	}
	if diff := cmp.Diff(expectedSub, subListing); diff != "" {
		t.Errorf("SUB directory mismatch (-want +got):\n%s", diff)
	}

	assert.Zero(t, volume.Lookup("HELLO.TXT").LongNameEntries)
	assert.Equal(t, 2, volume.Lookup("SUB/LONGFILENAME.BIN").LongNameEntries)

	assert.Equal(t, []byte("hello\nfat\n"), volume.ReadFile("HELLO.TXT"))
	assert.Equal(t, longFileContents, volume.ReadFile("SUB/LONGFILENAME.BIN"))
	assert.Equal(t, longFileContents, volume.ReadFile("SUB/LONGFI~1.BIN"))

	// The last cluster of a file is padded with nulls.
	lastCluster := volume.Cluster(14)
	assert.Equal(t, make([]byte, 512-5000%512), lastCluster[5000%512:])
}

func TestBuildImageFATContents(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"HELLO.TXT":            []byte("hello\nfat\n"),
		"SUB/LONGFILENAME.BIN": bytes.Repeat([]byte{0xA5}, 5000),
	})
	params := testParameters()
	_, image := buildImage(t, fs, &params)
	volume := fattesting.OpenVolume(t, image)

	fat := volume.FAT(0)
	assert.EqualValues(t, 0x0FFFFFF8, binary.LittleEndian.Uint32(fat[0:]))
	assert.EqualValues(t, 0x0FFFFFFF, binary.LittleEndian.Uint32(fat[4:]))

	for _, cluster := range []fat32.ClusterID{2, 3, 4} {
		assert.EqualValues(
			t, fat32.EndOfChain, volume.FATEntry(cluster), "cluster %d should end its chain", cluster)
	}
	expectedChain := []fat32.ClusterID{5, 6, 7, 8, 9, 10, 11, 12, 13, 14}
	assert.Equal(t, expectedChain, volume.Chain(5))
	assert.Zero(t, volume.FATEntry(15), "first unallocated cluster is in use")

	// Every copy of the FAT is identical.
	assert.True(t, bytes.Equal(volume.FAT(0), volume.FAT(1)), "FAT copies differ")
}

func TestBuildImageFSInfoAndBackups(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"A.TXT": []byte("a"),
	})
	params := testParameters()
	_, image := buildImage(t, fs, &params)
	volume := fattesting.OpenVolume(t, image)

	freeCount, nextFree := volume.FSInfo()
	assert.EqualValues(t, 65534-2, freeCount)
	assert.EqualValues(t, 4, nextFree)

	assert.Equal(t, image[0:512], image[6*512:7*512], "backup boot sector differs")
	assert.Equal(t, image[1*512:2*512], image[7*512:8*512], "backup FSInfo sector differs")
}

func TestBuildImageTimestamps(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"A.TXT": []byte("a"),
		"DIR/":  nil,
	})
	params := testParameters()
	_, image := buildImage(t, fs, &params)
	volume := fattesting.OpenVolume(t, image)

	// 2021-03-14 15:09:26 UTC
	expectedDate := uint16(14 | 3<<5 | (2021-1980)<<9)
	expectedTime := uint16(26/2 | 9<<5 | 15<<11)

	file := volume.Lookup("A.TXT").Dirent
	assert.Equal(t, expectedDate, file.LastModifiedDate)
	assert.Equal(t, expectedTime, file.LastModifiedTime)
	assert.Equal(t, expectedDate, file.CreatedDate)
	assert.Equal(t, expectedTime, file.CreatedTime)
	assert.Equal(t, expectedDate, file.LastAccessedDate)
	assert.EqualValues(t, fat32.AttrArchived, file.AttributeFlags)

	dir := volume.Lookup("DIR").Dirent
	assert.Equal(t, expectedDate, dir.LastModifiedDate)
	assert.EqualValues(t, fat32.AttrDirectory, dir.AttributeFlags)
}

func TestBuildImageEmptyRoot(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", nil)
	params := testParameters()
	result, image := buildImage(t, fs, &params)

	assert.EqualValues(t, 2, result.RootCluster)
	assert.EqualValues(t, 1, result.UsedClusters)

	volume := fattesting.OpenVolume(t, image)
	assert.Empty(t, volume.ReadDirectory(volume.RootCluster()))
	assert.EqualValues(t, fat32.EndOfChain, volume.FATEntry(2))
}

func TestBuildImageEmptyFileHasNoClusters(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"EMPTY": {},
		"B.TXT": []byte("b"),
	})
	params := testParameters()
	result, image := buildImage(t, fs, &params)
	assert.EqualValues(t, 2, result.UsedClusters)

	volume := fattesting.OpenVolume(t, image)
	empty := volume.Lookup("EMPTY").Dirent
	assert.Zero(t, empty.FirstCluster())
	assert.Zero(t, empty.FileSize)
	assert.Equal(t, []byte("b"), volume.ReadFile("B.TXT"))
}

func TestBuildImageNestedDotDot(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"OUTER/INNER/FILE.DAT": []byte("nested"),
	})
	params := testParameters()
	_, image := buildImage(t, fs, &params)
	volume := fattesting.OpenVolume(t, image)

	outerEntry := volume.Lookup("OUTER")
	innerEntry := volume.Lookup("OUTER/INNER")
	outer := outerEntry.Dirent.FirstCluster()
	inner := innerEntry.Dirent.FirstCluster()
	require.NotEqual(t, outer, inner)

	outerEntries := volume.ReadDirectory(outer)
	require.GreaterOrEqual(t, len(outerEntries), 2)
	assert.Equal(t, outer, outerEntries[0].Dirent.FirstCluster())
	assert.Zero(t, outerEntries[1].Dirent.FirstCluster(), "`..` of a root child must be 0")

	innerEntries := volume.ReadDirectory(inner)
	require.GreaterOrEqual(t, len(innerEntries), 2)
	assert.Equal(t, inner, innerEntries[0].Dirent.FirstCluster())
	assert.Equal(t, outer, innerEntries[1].Dirent.FirstCluster())

	assert.Equal(t, []byte("nested"), volume.ReadFile("OUTER/INNER/FILE.DAT"))
}

func TestBuildImageShortNameCollisions(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"LONGFI~1.TXT":      []byte("exact"),
		"longfilename1.txt": []byte("one"),
		"longfilename2.txt": []byte("two"),
		"readme.md":         []byte("lower"),
	})
	params := testParameters()
	_, image := buildImage(t, fs, &params)
	volume := fattesting.OpenVolume(t, image)

	names := map[string]string{}
	for _, entry := range volume.ReadDirectory(volume.RootCluster()) {
		names[entry.Name] = entry.ShortName
	}
	expected := map[string]string{
		"LONGFI~1.TXT":      "LONGFI~1.TXT",
		"longfilename1.txt": "LONGFI~2.TXT",
		"longfilename2.txt": "LONGFI~3.TXT",
		"readme.md":         "README~4.MD",
	}
	if diff := cmp.Diff(expected, names); diff != "" {
		t.Errorf("short names mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte("exact"), volume.ReadFile("LONGFI~1.TXT"))
	assert.Equal(t, []byte("two"), volume.ReadFile("longfilename2.txt"))
}

func TestBuildImageSkipsInvalidNames(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"GOOD.TXT":  []byte("good"),
		"bad:name":  []byte("bad"),
		"what?.txt": []byte("bad"),
	})
	params := testParameters()
	result, image := buildImage(t, fs, &params)

	require.NotNil(t, result.Warnings)
	assert.Len(t, result.Warnings.Errors, 2)
	for _, warning := range result.Warnings.Errors {
		assert.ErrorIs(t, warning, fatimage.ErrInvalidName)
	}

	volume := fattesting.OpenVolume(t, image)
	entries := volume.ReadDirectory(volume.RootCluster())
	require.Len(t, entries, 1)
	assert.Equal(t, "GOOD.TXT", entries[0].Name)
}

func TestBuildImageSkipsNamesThatArentUTF8(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"a\xffbc.txt": []byte("one"),
		"a\xfebc.txt": []byte("two"),
		"abc.txt":     []byte("three"),
	})
	params := testParameters()
	result, image := buildImage(t, fs, &params)

	require.NotNil(t, result.Warnings)
	assert.Len(t, result.Warnings.Errors, 2)
	for _, warning := range result.Warnings.Errors {
		assert.ErrorIs(t, warning, fatimage.ErrInvalidName)
	}

	volume := fattesting.OpenVolume(t, image)
	entries := volume.ReadDirectory(volume.RootCluster())
	require.Len(t, entries, 1)
	assert.Equal(t, "abc.txt", entries[0].Name)
	assert.Equal(t, []byte("three"), volume.ReadFile("abc.txt"))
}

func TestBuildImageRemovableMedia(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", nil)
	params := testParameters()
	params.Media = fatimage.MediaRemovable
	_, image := buildImage(t, fs, &params)
	volume := fattesting.OpenVolume(t, image)

	assert.EqualValues(t, 0xF0, volume.BootSector.Media)
	assert.Zero(t, volume.BootSector.DriveNumber)
	assert.EqualValues(t, 0x0FFFFFF0, binary.LittleEndian.Uint32(volume.FAT(0)[0:]))
}

func TestBuildImageBootStub(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", nil)
	params := testParameters()
	params.BootStub = []byte{0xFA, 0xF4, 0xEB, 0xFD}
	_, image := buildImage(t, fs, &params)

	assert.Equal(t, params.BootStub, image[90:94])
	assert.Equal(t, make([]byte, 510-94), image[94:510])
	assert.Equal(t, params.BootStub, image[6*512+90:6*512+94])
}

func TestBuildImageExtraFreeSpace(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", nil)
	params := testParameters()
	// 65536 clusters of free space pushes the volume past the FAT32 minimum.
	params.ExtraFreeBytes = 65536 * 512
	result, _ := buildImage(t, fs, &params)

	// 1 root cluster + 65536 + 2 reserved = 65539 entries, 513 FAT sectors.
	assert.EqualValues(t, 513, result.Geometry.SectorsPerFAT)
	assert.EqualValues(t, 513*128-2, result.Geometry.DataClusters)
	assert.GreaterOrEqual(t, result.FreeClusters, uint(65536))
}

func TestBuildImageIsDeterministic(t *testing.T) {
	const longName = "a very long name that needs several long name entries.dat"
	tree := map[string][]byte{
		"BOOT/KERNEL.ELF":       bytes.Repeat([]byte{0x7F}, 3000),
		"config/settings.json":  []byte(`{"debug": true}`),
		"Documents/Read Me.txt": []byte("read me"),
		"Documents/über.txt":    []byte("unicode"),
	}
	tree[longName] = []byte("x")
	params := testParameters()

	_, first := buildImage(t, fattesting.StageTree(t, "/sysroot", tree), &params)
	_, second := buildImage(t, fattesting.StageTree(t, "/sysroot", tree), &params)
	assert.True(t, bytes.Equal(first, second), "building the same tree twice gave different images")

	volume := fattesting.OpenVolume(t, first)
	assert.Equal(t, []byte("unicode"), volume.ReadFile("Documents/über.txt"))
	assert.Equal(t, []byte("read me"), volume.ReadFile("Documents/Read Me.txt"))
	assert.Equal(t, []byte("x"), volume.ReadFile(longName))

	entry := volume.Lookup(longName)
	assert.Equal(t, 5, entry.LongNameEntries)
}

func TestBuildImageRootNotADirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/sysroot", []byte("file"), 0o644))
	params := testParameters()

	_, err := fat32.BuildImage(fs, "/sysroot", &params, nil)
	assert.ErrorIs(t, err, fatimage.ErrNotADirectory)
}

func TestBuildImageMissingRoot(t *testing.T) {
	params := testParameters()
	_, err := fat32.BuildImage(afero.NewMemMapFs(), "/sysroot", &params, nil)
	assert.ErrorIs(t, err, fatimage.ErrCalculationFailed)
}

func TestBuildImageInvalidParameters(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", nil)
	params := testParameters()
	params.BytesPerSector = 768

	_, err := fat32.BuildImage(fs, "/sysroot", &params, nil)
	assert.ErrorIs(t, err, fatimage.ErrInvalidArgument)
}

func TestWriteImageRejectsWrongSize(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", nil)
	params := testParameters()
	plan, err := fat32.PlanImage(fs, "/sysroot", &params)
	require.NoError(t, err)

	stream, _ := fattesting.CreateMemoryImage(4096)
	sink, err := common.NewImageSink(stream, 4096)
	require.NoError(t, err)

	_, err = fat32.WriteImage(sink, fs, "/sysroot", &params, plan)
	assert.ErrorIs(t, err, fatimage.ErrInvalidArgument)
}

func TestCreateImageFile(t *testing.T) {
	fs := fattesting.StageTree(t, "/sysroot", map[string][]byte{
		"HELLO.TXT": []byte("hello from disk"),
	})
	params := testParameters()
	outputPath := filepath.Join(t.TempDir(), "os.img")

	// Existing contents are replaced.
	require.NoError(t, os.WriteFile(outputPath, bytes.Repeat([]byte{0xFF}, 1<<20), 0o644))

	result, err := fat32.CreateImage(fs, "/sysroot", &params, outputPath)
	require.NoError(t, err)

	image, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	require.EqualValues(t, result.ImageSize, len(image))

	volume := fattesting.OpenVolume(t, image)
	assert.Equal(t, []byte("hello from disk"), volume.ReadFile("HELLO.TXT"))
}
