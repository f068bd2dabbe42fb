package fat32

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dargueta/fatimage"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// treeBuilder copies a staged directory tree onto the volume, depth first.
type treeBuilder struct {
	fs       afero.Fs
	alloc    *ClusterAllocator
	warnings *multierror.Error
}

// BuildTree writes the directory tree rooted at `root` into the data area,
// reserving clusters from `alloc` as it goes. It returns the first cluster of
// the root directory, plus one warning for every entry that was left out.
func BuildTree(
	fs afero.Fs, root string, alloc *ClusterAllocator,
) (ClusterID, *multierror.Error, error) {
	info, err := fs.Stat(root)
	if err != nil {
		return 0, nil, fatimage.WithPath(fatimage.ErrReadFailed, root, err)
	}
	if !info.IsDir() {
		return 0, nil, fatimage.WithPath(fatimage.ErrNotADirectory, root, nil)
	}

	builder := treeBuilder{fs: fs, alloc: alloc}
	rootCluster, err := builder.writeDirectory(root, info, 0, true)
	if err != nil {
		return 0, builder.warnings, err
	}
	return rootCluster, builder.warnings, nil
}

func (b *treeBuilder) warn(err error) {
	glog.V(1).Infof("Skipping entry: %s", err)
	b.warnings = multierror.Append(b.warnings, err)
}

// timestampsFor returns the creation and modification timestamps for a source
// entry. Go only exposes the modification time portably, so it's used for both.
// Timestamps FAT can't represent are left as zeros.
func timestampsFor(info os.FileInfo) (Timestamp, Timestamp) {
	ts, _ := EncodeTimestamp(info.ModTime())
	return ts, ts
}

// writeDirectory writes the directory at `path` and everything under it, and
// returns the directory's first cluster. `parent` is the first cluster of the
// parent directory, or 0 if the parent is the root.
//
// The directory's own chain is reserved before its children are written so
// that `.` and the children's `..` entries can point at it. Its entries are
// written last, once every child's first cluster is known.
func (b *treeBuilder) writeDirectory(
	path string, info os.FileInfo, parent ClusterID, isRoot bool,
) (ClusterID, error) {
	entries, warnings, err := listSourceDirectory(b.fs, path)
	if err != nil {
		return 0, fatimage.WithPath(fatimage.ErrReadFailed, path, err)
	}
	for _, warning := range warnings {
		b.warn(warning)
	}

	direntTotal, err := direntCount(entries, isRoot)
	if err != nil {
		return 0, err
	}

	// Even an empty root directory takes up one cluster.
	clusterCount := b.alloc.ClustersForBytes(int64(direntTotal) * DirentSize)
	if clusterCount == 0 {
		clusterCount = 1
	}
	self, err := b.alloc.Reserve(clusterCount)
	if err != nil {
		return 0, fatimage.WithPath(fatimage.ErrNoSpaceOnDevice, path, err)
	}
	glog.V(1).Infof("Directory %s: %d entries in %d clusters at %d", path, direntTotal, clusterCount, self)

	shortNames, err := b.assignShortNames(entries)
	if err != nil {
		return 0, err
	}

	buffer := NewDirectoryBuffer()
	childParent := self
	if isRoot {
		childParent = 0
	} else {
		created, modified := timestampsFor(info)
		dot, dotDot := NewDotDirents(self, parent, created, modified)
		if err = buffer.Add(&dot); err != nil {
			return 0, err
		}
		if err = buffer.Add(&dotDot); err != nil {
			return 0, err
		}
	}

	for i := range entries {
		entry := &entries[i]
		shortName, ok := shortNames[entry.name]
		if !ok {
			continue
		}

		dirent := RawDirent{Name: shortName}
		created, modified := timestampsFor(entry.info)
		dirent.SetCreated(created)
		dirent.SetModified(modified)

		var first ClusterID
		if entry.isDir() {
			dirent.AttributeFlags = AttrDirectory
			first, err = b.writeDirectory(entry.path, entry.info, childParent, false)
		} else {
			dirent.AttributeFlags = AttrArchived
			dirent.FileSize = uint32(entry.info.Size())
			first, err = b.writeFile(entry)
		}
		if err != nil {
			return 0, err
		}
		dirent.SetFirstCluster(first)

		if _, exact := ExactShortName(entry.name); !exact {
			longNames, err := NewLongNameDirents(entry.name, shortName)
			if err != nil {
				return 0, fatimage.WithPath(fatimage.ErrInvalidName, entry.path, err)
			}
			for j := range longNames {
				if err = buffer.Add(&longNames[j]); err != nil {
					return 0, err
				}
			}
		}
		if err = buffer.Add(&dirent); err != nil {
			return 0, err
		}
	}

	// Write the whole chain so the unused part of the last cluster is zeroed and
	// readers see the end of the directory.
	data := make([]byte, int64(clusterCount)*int64(b.alloc.geometry.BytesPerCluster()))
	copy(data, buffer.Bytes())
	err = b.alloc.WriteData(self, data)
	if err != nil {
		return 0, err
	}
	return self, nil
}

// assignShortNames gives every entry a short name unique within its directory.
// Names that are already valid 8.3 names are claimed first so that generated
// names never collide with them. Entries that can't get a name are reported and
// left out of the returned map.
func (b *treeBuilder) assignShortNames(entries []sourceEntry) (map[string]ShortName, error) {
	generator := NewShortNameGenerator()
	shortNames := make(map[string]ShortName, len(entries))

	for i := range entries {
		shortName, ok := ExactShortName(entries[i].name)
		if !ok {
			continue
		}
		if !generator.Reserve(shortName) {
			return nil, fatimage.WithPath(
				fatimage.ErrInvalidName,
				entries[i].path,
				fmt.Errorf("short name %s is used twice", shortName))
		}
		shortNames[entries[i].name] = shortName
	}

	for i := range entries {
		if _, ok := shortNames[entries[i].name]; ok {
			continue
		}
		shortName, err := generator.Generate(entries[i].name)
		if err != nil {
			b.warn(fatimage.WithPath(fatimage.ErrInvalidName, entries[i].path, err))
			continue
		}
		shortNames[entries[i].name] = shortName
	}
	return shortNames, nil
}

// writeFile copies a file's contents into a freshly reserved chain and returns
// the chain's first cluster, or 0 for an empty file.
func (b *treeBuilder) writeFile(entry *sourceEntry) (ClusterID, error) {
	size := entry.info.Size()
	if size > MaxFileSize {
		return 0, fatimage.WithPath(
			fatimage.ErrFileTooLarge,
			entry.path,
			fmt.Errorf("%d bytes is over the FAT32 limit of %d", size, uint64(MaxFileSize)))
	}

	file, err := b.fs.Open(entry.path)
	if err != nil {
		return 0, fatimage.WithPath(fatimage.ErrReadFailed, entry.path, err)
	}
	defer file.Close()

	first, err := b.alloc.ReserveForBytes(size)
	if err != nil {
		return 0, fatimage.WithPath(fatimage.ErrNoSpaceOnDevice, entry.path, err)
	}

	err = b.alloc.CopyData(first, file, size)
	if err != nil {
		if errors.Is(err, fatimage.ErrReadFailed) {
			return 0, fatimage.WithPath(fatimage.ErrReadFailed, entry.path, err)
		}
		return 0, err
	}

	// The directory entry records the size we saw when listing the directory, so
	// the file can't have grown since.
	var probe [1]byte
	n, err := file.Read(probe[:])
	if n > 0 {
		return 0, fatimage.WithPath(
			fatimage.ErrReadFailed,
			entry.path,
			fmt.Errorf("file grew past %d bytes while it was being copied", size))
	}
	if err != nil && err != io.EOF {
		return 0, fatimage.WithPath(fatimage.ErrReadFailed, entry.path, err)
	}

	glog.V(2).Infof("Copied %s (%d bytes) to cluster %d", entry.path, size, first)
	return first, nil
}
