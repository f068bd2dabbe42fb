package fat32

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dargueta/fatimage"
	"github.com/spf13/afero"
)

// sourceEntry is a child of a directory in the staged tree that can be stored on
// the volume.
type sourceEntry struct {
	name string
	path string
	info os.FileInfo
}

func (e *sourceEntry) isDir() bool {
	return e.info.IsDir()
}

// listSourceDirectory returns the children of `path` that can be put on the
// volume, sorted by name. Children that can't be (unrepresentable names, device
// nodes, symbolic links to directories, ...) are left out and reported as
// warnings. A non-nil error means the directory itself couldn't be read.
func listSourceDirectory(fs afero.Fs, path string) ([]sourceEntry, []error, error) {
	children, err := afero.ReadDir(fs, path)
	if err != nil {
		return nil, nil, err
	}

	entries := make([]sourceEntry, 0, len(children))
	var warnings []error

	for _, child := range children {
		childPath := filepath.Join(path, child.Name())

		err = ValidateLongName(child.Name())
		if err != nil {
			warnings = append(warnings, fatimage.WithPath(fatimage.ErrInvalidName, childPath, err))
			continue
		}

		info := child
		if info.Mode()&os.ModeSymlink != 0 {
			// Links to regular files are stored as copies of the file. Links to
			// directories are skipped so we can't get stuck in a cycle.
			info, err = fs.Stat(childPath)
			if err != nil {
				warnings = append(
					warnings,
					fatimage.WithPath(fatimage.ErrReadFailed, childPath, err))
				continue
			}
			if info.IsDir() {
				warnings = append(
					warnings,
					fatimage.WithPath(
						fatimage.ErrInvalidArgument,
						childPath,
						fmt.Errorf("symbolic link to a directory")))
				continue
			}
		}

		if !info.IsDir() && !info.Mode().IsRegular() {
			warnings = append(
				warnings,
				fatimage.WithPath(
					fatimage.ErrInvalidArgument,
					childPath,
					fmt.Errorf("unsupported file type %s", info.Mode().Type())))
			continue
		}

		entries = append(entries, sourceEntry{name: child.Name(), path: childPath, info: info})
	}
	return entries, warnings, nil
}

// direntCount returns the number of directory entries needed to store
// `entries`, including `.` and `..` if this isn't the root directory.
func direntCount(entries []sourceEntry, isRoot bool) (uint, error) {
	var count uint
	if !isRoot {
		count = 2
	}

	for i := range entries {
		lfnCount, err := LongNameEntryCount(entries[i].name)
		if err != nil {
			return 0, fatimage.WithPath(fatimage.ErrInvalidName, entries[i].path, err)
		}
		count += 1 + uint(lfnCount)
	}
	return count, nil
}
