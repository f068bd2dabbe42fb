package testing

import (
	"io"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// StagedTime is the modification time given to every file and directory created
// by StageTree.
var StagedTime = time.Date(2021, time.March, 14, 15, 9, 26, 0, time.UTC)

// StageTree creates an in-memory file system holding the given tree under
// `root`. Keys are slash-separated paths relative to `root`; a key ending in "/"
// creates an empty directory instead of a file. Parent directories are created
// as needed. Everything gets StagedTime as its modification time.
func StageTree(t *testing.T, root string, tree map[string][]byte) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(root, 0o755))

	for name, contents := range tree {
		fullPath := path.Join(root, name)
		if strings.HasSuffix(name, "/") {
			require.NoError(t, fs.MkdirAll(fullPath, 0o755))
		} else {
			require.NoError(t, fs.MkdirAll(path.Dir(fullPath), 0o755))
			require.NoError(t, afero.WriteFile(fs, fullPath, contents, 0o644))
		}
	}

	// Directories' times change as children are added to them, so everything is
	// stamped at the end.
	err := afero.Walk(fs, root, func(walkPath string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return fs.Chtimes(walkPath, StagedTime, StagedTime)
	})
	require.NoError(t, err, "failed to set times on staged tree")
	return fs
}

// CreateMemoryImage returns a fixed-size stream backed by a zero-filled buffer
// of `size` bytes, along with the buffer itself. Writes past the end of the
// buffer fail.
func CreateMemoryImage(size int) (io.ReadWriteSeeker, []byte) {
	backingData := make([]byte, size)
	return bytesextra.NewReadWriteSeeker(backingData), backingData
}

// BuildInMemory runs `build` against a new file on an in-memory file system and
// returns everything written to it.
func BuildInMemory(t *testing.T, build func(stream afero.File) error) []byte {
	fs := afero.NewMemMapFs()
	file, err := fs.Create("/image.bin")
	require.NoError(t, err)

	err = build(file)
	closeErr := file.Close()
	require.NoError(t, err)
	require.NoError(t, closeErr)

	image, err := afero.ReadFile(fs, "/image.bin")
	require.NoError(t, err)
	return image
}
