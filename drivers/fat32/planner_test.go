package fat32

import (
	"path"
	"strings"
	"testing"

	"github.com/dargueta/fatimage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stageFiles creates `files` under /src in a new in-memory file system. A name
// ending in "/" becomes an empty directory.
func stageFiles(t *testing.T, files map[string]int) afero.Fs {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/src", 0o755))

	for name, size := range files {
		fullPath := path.Join("/src", name)
		if strings.HasSuffix(name, "/") {
			require.NoError(t, fs.MkdirAll(fullPath, 0o755))
			continue
		}
		require.NoError(t, fs.MkdirAll(path.Dir(fullPath), 0o755))
		require.NoError(t, afero.WriteFile(fs, fullPath, make([]byte, size), 0o644))
	}
	return fs
}

func planParameters() fatimage.VolumeParameters {
	params := fatimage.DefaultVolumeParameters()
	params.ExtraFreeBytes = 0
	return params
}

func TestPlanImageMinimumSize(t *testing.T) {
	fs := stageFiles(t, map[string]int{
		"HELLO.TXT":            10,
		"SUB/LONGFILENAME.BIN": 5000,
	})
	params := planParameters()

	plan, err := PlanImage(fs, "/src", &params)
	require.NoError(t, err)

	assert.EqualValues(t, 2, plan.DirectoryClusters)
	assert.EqualValues(t, 11, plan.FileClusters)
	assert.EqualValues(t, 13, plan.RequiredClusters())
	assert.Zero(t, plan.ExtraClusters)
	assert.Nil(t, plan.Warnings)

	assert.EqualValues(t, 512, plan.Geometry.SectorsPerFAT)
	assert.EqualValues(t, 65534, plan.Geometry.DataClusters)
	assert.EqualValues(t, 32, DetermineFATVersion(plan.Geometry.DataClusters))
	assert.EqualValues(t, 32+2*512+65534, plan.Geometry.TotalSectors())
}

func TestPlanImageIsIdempotent(t *testing.T) {
	fs := stageFiles(t, map[string]int{
		"a/b/c/deep file.txt": 70000,
		"a/README":            100,
		"kernel.img":          3 << 20,
	})
	params := planParameters()
	params.ExtraFreeBytes = 1 << 20

	first, err := PlanImage(fs, "/src", &params)
	require.NoError(t, err)
	second, err := PlanImage(fs, "/src", &params)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlanImageEmptyRoot(t *testing.T) {
	fs := stageFiles(t, nil)
	params := planParameters()

	plan, err := PlanImage(fs, "/src", &params)
	require.NoError(t, err)
	assert.EqualValues(t, 1, plan.DirectoryClusters)
	assert.Zero(t, plan.FileClusters)
}

func TestPlanImageEmptySubdirectory(t *testing.T) {
	fs := stageFiles(t, map[string]int{"EMPTY/": 0})
	params := planParameters()

	plan, err := PlanImage(fs, "/src", &params)
	require.NoError(t, err)
	// Root, plus one cluster for the `.` and `..` entries.
	assert.EqualValues(t, 2, plan.DirectoryClusters)
}

func TestPlanImageCountsLongNameEntries(t *testing.T) {
	// 16 entries of 32 bytes fill one 512-byte cluster exactly. Each of these
	// names needs one long name entry plus the short entry, so 8 fit and the
	// ninth spills into a second cluster.
	files := map[string]int{}
	for _, name := range []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"} {
		files[name] = 0
	}
	params := planParameters()

	plan, err := PlanImage(stageFiles(t, files), "/src", &params)
	require.NoError(t, err)
	assert.EqualValues(t, 1, plan.DirectoryClusters)

	files["a9"] = 0
	plan, err = PlanImage(stageFiles(t, files), "/src", &params)
	require.NoError(t, err)
	assert.EqualValues(t, 2, plan.DirectoryClusters)
}

func TestPlanImageExtraSpace(t *testing.T) {
	fs := stageFiles(t, map[string]int{"A.BIN": 1})
	params := planParameters()
	params.SectorsPerCluster = 8
	params.ExtraFreeBytes = 100 * 4096

	plan, err := PlanImage(fs, "/src", &params)
	require.NoError(t, err)
	assert.EqualValues(t, 100, plan.ExtraClusters)
	assert.EqualValues(t, 2, plan.RequiredClusters())
}

func TestPlanImageSkipsInvalidNames(t *testing.T) {
	fs := stageFiles(t, map[string]int{
		"GOOD.TXT":  1000,
		"bad|name":  5000,
		"bad<dir>/": 0,
		"...":       10,
	})
	params := planParameters()

	plan, err := PlanImage(fs, "/src", &params)
	require.NoError(t, err)
	assert.EqualValues(t, 2, plan.FileClusters, "skipped files were counted")
	assert.EqualValues(t, 1, plan.DirectoryClusters, "skipped directory was counted")

	require.NotNil(t, plan.Warnings)
	assert.Len(t, plan.Warnings.Errors, 3)
	for _, warning := range plan.Warnings.Errors {
		assert.ErrorIs(t, warning, fatimage.ErrInvalidName)
	}
}

func TestPlanImageRootIsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src", []byte("x"), 0o644))
	params := planParameters()

	_, err := PlanImage(fs, "/src", &params)
	assert.ErrorIs(t, err, fatimage.ErrNotADirectory)
}

func TestPlanImageMissingRoot(t *testing.T) {
	params := planParameters()
	_, err := PlanImage(afero.NewMemMapFs(), "/nowhere", &params)
	assert.ErrorIs(t, err, fatimage.ErrCalculationFailed)
}

func TestPlanImageInvalidParameters(t *testing.T) {
	params := planParameters()
	params.NumFATs = 0

	_, err := PlanImage(stageFiles(t, nil), "/src", &params)
	assert.ErrorIs(t, err, fatimage.ErrInvalidArgument)
}

func TestPlanImageTooLarge(t *testing.T) {
	params := planParameters()
	params.ExtraFreeBytes = uint64(MaxDataClusters) * 512

	_, err := PlanImage(stageFiles(t, nil), "/src", &params)
	assert.ErrorIs(t, err, fatimage.ErrNoSpaceOnDevice)
}
