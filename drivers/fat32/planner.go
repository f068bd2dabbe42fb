package fat32

import (
	"fmt"

	"github.com/dargueta/fatimage"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// Plan is the result of sizing a volume for a staged tree.
type Plan struct {
	Geometry Geometry
	// DirectoryClusters is the number of clusters needed by all directories,
	// including the root.
	DirectoryClusters uint
	// FileClusters is the number of clusters needed for file contents.
	FileClusters uint
	// ExtraClusters is the free space margin requested by the caller.
	ExtraClusters uint
	// Warnings holds one error per source entry that will be left out of the
	// image. It's nil if nothing was skipped. WriteImage walks the tree again and
	// reports the same problems in Result.Warnings, so BuildImage and CreateImage
	// don't pass these along.
	Warnings *multierror.Error
}

// RequiredClusters returns the number of data clusters needed to hold the
// staged tree, not counting the free space margin.
func (p *Plan) RequiredClusters() uint {
	return p.DirectoryClusters + p.FileClusters
}

type planner struct {
	fs              afero.Fs
	bytesPerCluster uint64
	plan            *Plan
}

func (p *planner) clustersForBytes(size uint64) uint {
	return uint((size + p.bytesPerCluster - 1) / p.bytesPerCluster)
}

// PlanImage walks the staged tree at `root` and works out how big the FAT and
// the data area need to be. Running it twice on an unchanged tree gives the
// same plan.
func PlanImage(fs afero.Fs, root string, params *fatimage.VolumeParameters) (*Plan, error) {
	_, err := params.Validate()
	if err != nil {
		return nil, err
	}

	info, err := fs.Stat(root)
	if err != nil {
		return nil, fatimage.WithPath(fatimage.ErrCalculationFailed, root, err)
	}
	if !info.IsDir() {
		return nil, fatimage.WithPath(fatimage.ErrNotADirectory, root, nil)
	}

	p := planner{
		fs:              fs,
		bytesPerCluster: uint64(params.BytesPerCluster()),
		plan:            &Plan{},
	}

	err = p.calculateDirectory(root, true)
	if err != nil {
		return nil, err
	}

	p.plan.ExtraClusters = p.clustersForBytes(params.ExtraFreeBytes)

	// Two more for the reserved entries at the start of the FAT, then round up to
	// the minimum size for FAT32.
	totalClusters := p.plan.RequiredClusters() + p.plan.ExtraClusters + uint(FirstDataCluster)
	if totalClusters < MinDataClusters {
		totalClusters = MinDataClusters
	}
	if totalClusters > MaxDataClusters+uint(FirstDataCluster) {
		return nil, fatimage.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf(
				"%d clusters needed, but FAT32 can only address %d",
				totalClusters,
				MaxDataClusters))
	}

	entriesPerSector := params.BytesPerSector / FATEntrySize
	sectorsPerFAT := (totalClusters + entriesPerSector - 1) / entriesPerSector
	p.plan.Geometry = NewGeometry(params, sectorsPerFAT)

	// Rounding the FAT up to whole sectors can push the cluster count over the
	// limit again.
	if p.plan.Geometry.DataClusters > MaxDataClusters {
		p.plan.Geometry.DataClusters = MaxDataClusters
	}
	err = checkFAT32Geometry(&p.plan.Geometry)
	if err != nil {
		return nil, err
	}
	if p.plan.Geometry.TotalSectors() > 0xFFFFFFFF {
		return nil, fatimage.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf(
				"volume would need %d sectors, more than a 32-bit sector count allows",
				p.plan.Geometry.TotalSectors()))
	}

	glog.V(1).Infof(
		"Planned %d directory clusters, %d file clusters, %d FAT sectors, %d data clusters",
		p.plan.DirectoryClusters,
		p.plan.FileClusters,
		sectorsPerFAT,
		p.plan.Geometry.DataClusters)
	return p.plan, nil
}

// checkFAT32Geometry fails if `geometry` has a cluster count that any driver
// would read as something other than FAT32.
func checkFAT32Geometry(geometry *Geometry) error {
	version := DetermineFATVersion(geometry.DataClusters)
	if version != 32 {
		return fatimage.ErrCalculationFailed.WithMessage(
			fmt.Sprintf(
				"%d data clusters would make this a FAT%d volume",
				geometry.DataClusters,
				version))
	}
	return nil
}

// calculateDirectory adds the clusters needed by the directory at `path` and
// everything under it to the plan.
func (p *planner) calculateDirectory(path string, isRoot bool) error {
	entries, warnings, err := listSourceDirectory(p.fs, path)
	if err != nil {
		return fatimage.WithPath(fatimage.ErrCalculationFailed, path, err)
	}
	for _, warning := range warnings {
		p.plan.Warnings = multierror.Append(p.plan.Warnings, warning)
	}

	direntTotal, err := direntCount(entries, isRoot)
	if err != nil {
		return err
	}

	// Even an empty root directory takes up one cluster.
	dirClusters := p.clustersForBytes(uint64(direntTotal) * DirentSize)
	if dirClusters == 0 {
		dirClusters = 1
	}
	p.plan.DirectoryClusters += dirClusters

	for i := range entries {
		entry := &entries[i]
		if entry.isDir() {
			err = p.calculateDirectory(entry.path, false)
			if err != nil {
				return err
			}
			continue
		}

		size := entry.info.Size()
		if size > MaxFileSize {
			return fatimage.WithPath(
				fatimage.ErrFileTooLarge,
				entry.path,
				fmt.Errorf("%d bytes is over the FAT32 limit of %d", size, uint64(MaxFileSize)))
		}
		p.plan.FileClusters += p.clustersForBytes(uint64(size))
	}
	return nil
}
