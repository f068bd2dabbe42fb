package fat32

import (
	"fmt"
	"io"

	"github.com/dargueta/fatimage"
	"github.com/dargueta/fatimage/drivers/common"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

// Result describes a finished image.
type Result struct {
	Geometry Geometry
	// RootCluster is the first cluster of the root directory.
	RootCluster ClusterID
	// UsedClusters is the number of data clusters holding files and directories.
	UsedClusters uint
	// FreeClusters is the number of data clusters left unallocated. It's the value
	// written to the FSInfo sector.
	FreeClusters uint
	// NextFree is the hint written to the FSInfo sector: the first unallocated
	// cluster, or 0xFFFFFFFF if the volume is full.
	NextFree  ClusterID
	ImageSize int64
	// Warnings holds every non-fatal problem found while building the image,
	// including entries of the staged tree that were left out. It's nil if there
	// weren't any.
	Warnings *multierror.Error
}

// WriteImage writes a complete FAT32 volume to `sink` following `plan`. The sink
// must be exactly the size of the planned image, and `fs` must hold the same
// tree `plan` was computed from.
func WriteImage(
	sink *common.ImageSink,
	fs afero.Fs,
	root string,
	params *fatimage.VolumeParameters,
	plan *Plan,
) (*Result, error) {
	geometry := plan.Geometry
	if sink.Size != geometry.ImageSize() {
		return nil, fatimage.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"image is %d bytes but the plan needs %d",
				sink.Size,
				geometry.ImageSize()))
	}

	preamble := NewPreambleWriter(sink, params, &geometry)
	err := preamble.Write()
	if err != nil {
		return nil, err
	}

	alloc, err := NewClusterAllocator(sink, &geometry, params.Media)
	if err != nil {
		return nil, err
	}

	rootCluster, warnings, err := BuildTree(fs, root, alloc)
	if err != nil {
		return nil, err
	}

	nextFree := alloc.NextFree()
	if nextFree > geometry.LastCluster() {
		nextFree = 0xFFFFFFFF
	}
	err = preamble.Patch(rootCluster, uint32(alloc.FreeClusters()), nextFree)
	if err != nil {
		return nil, err
	}

	glog.V(1).Infof(
		"Wrote %d of %d clusters, root directory at %d",
		alloc.UsedClusters(),
		geometry.DataClusters,
		rootCluster)

	return &Result{
		Geometry:     geometry,
		RootCluster:  rootCluster,
		UsedClusters: alloc.UsedClusters(),
		FreeClusters: alloc.FreeClusters(),
		NextFree:     nextFree,
		ImageSize:    geometry.ImageSize(),
		Warnings:     warnings,
	}, nil
}

// validationWarnings turns the warnings from VolumeParameters.Validate into
// errors so they can be reported along with everything else.
func validationWarnings(params *fatimage.VolumeParameters) (*multierror.Error, error) {
	messages, err := params.Validate()
	if err != nil {
		return nil, err
	}

	var warnings *multierror.Error
	for _, message := range messages {
		warnings = multierror.Append(warnings, fatimage.ErrInvalidArgument.WithMessage(message))
	}
	return warnings, nil
}

func mergeWarnings(all ...*multierror.Error) *multierror.Error {
	var merged *multierror.Error
	for _, warnings := range all {
		if warnings == nil {
			continue
		}
		merged = multierror.Append(merged, warnings.Errors...)
	}
	return merged
}

// BuildImage sizes and writes an image of the tree at `root` to `stream`. The
// stream is truncated to the image size first if it supports that.
func BuildImage(
	fs afero.Fs, root string, params *fatimage.VolumeParameters, stream io.WriteSeeker,
) (*Result, error) {
	paramWarnings, err := validationWarnings(params)
	if err != nil {
		return nil, err
	}

	plan, err := PlanImage(fs, root, params)
	if err != nil {
		return nil, err
	}

	sink, err := common.NewImageSink(stream, plan.Geometry.ImageSize())
	if err != nil {
		return nil, err
	}

	result, err := WriteImage(sink, fs, root, params, plan)
	if err != nil {
		return nil, err
	}
	result.Warnings = mergeWarnings(paramWarnings, result.Warnings)
	return result, nil
}

// CreateImage sizes and writes an image of the tree at `root` to a new file at
// `outputPath`, replacing anything already there.
func CreateImage(
	fs afero.Fs, root string, params *fatimage.VolumeParameters, outputPath string,
) (result *Result, err error) {
	paramWarnings, err := validationWarnings(params)
	if err != nil {
		return nil, err
	}

	plan, err := PlanImage(fs, root, params)
	if err != nil {
		return nil, err
	}

	glog.Infof("Creating %d-byte image at %s", plan.Geometry.ImageSize(), outputPath)
	sink, err := common.CreateImageFile(outputPath, plan.Geometry.ImageSize())
	if err != nil {
		return nil, err
	}
	defer func() {
		closeErr := sink.Close()
		if err == nil && closeErr != nil {
			result = nil
			err = closeErr
		}
	}()

	result, err = WriteImage(sink, fs, root, params, plan)
	if err != nil {
		return nil, err
	}
	result.Warnings = mergeWarnings(paramWarnings, result.Warnings)
	return result, nil
}
