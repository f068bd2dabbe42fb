package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/dargueta/fatimage"
	"github.com/dargueta/fatimage/drivers/fat32"
	"github.com/golang/glog"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp()

	err := app.Run(os.Args)
	glog.Flush()
	if err != nil {
		glog.Exitf("fatal error: %s", err.Error())
	}
}

func newApp() *cli.App {
	defaults := fatimage.DefaultVolumeParameters()

	return &cli.App{
		Name:  "fatimage",
		Usage: "Build FAT32 disk images from a directory tree",
		Commands: []*cli.Command{
			{
				Name:   "create-image",
				Usage:  "Create a FAT32 image holding a copy of a directory",
				Action: createImage,
				Flags: []cli.Flag{
					&cli.PathFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "path of the image file to create",
						Value:   "./os.img",
						EnvVars: []string{"FATIMAGE_OUTPUT"},
					},
					&cli.PathFlag{
						Name:    "sysroot",
						Aliases: []string{"s"},
						Usage:   "directory to copy into the image",
						Value:   "./sysroot",
						EnvVars: []string{"FATIMAGE_SYSROOT"},
					},
					&cli.UintFlag{
						Name:    "sector-size",
						Usage:   "bytes per sector: 512, 1024, 2048, or 4096",
						Value:   defaults.BytesPerSector,
						EnvVars: []string{"FATIMAGE_SECTOR_SIZE"},
					},
					&cli.UintFlag{
						Name:    "cluster-size",
						Usage:   "sectors per cluster, a power of 2 up to 128",
						Value:   defaults.SectorsPerCluster,
						EnvVars: []string{"FATIMAGE_CLUSTER_SIZE"},
					},
					&cli.UintFlag{
						Name:    "reserved-sectors",
						Usage:   "sectors before the first FAT",
						Value:   defaults.ReservedSectors,
						EnvVars: []string{"FATIMAGE_RESERVED_SECTORS"},
					},
					&cli.UintFlag{
						Name:    "num-fats",
						Usage:   "number of copies of the FAT",
						Value:   defaults.NumFATs,
						EnvVars: []string{"FATIMAGE_NUM_FATS"},
					},
					&cli.BoolFlag{
						Name:  "fixed",
						Usage: "mark the volume as being on a fixed disk (default)",
					},
					&cli.BoolFlag{
						Name:    "removable",
						Usage:   "mark the volume as being on removable media",
						EnvVars: []string{"FATIMAGE_REMOVABLE"},
					},
					&cli.StringFlag{
						Name:        "volume-id",
						Usage:       "32-bit volume serial number, decimal or 0x-prefixed hex",
						DefaultText: "derived from the current time",
						EnvVars:     []string{"FATIMAGE_VOLUME_ID"},
					},
					&cli.StringFlag{
						Name:    "label",
						Usage:   "volume label, up to 11 characters",
						Value:   defaults.VolumeLabel,
						EnvVars: []string{"FATIMAGE_LABEL"},
					},
					&cli.PathFlag{
						Name:    "boot-stub",
						Usage:   fmt.Sprintf("file of up to %d bytes of boot code", fatimage.MaxBootStubSize),
						EnvVars: []string{"FATIMAGE_BOOT_STUB"},
					},
					&cli.Uint64Flag{
						Name:    "extra-space",
						Usage:   "MiB of free space to leave on the volume",
						Value:   defaults.ExtraFreeBytes / (1024 * 1024),
						EnvVars: []string{"FATIMAGE_EXTRA_SPACE"},
					},
					&cli.IntFlag{
						Name:    "verbose",
						Aliases: []string{"v"},
						Usage:   "log verbosity; 1 traces the plan, 2 traces every write",
						EnvVars: []string{"FATIMAGE_VERBOSE"},
					},
				},
			},
		},
	}
}

// configureLogging sends glog output to stderr instead of files in the
// temporary directory.
func configureLogging(verbosity int) error {
	err := flag.Set("logtostderr", "true")
	if err != nil {
		return err
	}
	return flag.Set("v", strconv.Itoa(verbosity))
}

// parametersFromFlags builds volume parameters from the command line, starting
// from the defaults.
func parametersFromFlags(context *cli.Context) (fatimage.VolumeParameters, error) {
	params := fatimage.DefaultVolumeParameters()
	params.BytesPerSector = context.Uint("sector-size")
	params.SectorsPerCluster = context.Uint("cluster-size")
	params.ReservedSectors = context.Uint("reserved-sectors")
	params.NumFATs = context.Uint("num-fats")
	params.VolumeLabel = context.String("label")
	params.ExtraFreeBytes = context.Uint64("extra-space") * 1024 * 1024

	if context.Bool("fixed") && context.Bool("removable") {
		return params, fatimage.ErrInvalidArgument.WithMessage(
			"--fixed and --removable can't be used together")
	}
	if context.Bool("removable") {
		params.Media = fatimage.MediaRemovable
	}

	if context.IsSet("volume-id") {
		volumeID, err := strconv.ParseUint(context.String("volume-id"), 0, 32)
		if err != nil {
			return params, fatimage.ErrInvalidArgument.WithMessage(
				fmt.Sprintf("bad volume ID %q", context.String("volume-id"))).Wrap(err)
		}
		params.VolumeID = uint32(volumeID)
	}

	if stubPath := context.Path("boot-stub"); stubPath != "" {
		stub, err := os.ReadFile(stubPath)
		if err != nil {
			return params, fatimage.WithPath(fatimage.ErrReadFailed, stubPath, err)
		}
		params.BootStub = stub
	}
	return params, nil
}

func createImage(context *cli.Context) error {
	err := configureLogging(context.Int("verbose"))
	if err != nil {
		return err
	}

	params, err := parametersFromFlags(context)
	if err != nil {
		return err
	}

	result, err := fat32.CreateImage(
		afero.NewOsFs(), context.Path("sysroot"), &params, context.Path("output"))
	if err != nil {
		return err
	}

	if result.Warnings != nil {
		for _, warning := range result.Warnings.Errors {
			glog.Warningf("%s", warning)
		}
	}

	fmt.Fprintf(
		context.App.Writer,
		"Wrote %s: %d bytes, %d clusters used, %d free, root directory at cluster %d\n",
		context.Path("output"),
		result.ImageSize,
		result.UsedClusters,
		result.FreeClusters,
		result.RootCluster)
	return nil
}
