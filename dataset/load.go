package dataset

import (
	"github.com/bcongdon/dsnode/internal/pkg/corfs"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LoadLines builds a Parallel dataset holding the lines of the files
// matching inputs. Files are cut into splits of at most splitSize bytes and
// splits are packed into partitions of at most partitionSize bytes. Every
// partition is a Local dataset whose data is a []string.
//
// Inputs are local paths or globs, or s3://bucket/key globs, and may mix both.
func LoadLines(inputs []string, splitSize, partitionSize int64) (*Parallel, error) {
	if len(inputs) == 0 {
		return NewParallel(), nil
	}
	return loadLines(corfs.NewRouter(), inputs, splitSize, partitionSize)
}

func loadLines(fs corfs.FileSystem, inputs []string, splitSize, partitionSize int64) (*Parallel, error) {
	if splitSize <= 0 {
		return nil, errors.Errorf("invalid split size %d", splitSize)
	}
	if splitSize > partitionSize {
		log.Warn("Configured split size is larger than partition size")
		splitSize = partitionSize
	}

	splits := make([]split, 0)
	totalSize := int64(0)
	for _, input := range inputs {
		files, err := fs.ListFiles(input)
		if err != nil {
			return nil, errors.Wrapf(err, "listing %s", input)
		}
		for _, file := range files {
			totalSize += file.Size
			splits = append(splits, splitFile(file, splitSize)...)
		}
	}
	packed := packSplits(splits, partitionSize)
	log.Debugf("Loading %s of input in %d splits and %d partitions",
		humanize.Bytes(uint64(totalSize)), len(splits), len(packed))

	partitions := make([]Dataset, len(packed))
	var g errgroup.Group
	if DefaultParallelism > 0 {
		g.SetLimit(DefaultParallelism)
	}
	for i, p := range packed {
		i, p := i, p
		g.Go(func() error {
			local, err := p.load(fs)
			if err != nil {
				return err
			}
			partitions[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Infof("Loaded %d partitions (%s)", len(partitions), humanize.Bytes(uint64(totalSize)))
	return NewParallel(partitions...), nil
}
