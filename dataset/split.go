package dataset

import (
	"bufio"
	"io"
	"strings"

	"github.com/bcongdon/dsnode/internal/pkg/corfs"
	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Longest line that LoadLines accepts
const maxLineSize = 16 * 1024 * 1024

// split is a byte range of an input file. A line belongs to the split
// holding the newline that precedes it; the first line of a file belongs
// to the split at offset 0.
type split struct {
	file   string
	offset int64
	length int64
}

// splitFile cuts file into splits of at most maxSize bytes.
func splitFile(file corfs.FileInfo, maxSize int64) []split {
	splits := make([]split, 0, (file.Size+maxSize-1)/maxSize)
	for offset := int64(0); offset < file.Size; offset += maxSize {
		length := maxSize
		if remaining := file.Size - offset; remaining < length {
			length = remaining
		}
		splits = append(splits, split{file: file.Name, offset: offset, length: length})
	}
	return splits
}

// lines reads the lines owned by sp. Reading starts at sp.offset and runs
// past the end of the range to finish the last owned line.
func (sp split) lines(fs corfs.FileSystem) ([]string, error) {
	reader, err := fs.OpenReader(sp.file, sp.offset)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", sp.file)
	}
	defer reader.Close()
	r := bufio.NewReaderSize(reader, 64*1024)

	// consumed counts the bytes read since sp.offset. A line starting
	// consumed bytes in is owned while its preceding newline, at
	// consumed-1, lies inside the range.
	var consumed int64
	if sp.offset > 0 {
		skipped, err := r.ReadString('\n')
		consumed += int64(len(skipped))
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", sp.file)
		}
	}

	lines := make([]string, 0)
	for consumed <= sp.length {
		line, err := r.ReadString('\n')
		consumed += int64(len(line))
		if len(line) > maxLineSize {
			return nil, errors.Errorf("line at byte %d of %s is longer than %s",
				sp.offset+consumed-int64(len(line)), sp.file, humanize.IBytes(maxLineSize))
		}
		if err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "reading %s", sp.file)
		}
		if line != "" {
			lines = append(lines, strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
		}
		if err == io.EOF {
			break
		}
	}
	return lines, nil
}

// partition is a group of splits loaded into one Local dataset.
type partition struct {
	splits []split
	size   int64
}

// packSplits groups consecutive splits into partitions of at most maxSize
// bytes, starting a new partition whenever the next split does not fit. A
// split larger than maxSize gets a partition of its own.
func packSplits(splits []split, maxSize int64) []*partition {
	partitions := make([]*partition, 0)
	var current *partition
	for _, sp := range splits {
		if current == nil || current.size+sp.length > maxSize {
			current = &partition{}
			partitions = append(partitions, current)
		}
		current.splits = append(current.splits, sp)
		current.size += sp.length
	}
	return partitions
}

// load reads the lines of every split of p, in order.
func (p *partition) load(fs corfs.FileSystem) (*Local, error) {
	lines := make([]string, 0)
	for _, sp := range p.splits {
		splitLines, err := sp.lines(fs)
		if err != nil {
			return nil, err
		}
		lines = append(lines, splitLines...)
	}
	log.Debugf("Loaded %d lines from %d splits (%s)", len(lines), len(p.splits), humanize.Bytes(uint64(p.size)))
	return NewLocal(lines), nil
}
