package corfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Disk reads input files from the local file system.
type Disk struct{}

// ListFiles returns the files matching pathGlob in lexical order. A
// matching directory contributes every file below it.
func (Disk) ListFiles(pathGlob string) ([]FileInfo, error) {
	matches, err := filepath.Glob(pathGlob)
	if err != nil {
		return nil, errors.Wrapf(err, "bad pattern %s", pathGlob)
	}

	files := make([]FileInfo, 0, len(matches))
	for _, match := range matches {
		err := filepath.WalkDir(match, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			info, err := os.Stat(p)
			if err != nil {
				return err
			}
			files = append(files, FileInfo{Name: p, Size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walking %s", match)
		}
	}
	return files, nil
}

func (Disk) Stat(filePath string) (FileInfo, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return FileInfo{}, errors.WithStack(err)
	}
	if info.IsDir() {
		return FileInfo{}, errors.Errorf("%s is a directory", filePath)
	}
	return FileInfo{Name: filePath, Size: info.Size()}, nil
}

// OpenReader opens filePath positioned startAt bytes in.
func (Disk) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if _, err := f.Seek(startAt, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "seeking %s to %d", filePath, startAt)
	}
	return f, nil
}
