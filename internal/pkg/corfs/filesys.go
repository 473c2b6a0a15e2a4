package corfs

import (
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileSystem provides read access to the input files a dataset is loaded from.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(filePath string) (FileInfo, error)
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
}

// FileInfo provides information about a file
type FileInfo struct {
	Name string // file path
	Size int64  // file size in bytes
}

// IsS3Path reports whether location names S3 objects.
func IsS3Path(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// Router serves every path from the file system its scheme selects:
// s3:// paths from S3 and everything else from the local disk. Inputs of
// both kinds can be mixed. The S3 client is created on first use.
type Router struct {
	disk FileSystem

	mu    sync.Mutex
	s3    FileSystem
	newS3 func() (FileSystem, error)
}

// NewRouter creates a Router reading S3 with the shared AWS configuration.
func NewRouter() *Router {
	return &Router{
		disk: Disk{},
		newS3: func() (FileSystem, error) {
			fs, err := NewS3FileSystem()
			if err != nil {
				return nil, err
			}
			return fs, nil
		},
	}
}

func (r *Router) route(location string) (FileSystem, error) {
	if !IsS3Path(location) {
		return r.disk, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s3 == nil {
		fs, err := r.newS3()
		if err != nil {
			return nil, errors.Wrapf(err, "connecting to S3 for %s", location)
		}
		r.s3 = fs
	}
	return r.s3, nil
}

func (r *Router) ListFiles(pathGlob string) ([]FileInfo, error) {
	fs, err := r.route(pathGlob)
	if err != nil {
		return nil, err
	}
	return fs.ListFiles(pathGlob)
}

func (r *Router) Stat(filePath string) (FileInfo, error) {
	fs, err := r.route(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	return fs.Stat(filePath)
}

func (r *Router) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	fs, err := r.route(filePath)
	if err != nil {
		return nil, err
	}
	return fs.OpenReader(filePath, startAt)
}
