package corfs

import (
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// Default size of the ranged reads issued by S3 readers
const defaultChunkSize = 8 * 1024 * 1024

// S3FileSystem reads objects from S3. Paths have the form s3://bucket/key.
type S3FileSystem struct {
	s3Client  s3iface.S3API
	chunkSize int64
}

// parseS3URI splits an s3://bucket/key path into bucket and key.
func parseS3URI(uri string) (bucket, key string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", errors.Errorf("not an s3 path: %s", uri)
	}
	trimmed := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return "", "", errors.Errorf("no bucket in s3 path: %s", uri)
	}
	if len(parts) == 1 {
		return parts[0], "", nil
	}
	return parts[0], parts[1], nil
}

// globPrefix returns the part of glob preceding its first wildcard.
func globPrefix(glob string) string {
	if i := strings.IndexAny(glob, "*?["); i >= 0 {
		return glob[:i]
	}
	return glob
}

// ListFiles lists the objects matching pathGlob. A glob without wildcards
// is treated as a key prefix.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	bucket, keyGlob, err := parseS3URI(pathGlob)
	if err != nil {
		return nil, err
	}
	prefix := globPrefix(keyGlob)
	isGlob := prefix != keyGlob

	s3Files := make([]FileInfo, 0)
	var matchErr error

	params := &s3.ListObjectsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	err = s.s3Client.ListObjectsPages(params,
		func(page *s3.ListObjectsOutput, _ bool) bool {
			for _, object := range page.Contents {
				key := aws.StringValue(object.Key)
				if isGlob {
					matched, err := path.Match(keyGlob, key)
					if err != nil {
						matchErr = err
						return false
					}
					if !matched {
						continue
					}
				}
				s3Files = append(s3Files, FileInfo{
					Name: fmt.Sprintf("s3://%s/%s", bucket, key),
					Size: aws.Int64Value(object.Size),
				})
			}
			return true
		})
	if err != nil {
		return nil, err
	}
	return s3Files, matchErr
}

func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	output, err := s.s3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "stat %s", filePath)
	}

	return FileInfo{
		Name: filePath,
		Size: aws.Int64Value(output.ContentLength),
	}, nil
}

func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	bucket, key, err := parseS3URI(filePath)
	if err != nil {
		return nil, err
	}
	info, err := s.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if startAt >= info.Size {
		return ioutil.NopCloser(strings.NewReader("")), nil
	}

	chunkSize := s.chunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	reader := &s3Reader{
		client:    s.s3Client,
		bucket:    bucket,
		key:       key,
		offset:    startAt,
		chunkSize: chunkSize,
		totalSize: info.Size,
	}
	if err := reader.loadNextChunk(); err != nil {
		return nil, err
	}
	return reader, nil
}

// NewS3FileSystem creates an S3FileSystem using the shared AWS configuration.
func NewS3FileSystem() (*S3FileSystem, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, err
	}
	return &S3FileSystem{s3Client: s3.New(sess)}, nil
}

// s3Reader reads an object through a sequence of ranged GetObject calls.
type s3Reader struct {
	client    s3iface.S3API
	bucket    string
	key       string
	offset    int64
	chunkSize int64
	chunk     io.ReadCloser
	totalSize int64
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (s *s3Reader) loadNextChunk() error {
	if s.chunk != nil {
		s.chunk.Close()
	}
	size := min64(s.chunkSize, s.totalSize-s.offset)
	params := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", s.offset, s.offset+size-1)),
	}
	output, err := s.client.GetObject(params)
	if err != nil {
		return err
	}
	s.offset += size
	s.chunk = output.Body
	return nil
}

func (s *s3Reader) Read(b []byte) (n int, err error) {
	n, err = s.chunk.Read(b)
	if err == io.EOF && s.offset < s.totalSize {
		err = s.loadNextChunk()
	}
	return n, err
}

func (s *s3Reader) Close() error {
	if s.chunk == nil {
		return nil
	}
	return s.chunk.Close()
}
