// Package s3mirror is an opt-in sidecar that uploads a cache's SQLite
// file to S3 after batch commits, so a second machine can rehydrate its
// caches from the same object instead of re-fetching from origin.
package s3mirror

import (
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// Uploader uploads a local cache file to an object key; Sidecar calls it
// from OnCommit.
type Uploader interface {
	Upload(localPath, key string) error
}

// S3Uploader is the real Uploader, backed by aws-sdk-go's s3manager.
type S3Uploader struct {
	bucket   string
	uploader *s3manager.Uploader
}

// NewS3Uploader builds an S3Uploader for bucket, using the default AWS
// session credential chain (environment, shared config, EC2 role).
func NewS3Uploader(bucket string) (*S3Uploader, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("s3mirror: new session: %w", err)
	}
	return &S3Uploader{bucket: bucket, uploader: s3manager.NewUploader(sess)}, nil
}

// Upload streams localPath's contents to s3://bucket/key.
func (u *S3Uploader) Upload(localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("s3mirror: open %s: %w", localPath, err)
	}
	defer f.Close()

	_, err = u.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("s3mirror: upload %s to s3://%s/%s: %w", localPath, u.bucket, key, err)
	}
	return nil
}

// Sidecar periodically mirrors a cache's SQLite file to S3 after every
// Nth batch commit, so a second machine's netcache/compoundcache can
// rehydrate from the same object instead of re-fetching from origin.
type Sidecar struct {
	uploader    Uploader
	localPath   string
	key         string
	every       int
	commitCount int
}

// NewSidecar builds a mirroring sidecar for one cache file.
func NewSidecar(uploader Uploader, localPath, key string, every int) *Sidecar {
	if every <= 0 {
		every = 1
	}
	return &Sidecar{uploader: uploader, localPath: localPath, key: key, every: every}
}

// OnCommit should be called after every batch commit to the mirrored
// cache; it uploads every `every`-th call.
func (s *Sidecar) OnCommit() error {
	s.commitCount++
	if s.commitCount%s.every != 0 {
		return nil
	}
	return s.uploader.Upload(s.localPath, s.key)
}
