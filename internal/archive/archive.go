// Package archive copies the output files of succeeded jobs to long term
// storage: a local directory or an S3 bucket.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/3liz/qgswps/internal/model"
)

var ErrClosed = errors.New("archiver already closed")

// Archiver stores the files of a job workdir. Files are slash separated
// paths relative to workdir.
type Archiver interface {
	Archive(ctx context.Context, jobID, workdir string, files []string) error
	Close() error
}

// New returns the archivers enabled in cfg, none when it is empty.
func New(ctx context.Context, cfg model.Archive) ([]Archiver, error) {
	var ret []Archiver
	if cfg.Dir != "" {
		a, err := NewDir(cfg.Dir)
		if err != nil {
			return nil, err
		}
		ret = append(ret, a)
	}
	if cfg.S3.Endpoint != "" {
		a, err := NewS3(ctx, cfg.S3)
		if err != nil {
			closeAll(ret)
			return nil, err
		}
		ret = append(ret, a)
	}
	return ret, nil
}

func closeAll(archivers []Archiver) {
	for _, a := range archivers {
		_ = a.Close()
	}
}

// Dir copies files under <dir>/<job id>/.
type Dir struct {
	root *os.Root
}

func NewDir(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Archive(ctx context.Context, jobID, workdir string, files []string) error {
	if d.root == nil {
		return ErrClosed
	}
	src, err := os.OpenRoot(workdir)
	if err != nil {
		return err
	}
	defer src.Close()

	for _, name := range files {
		dst := path.Join(jobID, name)
		if err := d.root.MkdirAll(path.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("archiving %s: %w", dst, err)
		}
		if err := copyFile(src, name, d.root, dst); err != nil {
			return fmt.Errorf("archiving %s: %w", dst, err)
		}
	}
	slog.InfoContext(ctx, "job archived", "job_id", jobID, "files", len(files))
	return nil
}

func copyFile(src *os.Root, name string, dst *os.Root, target string) error {
	in, err := src.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := dst.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (d *Dir) Close() error {
	if d.root == nil {
		return ErrClosed
	}
	err := d.root.Close()
	d.root = nil
	return err
}

// S3 uploads files as <job id>/<file> objects of a bucket.
type S3 struct {
	client *minio.Client
	bucket string
}

func NewS3(ctx context.Context, cfg model.S3) (*S3, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Archive(ctx context.Context, jobID, workdir string, files []string) error {
	src, err := os.OpenRoot(workdir)
	if err != nil {
		return err
	}
	defer src.Close()

	for _, name := range files {
		if err := s.put(ctx, src, path.Join(jobID, name), name); err != nil {
			return fmt.Errorf("uploading %s: %w", name, err)
		}
	}
	slog.InfoContext(ctx, "job uploaded", "job_id", jobID, "bucket", s.bucket, "files", len(files))
	return nil
}

func (s *S3) put(ctx context.Context, src *os.Root, key, name string) error {
	f, err := src.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, f, st.Size(), minio.PutObjectOptions{ContentType: mt.String()})
	return err
}

func (s *S3) Close() error { return nil }
