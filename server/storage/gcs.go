package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

const gcsTimeout = 2 * time.Minute

// StorageGCS keeps blobs in a Google Cloud Storage bucket, under an optional prefix.
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS or the metadata server).
type StorageGCS struct {
	prefix string
	client *gcs.Client
	bucket *gcs.BucketHandle
}

func NewStorageGCS(log logs.Log, bucketName, prefix string) (*StorageGCS, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("GCS bucket name is empty")
	}
	client, err := gcs.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("Failed to create GCS client: %w", err)
	}
	log.Infof("Storing collected data in gs://%v/%v", bucketName, prefix)
	return &StorageGCS{
		prefix: prefix,
		client: client,
		bucket: client.Bucket(bucketName),
	}, nil
}

func (s *StorageGCS) object(name string) (*gcs.ObjectHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: '%v'", ErrInvalidName, name)
	}
	return s.bucket.Object(s.prefix + name), nil
}

// gcsWriter bounds an upload by gcsTimeout
type gcsWriter struct {
	*gcs.Writer
	cancel context.CancelFunc
}

func (w *gcsWriter) Close() error {
	defer w.cancel()
	return w.Writer.Close()
}

func (s *StorageGCS) WriteFile(name string) (io.WriteCloser, error) {
	obj, err := s.object(name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), gcsTimeout)
	w := obj.NewWriter(ctx)
	w.ContentType = ContentType(name)
	return &gcsWriter{Writer: w, cancel: cancel}, nil
}

func (s *StorageGCS) ReadFile(name string) (*File, error) {
	obj, err := s.object(name)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(context.Background())
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &File{
		Reader:      r,
		ModifiedAt:  r.Attrs.LastModified,
		Size:        r.Attrs.Size,
		ContentType: r.Attrs.ContentType,
	}, nil
}

func (s *StorageGCS) DeleteFile(name string) error {
	obj, err := s.object(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), gcsTimeout)
	defer cancel()
	err = obj.Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}
