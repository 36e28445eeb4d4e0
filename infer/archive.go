package infer

import (
	"context"

	"github.com/minio/minio-go/v7"
)

// Archiver keeps a copy of a job file before cleanup deletes it.
type Archiver interface {
	Archive(ctx context.Context, key string, path string) error
}

type MinIOArchiver struct {
	mc     *minio.Client
	bucket string
}

func NewMinIOArchiver(mc *minio.Client, bucket string) *MinIOArchiver {
	return &MinIOArchiver{mc: mc, bucket: bucket}
}

func (a *MinIOArchiver) Archive(ctx context.Context, key string, path string) error {
	_, err := a.mc.FPutObject(ctx, a.bucket, key, path, minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	return err
}
