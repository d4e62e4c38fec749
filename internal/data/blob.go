package data

import (
    "bytes"
    "context"
    "errors"
    "fmt"
    "strings"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/metrics"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/servicecfg"
    minio "github.com/minio/minio-go/v7"
    "github.com/minio/minio-go/v7/pkg/credentials"
)

// Blob wraps the object store holding device images. Two buckets: staging
// (public-write, filled by an external uploader) and the destination image
// bucket (public-read).
type Blob struct {
    cfg        servicecfg.BlobConfig
    c          *minio.Client
    publicBase string
}

func NewBlob(cfg servicecfg.BlobConfig) (*Blob, error) {
    if !cfg.Enabled {
        return &Blob{cfg: cfg}, nil
    }
    cli, err := minio.New(cfg.Endpoint, &minio.Options{
        Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
        Secure: cfg.UseSSL,
        Region: cfg.Region,
    })
    if err != nil {
        return nil, fmt.Errorf("blob client: %w", err)
    }
    base := cfg.PublicBaseURL
    if base == "" {
        scheme := "http"
        if cfg.UseSSL {
            scheme = "https"
        }
        base = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.ImageBucket)
    }
    return &Blob{cfg: cfg, c: cli, publicBase: strings.TrimRight(base, "/")}, nil
}

// PublicURL derives the public address of a destination object.
func (b *Blob) PublicURL(name string) string {
    return b.publicBase + "/" + name
}

var errBlobDisabled = errors.New("blob store disabled")

func (b *Blob) exists(ctx context.Context, bucket, name string) (bool, error) {
    if b.c == nil {
        return false, errBlobDisabled
    }
    _, err := b.c.StatObject(ctx, bucket, name, minio.StatObjectOptions{})
    if err != nil {
        if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
            return false, nil
        }
        return false, err
    }
    return true, nil
}

// InDestination reports whether name already exists in the image bucket.
// Not-found is a state, not an error.
func (b *Blob) InDestination(ctx context.Context, name string) (bool, error) {
    return b.exists(ctx, b.cfg.ImageBucket, name)
}

// InStaging reports whether name has arrived in the staging bucket.
func (b *Blob) InStaging(ctx context.Context, name string) (bool, error) {
    return b.exists(ctx, b.cfg.StagingBucket, name)
}

// SaveImage writes image bytes straight to the destination bucket and
// returns the public URL.
func (b *Blob) SaveImage(ctx context.Context, name, contentType string, data []byte) (string, error) {
    if b.c == nil {
        return "", errBlobDisabled
    }
    _, err := b.c.PutObject(ctx, b.cfg.ImageBucket, name, bytes.NewReader(data), int64(len(data)),
        minio.PutObjectOptions{ContentType: contentType})
    if err != nil {
        return "", err
    }
    metrics.BlobWriteBytes.Add(float64(len(data)))
    return b.PublicURL(name), nil
}

// Promote relocates name from staging to the destination bucket: copy, then
// delete the source. A failed source delete is tolerated; the stale sweep
// collects leftovers.
func (b *Blob) Promote(ctx context.Context, name string) (string, error) {
    if b.c == nil {
        return "", errBlobDisabled
    }
    _, err := b.c.CopyObject(ctx,
        minio.CopyDestOptions{Bucket: b.cfg.ImageBucket, Object: name},
        minio.CopySrcOptions{Bucket: b.cfg.StagingBucket, Object: name},
    )
    if err != nil {
        return "", err
    }
    _ = b.c.RemoveObject(ctx, b.cfg.StagingBucket, name, minio.RemoveObjectOptions{})
    return b.PublicURL(name), nil
}

// StagedObject is one object sitting in the staging bucket.
type StagedObject struct {
    Name      string
    CreatedAt time.Time
}

// ListStaging enumerates the staging bucket with object creation times.
func (b *Blob) ListStaging(ctx context.Context) ([]StagedObject, error) {
    if b.c == nil {
        return nil, nil
    }
    var out []StagedObject
    for obj := range b.c.ListObjects(ctx, b.cfg.StagingBucket, minio.ListObjectsOptions{}) {
        if obj.Err != nil {
            return out, obj.Err
        }
        out = append(out, StagedObject{Name: obj.Key, CreatedAt: obj.LastModified})
    }
    return out, nil
}

// DeleteStaging removes one object from the staging bucket.
func (b *Blob) DeleteStaging(ctx context.Context, name string) error {
    if b.c == nil {
        return errBlobDisabled
    }
    return b.c.RemoveObject(ctx, b.cfg.StagingBucket, name, minio.RemoveObjectOptions{})
}
