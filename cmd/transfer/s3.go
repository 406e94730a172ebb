package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// multipartThreshold is the object size above which uploads go through the
// s3manager multipart path.
const multipartThreshold = 100 * 1024 * 1024

// metadataHashKey is the object metadata key carrying the SHA-256 of the
// uploaded content. The SDK normalizes metadata keys, so reads must check
// the canonical form too.
const metadataHashKey = "sha256"

// S3Config holds credentials and addressing for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// S3Remote implements Remote against S3-compatible object storage. Content
// hashes are carried as object metadata because the S3 ETag is not a usable
// content digest for multipart uploads.
type S3Remote struct {
	config   S3Config
	client   *s3.S3
	uploader *s3manager.Uploader
	logger   *slog.Logger
}

// NewS3Remote creates a connected S3 remote.
func NewS3Remote(cfg S3Config, logger *slog.Logger) (*S3Remote, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(cfg.Region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &S3Remote{
		config:   cfg,
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		logger:   logger,
	}, nil
}

// CopyTo uploads a local file, attaching its SHA-256 as object metadata.
func (r *S3Remote) CopyTo(ctx context.Context, localPath, remotePath string) error {
	hash, err := HashFile(localPath)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	metadata := map[string]*string{metadataHashKey: aws.String(hash)}

	r.logger.Debug(fmt.Sprintf("  ☁️  Uploading to s3://%s/%s (size: %d bytes)",
		r.config.Bucket, remotePath, info.Size()))

	if info.Size() > multipartThreshold {
		_, err = r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:   aws.String(r.config.Bucket),
			Key:      aws.String(remotePath),
			Body:     f,
			Metadata: metadata,
		})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", remotePath, err)
		}
		return nil
	}

	_, err = r.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(r.config.Bucket),
		Key:      aws.String(remotePath),
		Body:     f,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", remotePath, err)
	}
	return nil
}

// MoveTo renames an object via server-side copy plus delete.
func (r *S3Remote) MoveTo(ctx context.Context, src, dst string) error {
	source := url.PathEscape(r.config.Bucket + "/" + src)

	_, err := r.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(r.config.Bucket),
		Key:               aws.String(dst),
		CopySource:        aws.String(source),
		MetadataDirective: aws.String(s3.MetadataDirectiveCopy),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	return r.Delete(ctx, src)
}

// Hash returns the object's SHA-256 from metadata, falling back to a
// streamed download when the metadata is absent (e.g. objects written by
// another tool).
func (r *S3Remote) Hash(ctx context.Context, remotePath string) (string, error) {
	head, err := r.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return "", fmt.Errorf("failed to head %s: %w", remotePath, err)
	}

	for _, key := range []string{"Sha256", metadataHashKey} {
		if v, ok := head.Metadata[key]; ok && v != nil && *v != "" {
			return *v, nil
		}
	}

	r.logger.Debug(fmt.Sprintf("No hash metadata on %s, hashing by download", remotePath))
	return r.hashByDownload(ctx, remotePath)
}

func (r *S3Remote) hashByDownload(ctx context.Context, remotePath string) (string, error) {
	out, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return "", fmt.Errorf("failed to get %s: %w", remotePath, err)
	}
	defer out.Body.Close()

	h := sha256.New()
	if _, err := io.Copy(h, out.Body); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", remotePath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// List enumerates objects under a prefix. Hashes are left empty; callers
// needing a digest ask Hash per object.
func (r *S3Remote) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object

	err := r.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.config.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Path: aws.StringValue(obj.Key),
				Size: aws.Int64Value(obj.Size),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return objects, nil
}

// Delete removes an object.
func (r *S3Remote) Delete(ctx context.Context, remotePath string) error {
	_, err := r.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", remotePath, err)
	}
	return nil
}

// Fetch downloads an object to a local file.
func (r *S3Remote) Fetch(ctx context.Context, remotePath, localPath string) error {
	out, err := r.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(remotePath),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, remotePath)
		}
		return fmt.Errorf("failed to get %s: %w", remotePath, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(localPath)
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	return f.Close()
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
