package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

var log = slog.Default()

// S3Config configures the default Uploader.
type S3Config struct {
	// Bucket is the destination bucket (required).
	Bucket string
	// Prefix is prepended to every object key (optional).
	Prefix string
	// Region overrides the SDK's default region resolution (optional).
	Region string
	// Endpoint overrides the S3 endpoint, for S3-compatible providers
	// (optional).
	Endpoint string
	// UsePathStyle forces path-style addressing, required by most
	// S3-compatible providers.
	UsePathStyle bool
}

// S3Uploader uploads local files to S3 and reports their object keys as
// the wire-visible remote identifier.
type S3Uploader struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Uploader loads AWS credentials via the SDK's default chain and
// returns an Uploader backed by the given bucket.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("uploader: S3 bucket is required")
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("uploader: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &S3Uploader{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// UploadBatch implements Uploader. Every file in the batch is uploaded
// concurrently; the first error cancels the context the remaining uploads
// run under, and once every upload has returned the future rejects with
// that first error.
func (u *S3Uploader) UploadBatch(ctx context.Context, localPaths []string) *besevent.Future[besevent.PathConverter] {
	future := besevent.NewFuture[besevent.PathConverter]()
	if len(localPaths) == 0 {
		future.Resolve(func(string) (string, bool) { return "", false })
		return future
	}

	go func() {
		keys := make(map[string]string, len(localPaths))
		var mu sync.Mutex

		g, gCtx := errgroup.WithContext(ctx)
		for _, p := range localPaths {
			p := p
			g.Go(func() error {
				key, err := u.putObject(gCtx, p)
				if err != nil {
					return fmt.Errorf("uploader: upload %s: %w", p, err)
				}
				mu.Lock()
				keys[p] = key
				mu.Unlock()
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			future.Reject(err)
			return
		}

		future.Resolve(func(localPath string) (string, bool) {
			key, ok := keys[localPath]
			return key, ok
		})
	}()

	return future
}

func (u *S3Uploader) putObject(ctx context.Context, localPath string) (string, error) {
	f, err := openFile(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := u.objectKey(localPath)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return "", err
	}
	log.Debug("uploader: uploaded artifact", "local_path", localPath, "key", key)
	return "s3://" + u.bucket + "/" + key, nil
}

func (u *S3Uploader) objectKey(localPath string) string {
	base := strings.TrimPrefix(localPath, "/")
	if u.prefix == "" {
		return base
	}
	return path.Join(u.prefix, base)
}

// Close implements Uploader.
func (u *S3Uploader) Close() error { return nil }
