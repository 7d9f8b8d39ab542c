// Package datasource opens the raw observation file named by a config.Source.
package datasource

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"microdata/internal/config"
)

// ObjectGetter is the part of *s3.Client used here.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Opener opens sources. The zero value uses the local filesystem and the
// AWS default credential chain.
type Opener struct {
	// NewS3 builds the client for an s3 source; nil uses NewS3Client.
	NewS3 func(ctx context.Context, src config.Source) (ObjectGetter, error)
}

// Open is Opener{}.Open.
func Open(ctx context.Context, src config.Source) (io.ReadCloser, error) {
	return Opener{}.Open(ctx, src)
}

// Open returns a reader over the raw bytes of src. The caller must close it.
// A missing local file keeps os.ErrNotExist in the error chain.
func (o Opener) Open(ctx context.Context, src config.Source) (io.ReadCloser, error) {
	switch src.Kind {
	case "", "file":
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		return f, nil

	case "s3":
		newS3 := o.NewS3
		if newS3 == nil {
			newS3 = NewS3Client
		}
		client, err := newS3(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(src.Bucket),
			Key:    aws.String(src.Key),
		})
		if err != nil {
			return nil, fmt.Errorf("get s3://%s/%s: %w", src.Bucket, src.Key, err)
		}
		return out.Body, nil

	default:
		return nil, fmt.Errorf("unsupported source.kind=%s", src.Kind)
	}
}

// NewS3Client loads the default AWS configuration, overriding the region and
// endpoint when src sets them. A custom endpoint implies path-style
// addressing, which S3-compatible stores expect.
func NewS3Client(ctx context.Context, src config.Source) (ObjectGetter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if src.Region != "" {
		opts = append(opts, awsconfig.WithRegion(src.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if src.Endpoint != "" {
			o.BaseEndpoint = aws.String(src.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Describe renders src for logs.
func Describe(src config.Source) string {
	if src.Kind == "s3" {
		return fmt.Sprintf("s3://%s/%s", src.Bucket, src.Key)
	}
	return src.Path
}
