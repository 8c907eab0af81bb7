// Package blob stores rendered chart images in an S3-compatible bucket.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"signal-kitchen/internal/domain"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const objectPrefix = "charts/"

type ClientConfig struct {
	// Endpoint is empty for AWS S3; set it for MinIO, R2 and similar stores.
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// ForcePathStyle puts the bucket in the path instead of the host name.
	ForcePathStyle bool
}

// ChartStore keeps charts as objects named after their image ref.
type ChartStore struct {
	s3     *s3.Client
	bucket string
	tracer trace.Tracer
}

func New(ctx context.Context, cfg ClientConfig, tracer trace.Tracer) (*ChartStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("blob: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normaliseEndpoint(cfg.Endpoint)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			// Most S3-compatible stores reject the default trailing checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	return &ChartStore{
		s3:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		tracer: tracer,
	}, nil
}

// ObjectKey maps "png.SOL::1h::1746363600" to "charts/png.SOL/1h/1746363600.png".
func ObjectKey(ref string) string {
	return objectPrefix + strings.ReplaceAll(ref, "::", "/") + ".png"
}

func (c *ChartStore) PutChart(ctx context.Context, ref string, img domain.ChartImage) error {
	ctx, span := c.tracer.Start(ctx, "chart-store.put")
	defer span.End()
	span.SetAttributes(attribute.String("chart.ref", ref), attribute.Int("chart.bytes", len(img.Bytes)))

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(ObjectKey(ref)),
		Body:        bytes.NewReader(img.Bytes),
		ContentType: aws.String(img.MimeType),
		Metadata: map[string]string{
			"width":  strconv.Itoa(img.Width),
			"height": strconv.Itoa(img.Height),
		},
	})
	if err != nil {
		return fmt.Errorf("blob: put chart %s: %w", ref, err)
	}
	return nil
}

// GetChart returns nil without error when the object does not exist.
func (c *ChartStore) GetChart(ctx context.Context, ref string) (*domain.ChartImage, error) {
	ctx, span := c.tracer.Start(ctx, "chart-store.get")
	defer span.End()

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(ObjectKey(ref)),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil
		}
		return nil, fmt.Errorf("blob: get chart %s: %w", ref, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob: read chart %s: %w", ref, err)
	}
	img := &domain.ChartImage{MimeType: aws.ToString(out.ContentType), Bytes: body}
	img.Width, _ = strconv.Atoi(out.Metadata["width"])
	img.Height, _ = strconv.Atoi(out.Metadata["height"])
	return img, nil
}

func normaliseEndpoint(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "https://" + endpoint
}
