package export

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	. "tbk/utils"
)

type S3Config struct {
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	Prefix string `mapstructure:"prefix"`
	// Endpoint points at an S3 compatible service instead of AWS.
	Endpoint string `mapstructure:"endpoint"`
}

// S3Exporter puts objects into a bucket with the default AWS credential chain.
type S3Exporter struct {
	cfg    S3Config
	client *s3.Client
	logger *Logger
}

func NewS3Exporter(ctx context.Context, cfg S3Config, logger *Logger) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, ErrInvalidArgument.WithMessage("missing s3 bucket")
	}
	client, err := getClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Exporter{cfg: cfg, client: client, logger: logger}, nil
}

func getClient(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsConfig, func(options *s3.Options) {
		if cfg.Region != "" {
			options.Region = cfg.Region
		}
		if cfg.Endpoint != "" {
			options.BaseEndpoint = aws.String(cfg.Endpoint)
			options.UsePathStyle = true
		}
	}), nil
}

func (s *S3Exporter) Target() string {
	return "s3://" + s.cfg.Bucket
}

func (s *S3Exporter) ObjectName(name string) string {
	return objectName(s.cfg.Prefix, name)
}

func (s *S3Exporter) Export(ctx context.Context, name string, data []byte) error {
	params := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.ObjectName(name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/xml"),
	}
	_, err := s.client.PutObject(ctx, params)
	return err
}
