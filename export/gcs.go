package export

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	. "tbk/utils"
)

type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	// Credentials is a service account json file, application default
	// credentials are used without it.
	Credentials string `mapstructure:"credentials"`
}

// GCSExporter uploads objects to a bucket and verifies them afterwards.
type GCSExporter struct {
	cfg    GCSConfig
	client *storage.Client
	logger *Logger
}

func NewGCSExporter(ctx context.Context, cfg GCSConfig, logger *Logger, opts ...option.ClientOption) (*GCSExporter, error) {
	if cfg.Bucket == "" {
		return nil, ErrInvalidArgument.WithMessage("missing gcs bucket")
	}
	if cfg.Credentials != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Credentials))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSExporter{cfg: cfg, client: client, logger: logger}, nil
}

func (g *GCSExporter) Target() string {
	return "gs://" + g.cfg.Bucket
}

func (g *GCSExporter) ObjectName(name string) string {
	return objectName(g.cfg.Prefix, name)
}

func (g *GCSExporter) Export(ctx context.Context, name string, data []byte) error {
	obj := g.client.Bucket(g.cfg.Bucket).Object(g.ObjectName(name))
	sum := crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))

	w := obj.NewWriter(ctx)
	w.ChunkSize = 0
	w.ContentType = "application/xml"
	w.CRC32C = sum
	w.SendCRC32C = true
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// fetch attributes and verify
	var attrs *storage.ObjectAttrs
	var err error
	for i := 0; i < 3; i++ {
		attrs, err = obj.Attrs(ctx)
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		return err
	}
	if attrs.Size != int64(len(data)) {
		return fmt.Errorf("verify size mismatch: local=%d remote=%d", len(data), attrs.Size)
	}
	if attrs.CRC32C != sum {
		return fmt.Errorf("verify crc32c mismatch: local=%d remote=%d", sum, attrs.CRC32C)
	}
	return nil
}

func (g *GCSExporter) Close() error {
	return g.client.Close()
}
