// Package export copies tables of contents offsite, so a backup can be
// located when the catalog is lost.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"golang.org/x/sync/errgroup"

	"tbk/toc"
	. "tbk/utils"
)

type Exporter interface {
	// Target names the bucket, used in log lines.
	Target() string
	Export(ctx context.Context, name string, data []byte) error
}

func objectName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// All exports data to every exporter at once and returns the first error.
func All(ctx context.Context, exporters []Exporter, name string, data []byte, logger *Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range exporters {
		g.Go(func() error {
			if err := e.Export(ctx, name, data); err != nil {
				logger.Error("Export of ", name, " to ", e.Target(), " failed: ", err)
				return fmt.Errorf("export %s to %s: %w", name, e.Target(), err)
			}
			logger.Event("Exported ", name, " to ", e.Target())
			return nil
		})
	}
	return g.Wait()
}

// Close releases the clients of exporters that hold one.
func Close(exporters []Exporter) error {
	var errs []error
	for _, e := range exporters {
		if c, ok := e.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", e.Target(), err))
			}
		}
	}
	return errors.Join(errs...)
}

// TOC exports the toc document as <backup id>.xml.
func TOC(ctx context.Context, exporters []Exporter, t *toc.TableOfContent, logger *Logger) error {
	if t == nil || t.BackupID == "" {
		return ErrInvalidArgument.WithMessage("toc without backup id")
	}
	data, err := t.Marshal()
	if err != nil {
		return err
	}
	return All(ctx, exporters, t.BackupID+".xml", data, logger)
}
