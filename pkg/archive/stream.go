package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"

	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/audit"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

// StreamZip writes a zip of the given entries straight to w without touching
// backend storage. Entry selection and layout follow Compress; the writer is
// typically an HTTP response, so the archive size is unknown up front and no
// quota is consumed.
func (s *Service) StreamZip(ctx context.Context, w io.Writer, userID string, entryIDs []string) error {
	sources, storageID, err := s.loadSources(ctx, userID, entryIDs)
	if err != nil {
		return err
	}
	backend, err := s.registry.Get(storageID)
	if err != nil {
		return err
	}
	zipEntries, err := s.collectZipEntries(ctx, userID, sources)
	if err != nil {
		return err
	}

	s.metrics.StreamZipStarted()
	defer s.metrics.StreamZipFinished()

	zw := zip.NewWriter(w)
	for _, entry := range zipEntries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir {
			if _, err := zw.Create(entry.ArcName + "/"); err != nil {
				return err
			}
			continue
		}
		ew, err := zw.Create(entry.ArcName)
		if err != nil {
			return err
		}
		if err := s.copyEntry(ctx, backend, entry.Path, ew); err != nil {
			return fmt.Errorf("stream %q: %w", entry.ArcName, err)
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionDownload,
		ResourceType: "archive",
		UserID:       userID,
		Detail:       fmt.Sprintf("streamed entries=%d", len(zipEntries)),
	})
	logger.InfoCtx(ctx, "zip stream completed", "user_id", userID, "entries", len(zipEntries))
	return nil
}

func (s *Service) copyEntry(ctx context.Context, backend storage.Backend, path string, w io.Writer) error {
	rc, err := backend.Open(ctx, path)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}
