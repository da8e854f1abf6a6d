package runs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const DefaultUploadCleanupInterval = 10 * time.Minute

// StartUploadCleaner removes expired uploads every interval until ctx is done.
func (s *Service) StartUploadCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUploadCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CleanupExpiredUploads(ctx); err != nil {
				s.logger.Warn("cleanup uploads failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("expired uploads removed", zap.Int("count", n))
			}
		}
	}
}

// CleanupExpiredUploads deletes uploads past their expiry and returns how many were removed.
func (s *Service) CleanupExpiredUploads(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stored_path FROM uploads
		WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	type fileRow struct {
		id   int64
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			rows.Close()
			return 0, err
		}
		files = append(files, fr)
	}
	rows.Close()

	removed := 0
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove upload file failed", zap.String("path", f.path), zap.Error(err))
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, f.id); err != nil {
			s.logger.Warn("delete upload record failed", zap.Int64("upload_id", f.id), zap.Error(err))
			continue
		}
		removed++
		// prune empty client directories
		_ = os.Remove(filepath.Dir(f.path))
	}
	return removed, nil
}
