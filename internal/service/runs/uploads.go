package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gigcrew/internal/models"
)

const (
	DefaultUploadTTL = time.Hour
	// MaxUploadSize caps a single journal entry or article brief.
	MaxUploadSize = 1 << 20
	// MaxClientStorage caps the bytes a client may hold in active uploads.
	MaxClientStorage = 20 << 20
)

var (
	ErrUnsupportedUpload = errors.New("only .txt and .md files are accepted")
	ErrUploadTooLarge    = errors.New("upload too large")
	ErrStorageQuota      = errors.New("storage quota exceeded")
)

var allowedUploadExt = map[string]string{
	".txt": "text/plain",
	".md":  "text/markdown",
}

// UploadMimeType returns the content type for an accepted file name.
func UploadMimeType(fileName string) (string, error) {
	mime, ok := allowedUploadExt[strings.ToLower(filepath.Ext(fileName))]
	if !ok {
		return "", ErrUnsupportedUpload
	}
	return mime, nil
}

// StoreUpload writes r under the client's upload directory and records it.
func (s *Service) StoreUpload(ctx context.Context, clientID int64, fileName string, r io.Reader) (*models.Upload, error) {
	if clientID <= 0 {
		return nil, errors.New("client_id is required")
	}
	fileName = filepath.Base(strings.TrimSpace(fileName))
	if fileName == "" || fileName == "." || fileName == string(filepath.Separator) {
		return nil, errors.New("file name required")
	}
	mime, err := UploadMimeType(fileName)
	if err != nil {
		return nil, err
	}
	used, err := s.StorageUsage(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if used >= MaxClientStorage {
		return nil, ErrStorageQuota
	}

	dir := filepath.Join(s.uploadDir, strconv.FormatInt(clientID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "upload-*"+strings.ToLower(filepath.Ext(fileName)))
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	path := f.Name()
	size, err := io.Copy(f, io.LimitReader(r, MaxUploadSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if size > MaxUploadSize {
		os.Remove(path)
		return nil, ErrUploadTooLarge
	}
	if used+size > MaxClientStorage {
		os.Remove(path)
		return nil, ErrStorageQuota
	}

	upload, err := s.RecordUpload(ctx, models.Upload{
		ClientID:   clientID,
		FileName:   fileName,
		StoredPath: path,
		MimeType:   mime,
		Size:       size,
	})
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return upload, nil
}

// RecordUpload persists metadata for a file already written to disk.
func (s *Service) RecordUpload(ctx context.Context, u models.Upload) (*models.Upload, error) {
	now := time.Now().UTC()
	u.Status = models.UploadStatusActive
	u.CreatedAt = now
	u.ExpiresAt = now.Add(s.uploadTTL)
	var runID any
	if u.RunID != "" {
		runID = u.RunID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (client_id, run_id, file_name, stored_path, mime_type, size, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ClientID, runID, u.FileName, u.StoredPath, u.MimeType, u.Size, u.Status, u.CreatedAt, u.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert upload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("upload id: %w", err)
	}
	u.ID = id
	return &u, nil
}

// AttachUpload binds an upload to the run that reads it.
func (s *Service) AttachUpload(ctx context.Context, clientID, uploadID int64, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET run_id = ? WHERE id = ? AND client_id = ? AND status = ?`,
		runID, uploadID, clientID, models.UploadStatusActive,
	)
	if err != nil {
		return fmt.Errorf("attach upload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetUpload returns an active upload owned by the client.
func (s *Service) GetUpload(ctx context.Context, clientID, uploadID int64) (*models.Upload, error) {
	var (
		u     models.Upload
		runID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, run_id, file_name, stored_path, mime_type, size, status, created_at, expires_at
		 FROM uploads WHERE id = ? AND client_id = ? AND status = ?`,
		uploadID, clientID, models.UploadStatusActive,
	).Scan(&u.ID, &u.ClientID, &runID, &u.FileName, &u.StoredPath, &u.MimeType, &u.Size, &u.Status, &u.CreatedAt, &u.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get upload: %w", err)
	}
	u.RunID = runID.String
	return &u, nil
}

// ConsumeUpload deletes the upload's file and record once a run has used it.
func (s *Service) ConsumeUpload(ctx context.Context, u *models.Upload) error {
	if u == nil {
		return nil
	}
	if err := os.Remove(u.StoredPath); err != nil && !os.IsNotExist(err) {
		// hide it from readers; the cleaner retries the file once it expires
		_, _ = s.db.ExecContext(ctx, `UPDATE uploads SET status = ? WHERE id = ?`, models.UploadStatusConsumed, u.ID)
		return fmt.Errorf("remove upload file: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, u.ID); err != nil {
		return fmt.Errorf("delete upload record: %w", err)
	}
	s.logger.Debug("upload consumed", zap.Int64("upload_id", u.ID), zap.String("run_id", u.RunID))
	return nil
}

// StorageUsage sums the bytes of the client's active uploads.
func (s *Service) StorageUsage(ctx context.Context, clientID int64) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM uploads WHERE client_id = ? AND status = ?`,
		clientID, models.UploadStatusActive,
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("storage usage: %w", err)
	}
	return total.Int64, nil
}

// PurgeClientUploads drops every upload of the client, on disk and in the database.
func (s *Service) PurgeClientUploads(ctx context.Context, clientID int64) error {
	if clientID <= 0 {
		return errors.New("client_id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE client_id = ?`, clientID); err != nil {
		return fmt.Errorf("delete client uploads: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(s.uploadDir, strconv.FormatInt(clientID, 10))); err != nil {
		return fmt.Errorf("remove client upload dir: %w", err)
	}
	return nil
}
