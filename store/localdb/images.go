package localdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yorutsuke/yorutsuke/ids"
	"github.com/yorutsuke/yorutsuke/receipt"
)

// ErrNotFound is returned for rows which don't exist.
var ErrNotFound = errors.New("row not found")

// InsertImage stores a freshly captured image row.
func (d *DB) InsertImage(img *receipt.Image) error {
	var _, err = d.db.Exec(`
		INSERT INTO images (id, user_id, trace_id, status, local_path, md5,
			original_size, compressed_size, retry_count, created_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		img.Id, img.UserId, img.TraceId, img.Status, img.LocalPath, img.MD5,
		img.OriginalSize, img.CompressedSize, img.RetryCount,
		img.CreatedAt.UnixMilli(), img.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting image %s: %w", img.Id, err)
	}
	return nil
}

// GetImage reads one image row.
func (d *DB) GetImage(id ids.ImageId) (*receipt.Image, error) {
	var row = d.db.QueryRow(`
		SELECT id, user_id, trace_id, status, local_path, object_key, md5,
			original_size, compressed_size, retry_count,
			created_at, uploaded_at, processed_at, error
		FROM images WHERE id = ?;`, id)
	return scanImage(row)
}

// UpdateImage rewrites the mutable columns of an image row.
func (d *DB) UpdateImage(img *receipt.Image) error {
	var uploadedAt, processedAt interface{}
	if !img.UploadedAt.IsZero() {
		uploadedAt = img.UploadedAt.UnixMilli()
	}
	if !img.ProcessedAt.IsZero() {
		processedAt = img.ProcessedAt.UnixMilli()
	}
	var res, err = d.db.Exec(`
		UPDATE images SET status = ?, object_key = ?, md5 = ?,
			compressed_size = ?, retry_count = ?, uploaded_at = ?,
			processed_at = ?, error = ?
		WHERE id = ?;`,
		img.Status, img.ObjectKey, img.MD5, img.CompressedSize,
		img.RetryCount, uploadedAt, processedAt, img.Error, img.Id,
	)
	if err != nil {
		return fmt.Errorf("updating image %s: %w", img.Id, err)
	} else if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionImage moves an image to |to|, validating the edge against the
// stored status and applying |mutate| to the row under the same write.
func (d *DB) TransitionImage(id ids.ImageId, to receipt.Status, mutate func(*receipt.Image)) (*receipt.Image, error) {
	var img, err = d.GetImage(id)
	if err != nil {
		return nil, err
	}
	if err = receipt.Transition(img.Status, to); err != nil {
		return nil, err
	}
	img.Status = to
	if mutate != nil {
		mutate(img)
	}
	if err = d.UpdateImage(img); err != nil {
		return nil, err
	}
	return img, nil
}

// ListImagesByStatus returns rows of |status| in FIFO capture order.
func (d *DB) ListImagesByStatus(statuses ...receipt.Status) ([]*receipt.Image, error) {
	var query = `
		SELECT id, user_id, trace_id, status, local_path, object_key, md5,
			original_size, compressed_size, retry_count,
			created_at, uploaded_at, processed_at, error
		FROM images WHERE status IN (` + placeholders(len(statuses)) + `)
		ORDER BY created_at ASC, id ASC;`

	var args = make([]interface{}, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	defer rows.Close()

	var out []*receipt.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// FindDuplicate returns an image of |user| with the same MD5 which already
// reached the object store, or nil.
func (d *DB) FindDuplicate(user ids.UserId, md5 []byte, exclude ids.ImageId) (*receipt.Image, error) {
	var row = d.db.QueryRow(`
		SELECT id, user_id, trace_id, status, local_path, object_key, md5,
			original_size, compressed_size, retry_count,
			created_at, uploaded_at, processed_at, error
		FROM images
		WHERE user_id = ? AND md5 = ? AND id != ?
			AND status IN ('uploaded', 'processing', 'processed', 'confirmed')
		LIMIT 1;`, user, md5, exclude)

	var img, err = scanImage(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return img, err
}

// RecoverUploading demotes rows stranded in uploading or retrying by a
// crash back to compressed, and returns how many were demoted.
func (d *DB) RecoverUploading() (int64, error) {
	var res, err = d.db.Exec(`
		UPDATE images SET status = 'compressed', error = ''
		WHERE status IN ('uploading', 'retrying');`)
	if err != nil {
		return 0, fmt.Errorf("recovering uploading images: %w", err)
	}
	var n, _ = res.RowsAffected()
	return n, nil
}

// DeleteImage removes an image row.
func (d *DB) DeleteImage(id ids.ImageId) error {
	var _, err = d.db.Exec(`DELETE FROM images WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("deleting image %s: %w", id, err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanImage(row scannable) (*receipt.Image, error) {
	var img receipt.Image
	var createdAt int64
	var uploadedAt, processedAt sql.NullInt64

	var err = row.Scan(&img.Id, &img.UserId, &img.TraceId, &img.Status,
		&img.LocalPath, &img.ObjectKey, &img.MD5,
		&img.OriginalSize, &img.CompressedSize, &img.RetryCount,
		&createdAt, &uploadedAt, &processedAt, &img.Error)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("scanning image row: %w", err)
	}

	img.CreatedAt = time.UnixMilli(createdAt)
	if uploadedAt.Valid {
		img.UploadedAt = time.UnixMilli(uploadedAt.Int64)
	}
	if processedAt.Valid {
		img.ProcessedAt = time.UnixMilli(processedAt.Int64)
	}
	return &img, nil
}

func placeholders(n int) string {
	var out string
	for i := 0; i != n; i++ {
		if i != 0 {
			out += ", "
		}
		out += "?"
	}
	return out
}
