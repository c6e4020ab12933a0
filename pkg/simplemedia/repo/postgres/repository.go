package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-media/pkg/simplemedia"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplemedia.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

const fileColumns = `id, app_id, user_id, purpose, filename, mime_type, size, original_size,
	checksum, storage_key, storage_bucket, optimized_key, status, optimization_status,
	optimization_params, last_error, metadata, exif, uploaded_at, status_changed_at,
	deleted_at, created_at, updated_at, version`

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return simplemedia.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "checksum") {
				return simplemedia.ErrChecksumConflict
			}
			return fmt.Errorf("duplicate entry in %s: %s", operation, pgErr.ConstraintName)
		case "23514": // check_violation
			return fmt.Errorf("invalid value in %s: %s", operation, pgErr.ConstraintName)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (r *Repository) Insert(ctx context.Context, rec *simplemedia.FileRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	params, metadata, exif, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO media_file (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.AppID, rec.UserID, rec.Purpose, rec.FileName, rec.MimeType,
		rec.Size, rec.OriginalSize, rec.Checksum, rec.StorageKey, rec.StorageBucket,
		rec.OptimizedKey, string(rec.Status), string(rec.OptimizationStatus),
		params, rec.LastError, metadata, exif, rec.UploadedAt, rec.StatusChangedAt,
		rec.DeletedAt, rec.CreatedAt, rec.UpdatedAt, rec.Version,
	)
	if err != nil {
		return r.handlePostgresError("insert file", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, rec *simplemedia.FileRecord, expectedVersion int64) error {
	params, metadata, exif, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE media_file SET
			app_id = $3, user_id = $4, purpose = $5, filename = $6, mime_type = $7,
			size = $8, original_size = $9, checksum = $10, storage_key = $11,
			storage_bucket = $12, optimized_key = $13, status = $14,
			optimization_status = $15, optimization_params = $16, last_error = $17,
			metadata = $18, exif = $19, uploaded_at = $20, status_changed_at = $21,
			deleted_at = $22, updated_at = $23, version = version + 1
		WHERE id = $1 AND version = $2`

	tag, err := r.db.Exec(ctx, query,
		rec.ID, expectedVersion, rec.AppID, rec.UserID, rec.Purpose, rec.FileName,
		rec.MimeType, rec.Size, rec.OriginalSize, rec.Checksum, rec.StorageKey,
		rec.StorageBucket, rec.OptimizedKey, string(rec.Status),
		string(rec.OptimizationStatus), params, rec.LastError, metadata, exif,
		rec.UploadedAt, rec.StatusChangedAt, rec.DeletedAt, rec.UpdatedAt,
	)
	if err != nil {
		return r.handlePostgresError("update file", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM media_file WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return r.handlePostgresError("update file", err)
		}
		if !exists {
			return simplemedia.ErrNotFound
		}
		return simplemedia.ErrVersionConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*simplemedia.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM media_file WHERE id = $1`
	rec, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, r.handlePostgresError("find file", err)
	}
	return rec, nil
}

func (r *Repository) FindByChecksum(ctx context.Context, checksum string) (*simplemedia.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM media_file WHERE checksum = $1 AND status <> 'deleted'`
	rec, err := scanFile(r.db.QueryRow(ctx, query, checksum))
	if err != nil {
		return nil, r.handlePostgresError("find file by checksum", err)
	}
	return rec, nil
}

func (r *Repository) Query(ctx context.Context, filter simplemedia.FileFilter) ([]*simplemedia.FileRecord, error) {
	where, args := buildWhere(filter)
	query := `SELECT ` + fileColumns + ` FROM media_file WHERE ` + where +
		` ORDER BY ` + orderBy(filter.SortBy, filter.SortOrder)

	argIndex := len(args) + 1
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("query files", err)
	}
	defer rows.Close()

	files := make([]*simplemedia.FileRecord, 0)
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan file", err)
		}
		files = append(files, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("query files", err)
	}
	return files, nil
}

func (r *Repository) Count(ctx context.Context, filter simplemedia.FileFilter) (int64, error) {
	where, args := buildWhere(filter)
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM media_file WHERE `+where, args...).Scan(&n); err != nil {
		return 0, r.handlePostgresError("count files", err)
	}
	return n, nil
}

// buildWhere builds the WHERE clause for filter
func buildWhere(filter simplemedia.FileFilter) (string, []interface{}) {
	where := "1=1"
	args := []interface{}{}
	argIndex := 1

	add := func(clause string, arg interface{}) {
		where += fmt.Sprintf(clause, argIndex)
		args = append(args, arg)
		argIndex++
	}

	if filter.AppID != nil {
		add(" AND app_id = $%d", *filter.AppID)
	}
	if filter.UserID != nil {
		add(" AND user_id = $%d", *filter.UserID)
	}
	if filter.Purpose != nil {
		add(" AND purpose = $%d", *filter.Purpose)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add(" AND status = ANY($%d)", statuses)
	} else if !filter.IncludeDeleted {
		where += " AND status <> 'deleted'"
	}
	if len(filter.OptimizationStatuses) > 0 {
		statuses := make([]string, len(filter.OptimizationStatuses))
		for i, s := range filter.OptimizationStatuses {
			statuses[i] = string(s)
		}
		add(" AND optimization_status = ANY($%d)", statuses)
	}
	if filter.CreatedAfter != nil {
		add(" AND created_at > $%d", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		add(" AND created_at < $%d", *filter.CreatedBefore)
	}
	if filter.StatusChangedBefore != nil {
		add(" AND status_changed_at < $%d", *filter.StatusChangedBefore)
	}
	return where, args
}

var sortColumns = map[string]string{
	simplemedia.SortByCreatedAt:       "created_at",
	simplemedia.SortByUpdatedAt:       "updated_at",
	simplemedia.SortByStatusChangedAt: "status_changed_at",
	simplemedia.SortBySize:            "size",
	simplemedia.SortByFileName:        "filename",
}

func orderBy(sortBy, sortOrder string) string {
	column, ok := sortColumns[sortBy]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if strings.EqualFold(sortOrder, "desc") {
		direction = "DESC"
	}
	return column + " " + direction + ", id " + direction
}

func encodeJSON(rec *simplemedia.FileRecord) (params, metadata, exif []byte, err error) {
	if rec.OptimizationParams != nil {
		if params, err = json.Marshal(rec.OptimizationParams); err != nil {
			return nil, nil, nil, fmt.Errorf("encode optimization params: %w", err)
		}
	}
	if metadata, err = marshalMap(rec.Metadata); err != nil {
		return nil, nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	if exif, err = marshalMap(rec.Exif); err != nil {
		return nil, nil, nil, fmt.Errorf("encode exif: %w", err)
	}
	return params, metadata, exif, nil
}

func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func scanFile(row pgx.Row) (*simplemedia.FileRecord, error) {
	var (
		rec                        simplemedia.FileRecord
		status, optimizationStatus string
		params, metadata, exif     []byte
		uploadedAt, deletedAt      *time.Time
	)
	err := row.Scan(
		&rec.ID, &rec.AppID, &rec.UserID, &rec.Purpose, &rec.FileName, &rec.MimeType,
		&rec.Size, &rec.OriginalSize, &rec.Checksum, &rec.StorageKey, &rec.StorageBucket,
		&rec.OptimizedKey, &status, &optimizationStatus, &params, &rec.LastError,
		&metadata, &exif, &uploadedAt, &rec.StatusChangedAt, &deletedAt,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = simplemedia.FileStatus(status)
	rec.OptimizationStatus = simplemedia.OptimizationStatus(optimizationStatus)
	rec.UploadedAt = uploadedAt
	rec.DeletedAt = deletedAt

	if len(params) > 0 {
		var p simplemedia.TransformParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("decode optimization params: %w", err)
		}
		rec.OptimizationParams = &p
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if len(exif) > 0 {
		if err := json.Unmarshal(exif, &rec.Exif); err != nil {
			return nil, fmt.Errorf("decode exif: %w", err)
		}
	}
	return &rec, nil
}
