package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coachdesk/filevault/internal/common"
	"github.com/coachdesk/filevault/internal/dbx"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) (*PostgresRepository, error) {
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) CreateObject(ctx context.Context, obj *StoredObject) (int64, error) {
	query :=
		`INSERT INTO stored_objects
		   (tenant_id, owner_id, opaque_name, category, size, hash, encrypted,
		    storage_key, local_path, remote_key, remote_url, cdn_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		obj.TenantID, obj.OwnerID, obj.OpaqueName, string(obj.Category),
		obj.Size, obj.Hash, obj.Encrypted,
		obj.Key, obj.LocalPath, obj.RemoteKey, obj.RemoteURL, obj.CDNURL,
		obj.CreatedAt,
	).Scan(&obj.ID)
	if err != nil {
		return 0, fmt.Errorf("error performing sql request: %w", err)
	}
	return obj.ID, nil
}

const objectColumns = `id, tenant_id, owner_id, opaque_name, category, size, hash, encrypted,
	storage_key, local_path, remote_key, remote_url, cdn_url, created_at, deleted_at`

func scanObject(row *sql.Row) (*StoredObject, error) {
	obj := &StoredObject{}
	var category string
	var deletedAt sql.NullTime

	err := row.Scan(&obj.ID, &obj.TenantID, &obj.OwnerID, &obj.OpaqueName, &category,
		&obj.Size, &obj.Hash, &obj.Encrypted,
		&obj.Key, &obj.LocalPath, &obj.RemoteKey, &obj.RemoteURL, &obj.CDNURL,
		&obj.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	obj.Category = common.Category(category)
	if deletedAt.Valid {
		t := deletedAt.Time
		obj.DeletedAt = &t
	}
	return obj, nil
}

func (r *PostgresRepository) GetObject(ctx context.Context, id int64) (*StoredObject, error) {
	query := `SELECT ` + objectColumns + ` FROM stored_objects WHERE id = $1`
	return scanObject(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepository) UpdateObjectCurrent(ctx context.Context, obj *StoredObject) error {
	query :=
		`UPDATE stored_objects
		    SET size = $2, hash = $3, encrypted = $4,
		        storage_key = $5, local_path = $6, remote_key = $7,
		        remote_url = $8, cdn_url = $9
		  WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, obj.ID,
		obj.Size, obj.Hash, obj.Encrypted,
		obj.Key, obj.LocalPath, obj.RemoteKey, obj.RemoteURL, obj.CDNURL)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkObjectDeleted(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE stored_objects SET deleted_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertEvent(ctx context.Context, ev *AuditEvent) error {
	query :=
		`INSERT INTO audit_events
		   (action, actor_id, tenant_id, opaque_name, remote_addr, user_agent,
		    mime, category, size, hash, verdict, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		string(ev.Action), ev.ActorID, ev.TenantID, ev.OpaqueName,
		ev.RemoteAddr, ev.UserAgent,
		ev.MIME, string(ev.Category), ev.Size, ev.Hash, ev.Verdict, ev.Detail,
		ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) EventsByOpaqueName(ctx context.Context, opaqueName string) ([]*AuditEvent, error) {
	query :=
		`SELECT id, action, actor_id, tenant_id, opaque_name, remote_addr, user_agent,
		        mime, category, size, hash, verdict, detail, created_at
		   FROM audit_events
		  WHERE opaque_name = $1
		  ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, opaqueName)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		ev := &AuditEvent{}
		var action, category string
		if err := rows.Scan(&ev.ID, &action, &ev.ActorID, &ev.TenantID, &ev.OpaqueName,
			&ev.RemoteAddr, &ev.UserAgent,
			&ev.MIME, &category, &ev.Size, &ev.Hash, &ev.Verdict, &ev.Detail,
			&ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		ev.Action = Action(action)
		ev.Category = common.Category(category)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertVersion locks the object row, computes the next contiguous version
// number, and inserts — all in one transaction, so concurrent updates from
// other processes cannot both claim the same number.
func (r *PostgresRepository) InsertVersion(ctx context.Context, v *FileVersion) (int, error) {
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var objID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM stored_objects WHERE id = $1 FOR UPDATE`, v.ObjectID,
		).Scan(&objID); err != nil {
			return fmt.Errorf("lock object row: %w", err)
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM file_versions WHERE object_id = $1`,
			v.ObjectID,
		).Scan(&v.Version); err != nil {
			return fmt.Errorf("next version: %w", err)
		}

		query :=
			`INSERT INTO file_versions
			   (object_id, version, opaque_name, storage_key, local_path, remote_key,
			    encrypted, size, hash, created_by, comment, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING id`
		return tx.QueryRowContext(ctx, query,
			v.ObjectID, v.Version, v.OpaqueName, v.Key, v.LocalPath, v.RemoteKey,
			v.Encrypted, v.Size, v.Hash, v.CreatedBy, v.Comment, v.CreatedAt,
		).Scan(&v.ID)
	})

	if err != nil {
		return 0, fmt.Errorf("error performing sql request: %w", err)
	}
	return v.Version, nil
}

const versionColumns = `id, object_id, version, opaque_name, storage_key, local_path,
	remote_key, encrypted, size, hash, created_by, comment, created_at`

func scanVersion(scan func(dest ...any) error) (*FileVersion, error) {
	v := &FileVersion{}
	err := scan(&v.ID, &v.ObjectID, &v.Version, &v.OpaqueName, &v.Key, &v.LocalPath,
		&v.RemoteKey, &v.Encrypted, &v.Size, &v.Hash, &v.CreatedBy, &v.Comment,
		&v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *PostgresRepository) VersionsByObject(ctx context.Context, objectID int64) ([]*FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE object_id = $1 ORDER BY version DESC`

	rows, err := r.db.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	var versions []*FileVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (r *PostgresRepository) OldestVersion(ctx context.Context, objectID int64) (*FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE object_id = $1 ORDER BY version ASC LIMIT 1`

	v, err := scanVersion(r.db.QueryRowContext(ctx, query, objectID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) DeleteVersion(ctx context.Context, versionID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM file_versions WHERE id = $1`, versionID)
	if err != nil {
		return fmt.Errorf("error performing sql request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CountVersions(ctx context.Context, objectID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_versions WHERE object_id = $1`, objectID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error performing sql request: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) Stats(ctx context.Context, ownerID, tenantID string) (*UsageStats, error) {
	stats := &UsageStats{ByCategory: map[common.Category]int64{}}

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0)
		   FROM stored_objects
		  WHERE owner_id = $1 AND tenant_id = $2 AND deleted_at IS NULL`,
		ownerID, tenantID,
	).Scan(&stats.Count, &stats.TotalBytes)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT category, COUNT(*)
		   FROM stored_objects
		  WHERE owner_id = $1 AND tenant_id = $2 AND deleted_at IS NULL
		  GROUP BY category`,
		ownerID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var category string
		var count int64
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		stats.ByCategory[common.Category(category)] = count
	}
	return stats, rows.Err()
}

func (r *PostgresRepository) PurgeEvents(ctx context.Context, before time.Time, actions []Action) (int64, error) {
	if len(actions) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(actions))
	args := []any{before}
	for i, a := range actions {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, string(a))
	}

	query := fmt.Sprintf(
		`DELETE FROM audit_events WHERE created_at < $1 AND action IN (%s)`,
		strings.Join(placeholders, ", "))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("error performing sql request: %w", err)
	}
	return res.RowsAffected()
}
