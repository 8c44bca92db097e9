package publish

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Direction selects which side of the draft/published pair is the source of a
// sync pass.
type Direction int

const (
	// DirectionPublish copies draft rows onto their published counterparts.
	DirectionPublish Direction = iota
	// DirectionRevert copies published rows back onto their drafts,
	// discarding unpublished edits.
	DirectionRevert
)

const (
	// readPageSize bounds a single select so large tables never load in one
	// round-trip and store-side result caps are respected.
	readPageSize = 1000
	// writeBatchSize bounds a single upsert request.
	writeBatchSize = 200
)

func (d Direction) String() string {
	if d == DirectionRevert {
		return "revert"
	}
	return "publish"
}

func (d Direction) sourcePublished() bool {
	return d == DirectionRevert
}

func (d Direction) targetPublished() bool {
	return d == DirectionPublish
}

// syncOptions narrows a sync pass. IDs restricts the candidate set;
// OmitColumns drops columns that must never cross the pair, such as
// draft-only editor state.
type syncOptions struct {
	IDs         []string
	OmitColumns []string
}

// compositeKeyConflict is the upsert clause shared by every publish table:
// insert on absence, otherwise overwrite every non-key column. Repeated
// application is idempotent, which is what makes retry-after-failure safe.
var compositeKeyConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "id"}, {Name: "is_published"}},
	UpdateAll: true,
}

// syncRows copies active source-side rows to the target side of the pair,
// skipping rows whose fingerprint already matches the target copy. It returns
// the number of rows written. A failed batch aborts the call; batches already
// written stay committed and a retry converges because the upsert is
// idempotent.
func syncRows[R any, PR rowOf[R]](ctx context.Context, db *gorm.DB, direction Direction, now time.Time, opts syncOptions) (int, error) {
	query := func(tx *gorm.DB) *gorm.DB {
		scoped := tx.Where("is_published = ? AND deleted_at IS NULL", direction.sourcePublished())
		if len(opts.IDs) > 0 {
			scoped = scoped.Where("id IN ?", opts.IDs)
		}
		return scoped
	}
	return syncFetched[R, PR](ctx, db, direction, now, query, opts.OmitColumns)
}

// syncRowsByParent is the by-foreign-key variant of syncRows: it scopes the
// source rows by a parent-id column instead of the rows' own ids, for callers
// that know which parents changed but not which children.
func syncRowsByParent[R any, PR rowOf[R]](ctx context.Context, db *gorm.DB, direction Direction, now time.Time, parentColumn string, parentIDs []string, omitColumns []string) (int, error) {
	if len(parentIDs) == 0 {
		return 0, nil
	}
	query := func(tx *gorm.DB) *gorm.DB {
		return tx.Where("is_published = ? AND deleted_at IS NULL", direction.sourcePublished()).
			Where(parentColumn+" IN ?", parentIDs)
	}
	return syncFetched[R, PR](ctx, db, direction, now, query, omitColumns)
}

func syncFetched[R any, PR rowOf[R]](ctx context.Context, db *gorm.DB, direction Direction, now time.Time, scope func(*gorm.DB) *gorm.DB, omitColumns []string) (int, error) {
	var table R
	tableName := tableNameOf(PR(&table))

	targetHashes, err := loadHashIndex[R, PR](ctx, db, direction.targetPublished())
	if err != nil {
		return 0, fmt.Errorf("sync %s %s: load target hashes: %w", tableName, direction, err)
	}

	// Changed rows flush page by page so memory stays bounded by the read
	// page size even when every row changed.
	written := 0
	offset := 0
	for {
		var page []R
		err := scope(db.WithContext(ctx)).
			Order("id").
			Limit(readPageSize).
			Offset(offset).
			Find(&page).Error
		if err != nil {
			return written, fmt.Errorf("sync %s %s: fetch source rows: %w", tableName, direction, err)
		}

		var pending []R
		for index := range page {
			row := PR(&page[index])
			digest, err := ensureStoredHash[R, PR](ctx, db, row)
			if err != nil {
				return written, fmt.Errorf("sync %s %s: backfill hash: %w", tableName, direction, err)
			}
			if target, ok := targetHashes[row.RowID()]; ok && target != nil && *target == digest {
				continue
			}
			row.SetPublished(direction.targetPublished())
			row.SetUpdatedAt(now)
			pending = append(pending, page[index])
		}

		if err := upsertRows[R, PR](ctx, db, pending, omitColumns); err != nil {
			return written, fmt.Errorf("sync %s %s: %w", tableName, direction, err)
		}
		written += len(pending)

		if len(page) < readPageSize {
			break
		}
		offset += readPageSize
	}

	return written, nil
}

// ensureStoredHash backfills a missing fingerprint on the source row before
// comparison, persisting it so later passes compare hash-to-hash.
func ensureStoredHash[R any, PR rowOf[R]](ctx context.Context, db *gorm.DB, row PR) (string, error) {
	if existing := row.RowHash(); existing != nil && *existing != "" {
		return *existing, nil
	}
	digest := EnsureHash(row)
	err := db.WithContext(ctx).
		Model(PR(new(R))).
		Where("id = ? AND is_published = ?", row.RowID(), row.RowPublished()).
		Update("content_hash", digest).Error
	if err != nil {
		return "", err
	}
	return digest, nil
}

type hashRecord struct {
	ID          string
	ContentHash *string
}

// loadHashIndex indexes the fingerprints of active target-side rows.
// Tombstoned rows are left out on purpose: a restored source row must not
// hash-match its tombstoned counterpart, the upsert has to run to revive it.
func loadHashIndex[R any, PR rowOf[R]](ctx context.Context, db *gorm.DB, published bool) (map[string]*string, error) {
	var records []hashRecord
	err := db.WithContext(ctx).
		Model(PR(new(R))).
		Where("is_published = ? AND deleted_at IS NULL", published).
		Select("id", "content_hash").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	index := make(map[string]*string, len(records))
	for _, record := range records {
		index[record.ID] = record.ContentHash
	}
	return index, nil
}

// upsertRows writes rows in bounded batches keyed on (id, is_published).
// Earlier batches stay committed when a later batch fails.
func upsertRows[R any, PR rowOf[R]](ctx context.Context, db *gorm.DB, rows []R, omitColumns []string) error {
	for start := 0; start < len(rows); start += writeBatchSize {
		end := start + writeBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		tx := db.WithContext(ctx).Clauses(compositeKeyConflict)
		if len(omitColumns) > 0 {
			tx = tx.Omit(omitColumns...)
		}
		if err := tx.Create(&batch).Error; err != nil {
			return fmt.Errorf("upsert batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

func tableNameOf(row any) string {
	type tabler interface {
		TableName() string
	}
	if named, ok := row.(tabler); ok {
		return named.TableName()
	}
	return fmt.Sprintf("%T", row)
}
