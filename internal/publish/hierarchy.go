package publish

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// publishHierarchy publishes tree-shaped entities in dependency order:
// ancestors strictly before descendants within one invocation. Soft-deleted
// drafts propagate their tombstone to the published counterpart; a child
// whose parent is not published yet (neither previously nor earlier in this
// batch) is skipped with a warning and picked up by a later pass. Returns the
// number of rows written.
func publishHierarchy[R any, PR treeRowOf[R]](ctx context.Context, db *gorm.DB, logger *zap.Logger, now time.Time, ids []string) (int, error) {
	var table R
	tableName := tableNameOf(PR(&table))

	query := db.WithContext(ctx).Where("is_published = ?", false)
	if len(ids) > 0 {
		query = query.Where("id IN ?", ids)
	}
	var drafts []R
	if err := query.Find(&drafts).Error; err != nil {
		return 0, fmt.Errorf("publish hierarchy %s: load drafts: %w", tableName, err)
	}

	var tombstoned []string
	activeIndexes := make([]int, 0, len(drafts))
	for index := range drafts {
		row := PR(&drafts[index])
		if row.RowDeletedAt() != nil {
			tombstoned = append(tombstoned, row.RowID())
			continue
		}
		activeIndexes = append(activeIndexes, index)
	}

	if len(tombstoned) > 0 {
		err := db.WithContext(ctx).
			Model(PR(new(R))).
			Where("id IN ? AND is_published = ? AND deleted_at IS NULL", tombstoned, true).
			Updates(map[string]any{"deleted_at": now, "updated_at": now}).Error
		if err != nil {
			return 0, fmt.Errorf("publish hierarchy %s: tombstone published counterparts: %w", tableName, err)
		}
	}

	publishedHashes, err := loadHashIndex[R, PR](ctx, db, true)
	if err != nil {
		return 0, fmt.Errorf("publish hierarchy %s: load published hashes: %w", tableName, err)
	}
	var publishedActive []string
	err = db.WithContext(ctx).
		Model(PR(new(R))).
		Where("is_published = ? AND deleted_at IS NULL", true).
		Pluck("id", &publishedActive).Error
	if err != nil {
		return 0, fmt.Errorf("publish hierarchy %s: load published ids: %w", tableName, err)
	}
	publishedSet := make(map[string]struct{}, len(publishedActive))
	for _, id := range publishedActive {
		publishedSet[id] = struct{}{}
	}

	// Roots first; siblings keep a stable order so repeated passes behave
	// identically.
	sort.SliceStable(activeIndexes, func(i, j int) bool {
		left := PR(&drafts[activeIndexes[i]])
		right := PR(&drafts[activeIndexes[j]])
		if left.RowDepth() != right.RowDepth() {
			return left.RowDepth() < right.RowDepth()
		}
		return left.RowID() < right.RowID()
	})

	var pending []R
	for _, index := range activeIndexes {
		row := PR(&drafts[index])
		digest, err := ensureStoredHash[R, PR](ctx, db, row)
		if err != nil {
			return 0, fmt.Errorf("publish hierarchy %s: backfill hash: %w", tableName, err)
		}

		if parentID := row.RowParentID(); parentID != nil {
			if _, ok := publishedSet[*parentID]; !ok {
				logger.Warn("skipping row with unpublished parent",
					zap.String("table", tableName),
					zap.String("id", row.RowID()),
					zap.String("parent_id", *parentID))
				continue
			}
		}
		// The row counts as published for descendants later in this batch
		// even when its content is unchanged.
		publishedSet[row.RowID()] = struct{}{}

		if target, ok := publishedHashes[row.RowID()]; ok && target != nil && *target == digest {
			continue
		}
		row.SetPublished(true)
		row.SetUpdatedAt(now)
		pending = append(pending, drafts[index])
	}

	if err := upsertRows[R, PR](ctx, db, pending, nil); err != nil {
		return 0, fmt.Errorf("publish hierarchy %s: %w", tableName, err)
	}
	return len(pending), nil
}

// ancestorIDs walks draft parent references upward from the given rows and
// returns every ancestor id encountered, so a partial publish can include the
// folders a page depends on.
func ancestorIDs[R any, PR treeRowOf[R]](ctx context.Context, db *gorm.DB, startParents []string) ([]string, error) {
	seen := make(map[string]struct{})
	frontier := startParents
	var ancestors []string

	for len(frontier) > 0 {
		next := frontier[:0:0]
		pending := make([]string, 0, len(frontier))
		for _, id := range frontier {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			pending = append(pending, id)
		}
		if len(pending) == 0 {
			break
		}
		ancestors = append(ancestors, pending...)

		var rows []R
		err := db.WithContext(ctx).
			Where("id IN ? AND is_published = ?", pending, false).
			Find(&rows).Error
		if err != nil {
			return nil, err
		}
		for index := range rows {
			row := PR(&rows[index])
			if parentID := row.RowParentID(); parentID != nil {
				next = append(next, *parentID)
			}
		}
		frontier = next
	}
	return ancestors, nil
}
