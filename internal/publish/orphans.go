package publish

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// orphanOptions tunes a cleanup pass. PreserveColumn/PreserveValue pin rows
// whose named column equals the value even when their source copy is gone
// (e.g. the default locale). ExcludeColumn/ExcludeValues skip rows another
// in-flight operation still needs. CollectColumns gathers values from doomed
// rows before deletion so external resources (storage keys) are not lost with
// the metadata row.
type orphanOptions struct {
	PreserveColumn string
	PreserveValue  any
	ExcludeColumn  string
	ExcludeValues  []string
	CollectColumns []string
}

// orphanResult reports a cleanup pass: rows deleted, ids pinned by the
// preserve filter, and the collected column values keyed by column name.
type orphanResult struct {
	Deleted      int
	DeletedIDs   []string
	PreservedIDs []string
	Collected    map[string][]string
}

// cleanupOrphans deletes target-side rows that no longer have an active
// source-side counterpart. It only ever touches the target side of the given
// direction and is idempotent: a second pass with no intervening changes
// deletes nothing.
func cleanupOrphans[R any, PR rowOf[R]](ctx context.Context, db *gorm.DB, direction Direction, opts orphanOptions) (orphanResult, error) {
	var table R
	tableName := tableNameOf(PR(&table))
	result := orphanResult{Collected: map[string][]string{}}

	var sourceIDs []string
	err := db.WithContext(ctx).
		Model(PR(new(R))).
		Where("is_published = ? AND deleted_at IS NULL", direction.sourcePublished()).
		Pluck("id", &sourceIDs).Error
	if err != nil {
		return result, fmt.Errorf("cleanup %s %s: load source ids: %w", tableName, direction, err)
	}
	active := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		active[id] = struct{}{}
	}

	var targetIDs []string
	err = db.WithContext(ctx).
		Model(PR(new(R))).
		Where("is_published = ?", direction.targetPublished()).
		Pluck("id", &targetIDs).Error
	if err != nil {
		return result, fmt.Errorf("cleanup %s %s: load target ids: %w", tableName, direction, err)
	}

	var doomed []string
	for _, id := range targetIDs {
		if _, ok := active[id]; !ok {
			doomed = append(doomed, id)
		}
	}
	if len(doomed) == 0 {
		return result, nil
	}

	if opts.PreserveColumn != "" {
		var preserved []string
		err := db.WithContext(ctx).
			Model(PR(new(R))).
			Where("is_published = ? AND id IN ?", direction.targetPublished(), doomed).
			Where(opts.PreserveColumn+" = ?", opts.PreserveValue).
			Pluck("id", &preserved).Error
		if err != nil {
			return result, fmt.Errorf("cleanup %s %s: preserve filter: %w", tableName, direction, err)
		}
		result.PreservedIDs = preserved
		doomed = subtract(doomed, preserved)
	}

	if opts.ExcludeColumn != "" && len(opts.ExcludeValues) > 0 && len(doomed) > 0 {
		var excluded []string
		err := db.WithContext(ctx).
			Model(PR(new(R))).
			Where("is_published = ? AND id IN ?", direction.targetPublished(), doomed).
			Where(opts.ExcludeColumn+" IN ?", opts.ExcludeValues).
			Pluck("id", &excluded).Error
		if err != nil {
			return result, fmt.Errorf("cleanup %s %s: exclusion filter: %w", tableName, direction, err)
		}
		doomed = subtract(doomed, excluded)
	}

	if len(doomed) == 0 {
		return result, nil
	}

	for _, column := range opts.CollectColumns {
		var values []string
		err := db.WithContext(ctx).
			Model(PR(new(R))).
			Where("is_published = ? AND id IN ?", direction.targetPublished(), doomed).
			Where(column + " IS NOT NULL").
			Pluck(column, &values).Error
		if err != nil {
			return result, fmt.Errorf("cleanup %s %s: collect %s: %w", tableName, direction, column, err)
		}
		result.Collected[column] = values
	}

	for start := 0; start < len(doomed); start += writeBatchSize {
		end := start + writeBatchSize
		if end > len(doomed) {
			end = len(doomed)
		}
		batch := doomed[start:end]
		err := db.WithContext(ctx).
			Where("id IN ? AND is_published = ?", batch, direction.targetPublished()).
			Delete(PR(new(R))).Error
		if err != nil {
			return result, fmt.Errorf("cleanup %s %s: delete batch [%d:%d]: %w", tableName, direction, start, end, err)
		}
	}
	result.Deleted = len(doomed)
	result.DeletedIDs = doomed
	return result, nil
}

// cleanupOrphanedChildRows deletes target-side child rows whose parent-id no
// longer belongs to an active source-side parent. Used after a by-parent sync
// to drop descendants of a deleted parent.
func cleanupOrphanedChildRows[R any, PR rowOf[R], P any, PP rowOf[P]](ctx context.Context, db *gorm.DB, direction Direction, parentColumn string) (int, error) {
	var child R
	childTable := tableNameOf(PR(&child))

	var parentIDs []string
	err := db.WithContext(ctx).
		Model(PP(new(P))).
		Where("is_published = ? AND deleted_at IS NULL", direction.sourcePublished()).
		Pluck("id", &parentIDs).Error
	if err != nil {
		return 0, fmt.Errorf("cleanup children of %s %s: load parent ids: %w", childTable, direction, err)
	}
	parents := make(map[string]struct{}, len(parentIDs))
	for _, id := range parentIDs {
		parents[id] = struct{}{}
	}

	var childParents []string
	err = db.WithContext(ctx).
		Model(PR(new(R))).
		Where("is_published = ?", direction.targetPublished()).
		Distinct().
		Pluck(parentColumn, &childParents).Error
	if err != nil {
		return 0, fmt.Errorf("cleanup children of %s %s: load child parent ids: %w", childTable, direction, err)
	}

	var stale []string
	for _, id := range childParents {
		if id == "" {
			continue
		}
		if _, ok := parents[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var count int64
	err = db.WithContext(ctx).
		Model(PR(new(R))).
		Where("is_published = ?", direction.targetPublished()).
		Where(parentColumn+" IN ?", stale).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("cleanup children of %s %s: count stale rows: %w", childTable, direction, err)
	}

	err = db.WithContext(ctx).
		Where("is_published = ?", direction.targetPublished()).
		Where(parentColumn+" IN ?", stale).
		Delete(PR(new(R))).Error
	if err != nil {
		return 0, fmt.Errorf("cleanup children of %s %s: delete stale rows: %w", childTable, direction, err)
	}
	return int(count), nil
}

func subtract(ids []string, removed []string) []string {
	if len(removed) == 0 {
		return ids
	}
	drop := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		drop[id] = struct{}{}
	}
	kept := ids[:0]
	for _, id := range ids {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	return kept
}
