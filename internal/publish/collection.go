package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CollectionPublishRequest targets one collection and, optionally, an
// explicit subset of its items.
type CollectionPublishRequest struct {
	CollectionID string
	ItemIDs      []string
}

// CollectionPublishResult reports per-level counts for one collection
// publish pass.
type CollectionPublishResult struct {
	CollectionID      string
	Purged            bool
	CollectionChanged bool
	Fields            int
	Items             int
	Values            int
}

// PublishCollection moves one collection's draft state to the published side:
// collection metadata, field definitions, items and their values, each level
// written only where it differs, followed by the cascading hard delete of
// soft-deleted items and fields. A soft-deleted draft collection short-
// circuits into a purge of both sides.
func (s *Service) PublishCollection(ctx context.Context, request CollectionPublishRequest) (CollectionPublishResult, error) {
	result := CollectionPublishResult{CollectionID: request.CollectionID}
	now := s.clock().UTC()

	var draft Collection
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_published = ?", request.CollectionID, false).
		Take(&draft).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return result, newServiceError(opPublishCollection, "collection_not_found", fmt.Errorf("collection %s has no draft row", request.CollectionID))
	}
	if err != nil {
		return result, newServiceError(opPublishCollection, "collection_load_failed", err)
	}

	if draft.DeletedAt != nil {
		if err := s.purgeCollection(ctx, request.CollectionID); err != nil {
			return result, newServiceError(opPublishCollection, "collection_purge_failed", err)
		}
		result.Purged = true
		return result, nil
	}

	changed, err := s.publishCollectionMetadata(ctx, &draft, now)
	if err != nil {
		return result, newServiceError(opPublishCollection, "collection_metadata_failed", err)
	}
	result.CollectionChanged = changed

	fieldsWritten, err := s.publishCollectionFields(ctx, request.CollectionID, now)
	if err != nil {
		return result, newServiceError(opPublishCollection, "fields_publish_failed", err)
	}
	result.Fields = fieldsWritten

	itemsWritten, valuesWritten, err := s.publishCollectionItems(ctx, request, now)
	if err != nil {
		return result, newServiceError(opPublishCollection, "items_publish_failed", err)
	}
	result.Items = itemsWritten
	result.Values = valuesWritten

	if err := s.cascadeCollectionDeletes(ctx, request.CollectionID); err != nil {
		return result, newServiceError(opPublishCollection, "cascade_delete_failed", err)
	}
	return result, nil
}

// purgeCollection removes a deleted collection and its entire subtree on both
// sides of the pair. A deleted collection is never published, it is purged.
func (s *Service) purgeCollection(ctx context.Context, collectionID string) error {
	var itemIDs []string
	err := s.db.WithContext(ctx).
		Model(&CollectionItem{}).
		Where("collection_id = ?", collectionID).
		Distinct().
		Pluck("id", &itemIDs).Error
	if err != nil {
		return fmt.Errorf("load item ids: %w", err)
	}

	if len(itemIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("item_id IN ?", itemIDs).Delete(&CollectionItemValue{}).Error; err != nil {
			return fmt.Errorf("delete values: %w", err)
		}
	}
	if err := s.db.WithContext(ctx).Where("collection_id = ?", collectionID).Delete(&CollectionItem{}).Error; err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("collection_id = ?", collectionID).Delete(&CollectionField{}).Error; err != nil {
		return fmt.Errorf("delete fields: %w", err)
	}
	if err := s.db.WithContext(ctx).Where("id = ?", collectionID).Delete(&Collection{}).Error; err != nil {
		return fmt.Errorf("delete collection rows: %w", err)
	}
	return nil
}

func (s *Service) publishCollectionMetadata(ctx context.Context, draft *Collection, now time.Time) (bool, error) {
	var published Collection
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_published = ?", draft.ID, true).
		Take(&published).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("load published collection: %w", err)
	}

	if exists && !collectionDiffers(draft, &published) {
		return false, nil
	}

	copyRow := *draft
	EnsureHash(&copyRow)
	copyRow.IsPublished = true
	copyRow.UpdatedAt = now
	if err := upsertRows[Collection](ctx, s.db, []Collection{copyRow}, nil); err != nil {
		return false, err
	}
	return true, nil
}

// collectionDiffers reports whether the comparable collection attributes
// changed: name, sort configuration, or order.
func collectionDiffers(draft, published *Collection) bool {
	return draft.Name != published.Name ||
		!equalStringPtr(draft.SortField, published.SortField) ||
		!equalStringPtr(draft.SortOrder, published.SortOrder) ||
		draft.Order != published.Order
}

func (s *Service) publishCollectionFields(ctx context.Context, collectionID string, now time.Time) (int, error) {
	var drafts []CollectionField
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND is_published = ? AND deleted_at IS NULL", collectionID, false).
		Find(&drafts).Error
	if err != nil {
		return 0, fmt.Errorf("load draft fields: %w", err)
	}

	var published []CollectionField
	err = s.db.WithContext(ctx).
		Where("collection_id = ? AND is_published = ?", collectionID, true).
		Find(&published).Error
	if err != nil {
		return 0, fmt.Errorf("load published fields: %w", err)
	}
	publishedByID := make(map[string]*CollectionField, len(published))
	for index := range published {
		publishedByID[published[index].ID] = &published[index]
	}

	// Fields are few and flat, so a shallow attribute diff beats hashing.
	var pending []CollectionField
	for _, draft := range drafts {
		counterpart, exists := publishedByID[draft.ID]
		if exists && !fieldDiffers(&draft, counterpart) {
			continue
		}
		copyRow := draft
		EnsureHash(&copyRow)
		copyRow.IsPublished = true
		copyRow.UpdatedAt = now
		pending = append(pending, copyRow)
	}

	if err := upsertRows[CollectionField](ctx, s.db, pending, nil); err != nil {
		return 0, err
	}
	return len(pending), nil
}

func fieldDiffers(draft, published *CollectionField) bool {
	return draft.Name != published.Name ||
		draft.Type != published.Type ||
		draft.Required != published.Required ||
		draft.Order != published.Order
}

func (s *Service) publishCollectionItems(ctx context.Context, request CollectionPublishRequest, now time.Time) (int, int, error) {
	query := s.db.WithContext(ctx).
		Where("collection_id = ? AND is_published = ? AND deleted_at IS NULL", request.CollectionID, false)
	if len(request.ItemIDs) > 0 {
		query = query.Where("id IN ?", request.ItemIDs)
	}
	var drafts []CollectionItem
	if err := query.Find(&drafts).Error; err != nil {
		return 0, 0, fmt.Errorf("load draft items: %w", err)
	}

	var published []CollectionItem
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND is_published = ?", request.CollectionID, true).
		Find(&published).Error
	if err != nil {
		return 0, 0, fmt.Errorf("load published items: %w", err)
	}
	publishedByID := make(map[string]*CollectionItem, len(published))
	for index := range published {
		publishedByID[published[index].ID] = &published[index]
	}

	draftValues, err := s.loadValueIndex(ctx, request.CollectionID, false)
	if err != nil {
		return 0, 0, fmt.Errorf("load draft values: %w", err)
	}
	publishedValues, err := s.loadValueIndex(ctx, request.CollectionID, true)
	if err != nil {
		return 0, 0, fmt.Errorf("load published values: %w", err)
	}

	// Items flagged not publishable lose their published copy outright; an
	// item can be unpublished without being deleted from the draft.
	var unpublishIDs []string
	var target []CollectionItem
	for _, draft := range drafts {
		if !draft.IsPublishable {
			if _, exists := publishedByID[draft.ID]; exists {
				unpublishIDs = append(unpublishIDs, draft.ID)
			}
			continue
		}
		if len(request.ItemIDs) == 0 && !s.itemNeedsPublishing(&draft, publishedByID[draft.ID], draftValues[draft.ID], publishedValues[draft.ID]) {
			continue
		}
		target = append(target, draft)
	}

	if len(unpublishIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("item_id IN ? AND is_published = ?", unpublishIDs, true).Delete(&CollectionItemValue{}).Error; err != nil {
			return 0, 0, fmt.Errorf("delete unpublished item values: %w", err)
		}
		if err := s.db.WithContext(ctx).Where("id IN ? AND is_published = ?", unpublishIDs, true).Delete(&CollectionItem{}).Error; err != nil {
			return 0, 0, fmt.Errorf("delete unpublished items: %w", err)
		}
	}

	var pendingItems []CollectionItem
	var pendingValues []CollectionItemValue
	var staleValueIDs []string
	for _, draft := range target {
		counterpart := publishedByID[draft.ID]
		if counterpart == nil || itemDiffers(&draft, counterpart) {
			copyRow := draft
			EnsureHash(&copyRow)
			copyRow.IsPublished = true
			copyRow.UpdatedAt = now
			pendingItems = append(pendingItems, copyRow)
		}

		// Metadata-unchanged items may still carry value-only changes, so
		// every item in the target set gets a value diff.
		draftCells := draftValues[draft.ID]
		publishedCells := publishedValues[draft.ID]
		for fieldID, cell := range draftCells {
			counterpartCell, exists := publishedCells[fieldID]
			if exists && equalStringPtr(cell.Value, counterpartCell.Value) {
				continue
			}
			copyCell := *cell
			EnsureHash(&copyCell)
			copyCell.IsPublished = true
			copyCell.UpdatedAt = now
			pendingValues = append(pendingValues, copyCell)
		}
		for fieldID, counterpartCell := range publishedCells {
			if _, exists := draftCells[fieldID]; !exists {
				staleValueIDs = append(staleValueIDs, counterpartCell.ID)
			}
		}
	}

	if err := upsertRows[CollectionItem](ctx, s.db, pendingItems, nil); err != nil {
		return 0, 0, err
	}
	if err := upsertRows[CollectionItemValue](ctx, s.db, pendingValues, nil); err != nil {
		return 0, 0, err
	}
	if len(staleValueIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("id IN ? AND is_published = ?", staleValueIDs, true).Delete(&CollectionItemValue{}).Error; err != nil {
			return 0, 0, fmt.Errorf("delete stale values: %w", err)
		}
	}
	return len(pendingItems), len(pendingValues), nil
}

// itemDiffers reports the item-level "changed" definition: manual order or
// publishability differs.
func itemDiffers(draft, published *CollectionItem) bool {
	return draft.ManualOrder != published.ManualOrder ||
		draft.IsPublishable != published.IsPublishable ||
		draft.Slug != published.Slug
}

func (s *Service) itemNeedsPublishing(draft *CollectionItem, published *CollectionItem, draftCells, publishedCells map[string]*CollectionItemValue) bool {
	if published == nil {
		return true
	}
	if itemDiffers(draft, published) {
		return true
	}
	if len(draftCells) != len(publishedCells) {
		return true
	}
	for fieldID, cell := range draftCells {
		counterpart, exists := publishedCells[fieldID]
		if !exists || !equalStringPtr(cell.Value, counterpart.Value) {
			return true
		}
	}
	return false
}

// loadValueIndex returns item_id -> field_id -> value row for one side of the
// pair, restricted to cells whose draft is still active on the draft side.
func (s *Service) loadValueIndex(ctx context.Context, collectionID string, published bool) (map[string]map[string]*CollectionItemValue, error) {
	var itemIDs []string
	err := s.db.WithContext(ctx).
		Model(&CollectionItem{}).
		Where("collection_id = ?", collectionID).
		Distinct().
		Pluck("id", &itemIDs).Error
	if err != nil {
		return nil, err
	}
	index := make(map[string]map[string]*CollectionItemValue)
	if len(itemIDs) == 0 {
		return index, nil
	}

	query := s.db.WithContext(ctx).
		Where("item_id IN ? AND is_published = ?", itemIDs, published)
	if !published {
		query = query.Where("deleted_at IS NULL")
	}
	var cells []CollectionItemValue
	if err := query.Find(&cells).Error; err != nil {
		return nil, err
	}
	for position := range cells {
		cell := &cells[position]
		byField, ok := index[cell.ItemID]
		if !ok {
			byField = make(map[string]*CollectionItemValue)
			index[cell.ItemID] = byField
		}
		byField[cell.FieldID] = cell
	}
	return index, nil
}

// cascadeCollectionDeletes hard-deletes soft-deleted draft items and fields
// together with their published counterparts and dependent value rows. This
// is the step that finally removes tombstoned EAV rows instead of leaving
// them soft-deleted forever.
func (s *Service) cascadeCollectionDeletes(ctx context.Context, collectionID string) error {
	var deletedItemIDs []string
	err := s.db.WithContext(ctx).
		Model(&CollectionItem{}).
		Where("collection_id = ? AND is_published = ? AND deleted_at IS NOT NULL", collectionID, false).
		Pluck("id", &deletedItemIDs).Error
	if err != nil {
		return fmt.Errorf("load deleted item ids: %w", err)
	}
	if len(deletedItemIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("item_id IN ?", deletedItemIDs).Delete(&CollectionItemValue{}).Error; err != nil {
			return fmt.Errorf("delete values of deleted items: %w", err)
		}
		if err := s.db.WithContext(ctx).Where("id IN ?", deletedItemIDs).Delete(&CollectionItem{}).Error; err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
	}

	var deletedFieldIDs []string
	err = s.db.WithContext(ctx).
		Model(&CollectionField{}).
		Where("collection_id = ? AND is_published = ? AND deleted_at IS NOT NULL", collectionID, false).
		Pluck("id", &deletedFieldIDs).Error
	if err != nil {
		return fmt.Errorf("load deleted field ids: %w", err)
	}
	if len(deletedFieldIDs) > 0 {
		if err := s.db.WithContext(ctx).Where("field_id IN ?", deletedFieldIDs).Delete(&CollectionItemValue{}).Error; err != nil {
			return fmt.Errorf("delete values of deleted fields: %w", err)
		}
		if err := s.db.WithContext(ctx).Where("id IN ?", deletedFieldIDs).Delete(&CollectionField{}).Error; err != nil {
			return fmt.Errorf("delete fields: %w", err)
		}
	}
	return nil
}

func equalStringPtr(left, right *string) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}
