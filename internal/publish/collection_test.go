package publish

import (
	"context"
	"errors"
	"testing"
)

func seedBlogCollection(t *testing.T, svc *Service) {
	t.Helper()
	db := svc.db
	mustCreate(t, db, &Collection{RowMeta: draftMeta("blog"), Name: "Blog"})
	mustCreate(t, db, &CollectionField{RowMeta: draftMeta("f-title"), CollectionID: "blog", Name: "Title", Type: "text", Required: true, Order: 1})
	mustCreate(t, db, &CollectionField{RowMeta: draftMeta("f-body"), CollectionID: "blog", Name: "Body", Type: "richtext", Order: 2})
	mustCreate(t, db, &CollectionItem{RowMeta: draftMeta("i1"), CollectionID: "blog", Slug: "first-post", ManualOrder: 1})
	mustCreate(t, db, &CollectionItemValue{RowMeta: draftMeta("v1"), ItemID: "i1", FieldID: "f-title", Value: strPtr("First Post")})
	mustCreate(t, db, &CollectionItemValue{RowMeta: draftMeta("v2"), ItemID: "i1", FieldID: "f-body", Value: strPtr("Hello world")})
}

func TestPublishCollectionFirstPass(t *testing.T) {
	service, db := newTestService(t)
	seedBlogCollection(t, service)

	result, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.CollectionChanged {
		t.Fatalf("expected collection metadata written on first pass")
	}
	if result.Fields != 2 || result.Items != 1 || result.Values != 2 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if rows := countRows(t, db, &CollectionItemValue{}, "is_published = ?", true); rows != 2 {
		t.Fatalf("expected 2 published values, got %d", rows)
	}
}

func TestPublishCollectionSecondPassIsIdempotent(t *testing.T) {
	service, _ := newTestService(t)
	seedBlogCollection(t, service)

	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	result, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"})
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if result.CollectionChanged || result.Fields != 0 || result.Items != 0 || result.Values != 0 {
		t.Fatalf("expected no writes on unchanged collection, got %+v", result)
	}
}

func TestPublishCollectionValueOnlyChange(t *testing.T) {
	service, db := newTestService(t)
	seedBlogCollection(t, service)
	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	err := db.Model(&CollectionItemValue{}).
		Where("id = ? AND is_published = ?", "v1", false).
		Update("field_value", "Updated Post").Error
	if err != nil {
		t.Fatalf("draft value update failed: %v", err)
	}

	result, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"})
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if result.Items != 0 {
		t.Fatalf("metadata-unchanged item must not be rewritten, wrote %d", result.Items)
	}
	if result.Values != 1 {
		t.Fatalf("expected exactly the changed value rewritten, wrote %d", result.Values)
	}
	published := publishedCopy[CollectionItemValue](t, db, "v1")
	if published.Value == nil || *published.Value != "Updated Post" {
		t.Fatalf("unexpected published value: %v", published.Value)
	}
}

func TestPublishCollectionNilAndEmptyValuesAreDistinct(t *testing.T) {
	service, _ := newTestService(t)
	db := service.db
	mustCreate(t, db, &Collection{RowMeta: draftMeta("c"), Name: "C"})
	mustCreate(t, db, &CollectionField{RowMeta: draftMeta("f"), CollectionID: "c", Name: "F", Type: "text"})
	mustCreate(t, db, &CollectionItem{RowMeta: draftMeta("i"), CollectionID: "c", Slug: "i"})
	mustCreate(t, db, &CollectionItemValue{RowMeta: draftMeta("v"), ItemID: "i", FieldID: "f", Value: nil})
	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "c"}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	err := db.Model(&CollectionItemValue{}).
		Where("id = ? AND is_published = ?", "v", false).
		Update("field_value", "").Error
	if err != nil {
		t.Fatalf("draft value update failed: %v", err)
	}

	result, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "c"})
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if result.Values != 1 {
		t.Fatalf("expected nil-to-empty transition detected as a change, wrote %d", result.Values)
	}
}

func TestPublishCollectionUnpublishableItemIsRemoved(t *testing.T) {
	service, db := newTestService(t)
	seedBlogCollection(t, service)
	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	err := db.Model(&CollectionItem{}).
		Where("id = ? AND is_published = ?", "i1", false).
		Update("is_publishable", false).Error
	if err != nil {
		t.Fatalf("draft item update failed: %v", err)
	}

	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if rows := countRows(t, db, &CollectionItem{}, "id = ? AND is_published = ?", "i1", true); rows != 0 {
		t.Fatalf("expected unpublishable item removed from the published side")
	}
	if rows := countRows(t, db, &CollectionItem{}, "id = ? AND is_published = ?", "i1", false); rows != 1 {
		t.Fatalf("expected draft item to survive unpublishing")
	}
	if rows := countRows(t, db, &CollectionItemValue{}, "item_id = ? AND is_published = ?", "i1", true); rows != 0 {
		t.Fatalf("expected published values of unpublished item removed")
	}
}

func TestPublishCollectionSoftDeletedItemCascade(t *testing.T) {
	service, db := newTestService(t)
	seedBlogCollection(t, service)
	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	err := db.Model(&CollectionItem{}).
		Where("id = ? AND is_published = ?", "i1", false).
		Update("deleted_at", testClockValue).Error
	if err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if rows := countRows(t, db, &CollectionItem{}, "id = ?", "i1"); rows != 0 {
		t.Fatalf("expected both item rows purged")
	}
	if rows := countRows(t, db, &CollectionItemValue{}, "item_id = ?", "i1"); rows != 0 {
		t.Fatalf("expected all item values purged")
	}
}

func TestPublishCollectionSoftDeletedFieldCascade(t *testing.T) {
	service, db := newTestService(t)
	seedBlogCollection(t, service)
	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	err := db.Model(&CollectionField{}).
		Where("id = ? AND is_published = ?", "f-body", false).
		Update("deleted_at", testClockValue).Error
	if err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if rows := countRows(t, db, &CollectionField{}, "id = ?", "f-body"); rows != 0 {
		t.Fatalf("expected both field rows purged")
	}
	if rows := countRows(t, db, &CollectionItemValue{}, "field_id = ?", "f-body"); rows != 0 {
		t.Fatalf("expected dependent values purged on both sides")
	}
	if rows := countRows(t, db, &CollectionField{}, "id = ?", "f-title"); rows != 2 {
		t.Fatalf("expected surviving field untouched on both sides")
	}
}

func TestPublishCollectionDeletedCollectionIsPurged(t *testing.T) {
	service, db := newTestService(t)
	seedBlogCollection(t, service)
	if _, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"}); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}

	err := db.Model(&Collection{}).
		Where("id = ? AND is_published = ?", "blog", false).
		Update("deleted_at", testClockValue).Error
	if err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}

	result, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog"})
	if err != nil {
		t.Fatalf("purge pass failed: %v", err)
	}
	if !result.Purged {
		t.Fatalf("expected purge result")
	}
	for _, model := range []any{&Collection{}, &CollectionField{}, &CollectionItem{}, &CollectionItemValue{}} {
		if rows := countRows(t, db, model, "1 = 1"); rows != 0 {
			t.Fatalf("expected %T rows purged", model)
		}
	}
}

func TestPublishCollectionExplicitItemScope(t *testing.T) {
	service, db := newTestService(t)
	seedBlogCollection(t, service)
	mustCreate(t, db, &CollectionItem{RowMeta: draftMeta("i2"), CollectionID: "blog", Slug: "second-post", ManualOrder: 2})

	result, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "blog", ItemIDs: []string{"i2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Items != 1 {
		t.Fatalf("expected only the scoped item written, wrote %d", result.Items)
	}
	if rows := countRows(t, db, &CollectionItem{}, "id = ? AND is_published = ?", "i1", true); rows != 0 {
		t.Fatalf("expected out-of-scope item untouched")
	}
}

func TestPublishCollectionMissingDraftFails(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.PublishCollection(context.Background(), CollectionPublishRequest{CollectionID: "ghost"})
	if err == nil {
		t.Fatalf("expected not-found error")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "publish.collection.collection_not_found" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}
