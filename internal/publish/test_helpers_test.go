package publish

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testClockValue = time.Unix(1750000000, 0).UTC()

type staticIDGenerator struct {
	prefix string
	next   int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type recordingRemover struct {
	removed [][]string
	fail    bool
}

func (r *recordingRemover) Remove(_ context.Context, keys []string) error {
	if r.fail {
		return errors.New("remover failed")
	}
	r.removed = append(r.removed, keys)
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:mosaic_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return testClockValue },
		IDProvider: &staticIDGenerator{prefix: "session"},
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, db
}

func mustCreate(t *testing.T, db *gorm.DB, row any) {
	t.Helper()
	if err := db.Create(row).Error; err != nil {
		t.Fatalf("failed to seed row %#v: %v", row, err)
	}
}

func strPtr(value string) *string {
	return &value
}

func timePtr(value time.Time) *time.Time {
	return &value
}

func draftMeta(id string) RowMeta {
	return RowMeta{
		ID:          id,
		IsPublished: false,
		CreatedAt:   testClockValue.Add(-time.Hour),
		UpdatedAt:   testClockValue.Add(-time.Hour),
	}
}

func deletedDraftMeta(id string) RowMeta {
	meta := draftMeta(id)
	meta.DeletedAt = timePtr(testClockValue.Add(-time.Minute))
	return meta
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Where(query, args...).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func publishedCopy[R any](t *testing.T, db *gorm.DB, id string) R {
	t.Helper()
	var row R
	if err := db.Where("id = ? AND is_published = ?", id, true).Take(&row).Error; err != nil {
		t.Fatalf("expected published row %s: %v", id, err)
	}
	return row
}
