package publish

import (
	"time"

	"github.com/mosaiclabs/mosaic/backend/internal/fingerprint"
)

// RowMeta carries the columns shared by every publishable table: the
// composite key (id, is_published), the soft-delete marker, the content
// fingerprint and bookkeeping timestamps. DeletedAt is a plain pointer rather
// than gorm.DeletedAt because soft-delete filtering and hard deletion are
// explicit engine decisions, never implicit ORM behavior.
type RowMeta struct {
	ID          string     `gorm:"column:id;primaryKey;size:190;not null"`
	IsPublished bool       `gorm:"column:is_published;primaryKey;not null;default:false"`
	ContentHash *string    `gorm:"column:content_hash;size:64"`
	DeletedAt   *time.Time `gorm:"column:deleted_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// RowID returns the stable identifier shared by draft and published copies.
func (m *RowMeta) RowID() string {
	return m.ID
}

// RowPublished reports which side of the draft/published pair the row is on.
func (m *RowMeta) RowPublished() bool {
	return m.IsPublished
}

// SetPublished flips the row to the given side of the pair.
func (m *RowMeta) SetPublished(published bool) {
	m.IsPublished = published
}

// RowDeletedAt exposes the soft-delete marker.
func (m *RowMeta) RowDeletedAt() *time.Time {
	return m.DeletedAt
}

// SetDeletedAt marks or clears the soft-delete tombstone.
func (m *RowMeta) SetDeletedAt(deletedAt *time.Time) {
	m.DeletedAt = deletedAt
}

// SetUpdatedAt refreshes the bookkeeping timestamp.
func (m *RowMeta) SetUpdatedAt(updatedAt time.Time) {
	m.UpdatedAt = updatedAt
}

// RowHash exposes the stored content fingerprint.
func (m *RowMeta) RowHash() *string {
	return m.ContentHash
}

// SetHash stores a content fingerprint.
func (m *RowMeta) SetHash(hash *string) {
	m.ContentHash = hash
}

// Row is the behavior every publishable table row exposes to the generic
// synchronizer and orphan reconciler. Concrete types embed RowMeta for the
// shared accessors and add kind plus fingerprint field selection themselves.
type Row interface {
	RowID() string
	RowPublished() bool
	SetPublished(published bool)
	RowDeletedAt() *time.Time
	SetDeletedAt(deletedAt *time.Time)
	SetUpdatedAt(updatedAt time.Time)
	RowHash() *string
	SetHash(hash *string)
	EntityKind() string
	FingerprintFields() map[string]any
}

// TreeRow extends Row for entities arranged in a parent/child hierarchy.
type TreeRow interface {
	Row
	RowParentID() *string
	RowDepth() int
}

// rowOf constrains a pointer type to the Row behavior over its base struct.
type rowOf[R any] interface {
	*R
	Row
}

// treeRowOf constrains a pointer type to the TreeRow behavior.
type treeRowOf[R any] interface {
	*R
	TreeRow
}

// TreeMeta carries the hierarchy columns shared by tree-shaped entities.
type TreeMeta struct {
	ParentID *string `gorm:"column:parent_id;size:190;index"`
	Depth    int     `gorm:"column:depth;not null;default:0"`
	Order    int     `gorm:"column:sort_order;not null;default:0"`
}

// RowParentID exposes the parent reference, nil for roots.
func (m *TreeMeta) RowParentID() *string {
	return m.ParentID
}

// RowDepth exposes the distance from the hierarchy root.
func (m *TreeMeta) RowDepth() int {
	return m.Depth
}

// Folder is a tree-shaped container for pages.
type Folder struct {
	RowMeta
	TreeMeta
	Name string `gorm:"column:name;size:320;not null"`
}

func (Folder) TableName() string {
	return "folders"
}

func (f *Folder) EntityKind() string {
	return "folder"
}

func (f *Folder) FingerprintFields() map[string]any {
	return map[string]any{
		"name":      f.Name,
		"parent_id": f.ParentID,
		"depth":     f.Depth,
		"order":     f.Order,
	}
}

// Page holds a serialized layer tree plus routing metadata. EditorState is
// draft-only UI state and is never copied across the pair.
type Page struct {
	RowMeta
	FolderID    *string `gorm:"column:folder_id;size:190;index"`
	Name        string  `gorm:"column:name;size:320;not null"`
	Slug        string  `gorm:"column:slug;size:320;not null"`
	Content     string  `gorm:"column:content;type:text;not null;default:''"`
	EditorState string  `gorm:"column:editor_state;type:text;not null;default:''"`
	Order       int     `gorm:"column:sort_order;not null;default:0"`
}

func (Page) TableName() string {
	return "pages"
}

func (p *Page) EntityKind() string {
	return "page"
}

func (p *Page) FingerprintFields() map[string]any {
	return map[string]any{
		"name":      p.Name,
		"slug":      p.Slug,
		"folder_id": p.FolderID,
		"order":     p.Order,
		"content":   fingerprint.DecodeContent(p.Content),
	}
}

// Component is a reusable layer subtree referenced from pages.
type Component struct {
	RowMeta
	Name       string `gorm:"column:name;size:320;not null"`
	Definition string `gorm:"column:definition;type:text;not null;default:''"`
}

func (Component) TableName() string {
	return "components"
}

func (c *Component) EntityKind() string {
	return "component"
}

func (c *Component) FingerprintFields() map[string]any {
	return map[string]any{
		"name":       c.Name,
		"definition": fingerprint.DecodeContent(c.Definition),
	}
}

// LayerStyle is a named bundle of design properties referenced from layers.
type LayerStyle struct {
	RowMeta
	Name       string `gorm:"column:name;size:320;not null"`
	Properties string `gorm:"column:properties;type:text;not null;default:''"`
}

func (LayerStyle) TableName() string {
	return "layer_styles"
}

func (s *LayerStyle) EntityKind() string {
	return "layer_style"
}

func (s *LayerStyle) FingerprintFields() map[string]any {
	return map[string]any{
		"name":       s.Name,
		"properties": fingerprint.DecodeContent(s.Properties),
	}
}

// Locale is a site language. The default locale is pinned by the orphan
// reconciler even when its draft disappears.
type Locale struct {
	RowMeta
	Code      string `gorm:"column:code;size:32;not null"`
	Name      string `gorm:"column:name;size:320;not null"`
	IsDefault bool   `gorm:"column:is_default;not null;default:false"`
	Order     int    `gorm:"column:sort_order;not null;default:0"`
}

func (Locale) TableName() string {
	return "locales"
}

func (l *Locale) EntityKind() string {
	return "locale"
}

func (l *Locale) FingerprintFields() map[string]any {
	return map[string]any{
		"code":       l.Code,
		"name":       l.Name,
		"is_default": l.IsDefault,
		"order":      l.Order,
	}
}

// Translation is a keyed string belonging to one locale.
type Translation struct {
	RowMeta
	LocaleID string `gorm:"column:locale_id;size:190;not null;index"`
	Key      string `gorm:"column:translation_key;size:320;not null"`
	Value    string `gorm:"column:translation_value;type:text;not null;default:''"`
}

func (Translation) TableName() string {
	return "translations"
}

func (t *Translation) EntityKind() string {
	return "translation"
}

func (t *Translation) FingerprintFields() map[string]any {
	return map[string]any{
		"locale_id": t.LocaleID,
		"key":       t.Key,
		"value":     t.Value,
	}
}

// Collection is the root of the EAV hierarchy: it owns typed field
// definitions and items.
type Collection struct {
	RowMeta
	Name      string  `gorm:"column:name;size:320;not null"`
	SortField *string `gorm:"column:sort_field;size:190"`
	SortOrder *string `gorm:"column:sort_direction;size:16"`
	Order     int     `gorm:"column:sort_order;not null;default:0"`
}

func (Collection) TableName() string {
	return "collections"
}

func (c *Collection) EntityKind() string {
	return "collection"
}

func (c *Collection) FingerprintFields() map[string]any {
	return map[string]any{
		"name":       c.Name,
		"sort_field": c.SortField,
		"sort_order": c.SortOrder,
		"order":      c.Order,
	}
}

// CollectionField is a typed attribute definition owned by a collection.
type CollectionField struct {
	RowMeta
	CollectionID string `gorm:"column:collection_id;size:190;not null;index"`
	Name         string `gorm:"column:name;size:320;not null"`
	Type         string `gorm:"column:field_type;size:64;not null"`
	Required     bool   `gorm:"column:required;not null;default:false"`
	Order        int    `gorm:"column:sort_order;not null;default:0"`
}

func (CollectionField) TableName() string {
	return "collection_fields"
}

func (f *CollectionField) EntityKind() string {
	return "collection_field"
}

func (f *CollectionField) FingerprintFields() map[string]any {
	return map[string]any{
		"collection_id": f.CollectionID,
		"name":          f.Name,
		"type":          f.Type,
		"required":      f.Required,
		"order":         f.Order,
	}
}

// CollectionItem is one entry in a collection. IsPublishable excludes an item
// from publishing regardless of its hash state.
type CollectionItem struct {
	RowMeta
	CollectionID  string `gorm:"column:collection_id;size:190;not null;index"`
	Slug          string `gorm:"column:slug;size:320;not null"`
	ManualOrder   int    `gorm:"column:manual_order;not null;default:0"`
	IsPublishable bool   `gorm:"column:is_publishable;not null;default:true"`
}

func (CollectionItem) TableName() string {
	return "collection_items"
}

func (i *CollectionItem) EntityKind() string {
	return "collection_item"
}

func (i *CollectionItem) FingerprintFields() map[string]any {
	return map[string]any{
		"collection_id":  i.CollectionID,
		"slug":           i.Slug,
		"manual_order":   i.ManualOrder,
		"is_publishable": i.IsPublishable,
	}
}

// CollectionItemValue is one sparse (item, field) cell of the EAV grid. A nil
// Value and an empty string are distinct per field semantics.
type CollectionItemValue struct {
	RowMeta
	ItemID  string  `gorm:"column:item_id;size:190;not null;index"`
	FieldID string  `gorm:"column:field_id;size:190;not null;index"`
	Value   *string `gorm:"column:field_value;type:text"`
}

func (CollectionItemValue) TableName() string {
	return "collection_item_values"
}

func (v *CollectionItemValue) EntityKind() string {
	return "collection_item_value"
}

func (v *CollectionItemValue) FingerprintFields() map[string]any {
	return map[string]any{
		"item_id":  v.ItemID,
		"field_id": v.FieldID,
		"value":    v.Value,
	}
}

// AssetFolder is a tree-shaped container for uploaded assets.
type AssetFolder struct {
	RowMeta
	TreeMeta
	Name string `gorm:"column:name;size:320;not null"`
}

func (AssetFolder) TableName() string {
	return "asset_folders"
}

func (f *AssetFolder) EntityKind() string {
	return "asset_folder"
}

func (f *AssetFolder) FingerprintFields() map[string]any {
	return map[string]any{
		"name":      f.Name,
		"parent_id": f.ParentID,
		"depth":     f.Depth,
		"order":     f.Order,
	}
}

// Asset is metadata for an uploaded binary. StorageKey points at bytes owned
// by the external storage collaborator; the reconciler collects it before
// deleting the row so the bytes can be removed too.
type Asset struct {
	RowMeta
	FolderID   *string `gorm:"column:folder_id;size:190;index"`
	Name       string  `gorm:"column:name;size:320;not null"`
	StorageKey string  `gorm:"column:storage_key;size:512;not null"`
	MimeType   string  `gorm:"column:mime_type;size:128;not null;default:''"`
	SizeBytes  int64   `gorm:"column:size_bytes;not null;default:0"`
}

func (Asset) TableName() string {
	return "assets"
}

func (a *Asset) EntityKind() string {
	return "asset"
}

func (a *Asset) FingerprintFields() map[string]any {
	return map[string]any{
		"folder_id":   a.FolderID,
		"name":        a.Name,
		"storage_key": a.StorageKey,
		"mime_type":   a.MimeType,
		"size_bytes":  a.SizeBytes,
	}
}

// Font is an uploaded typeface, stored like an asset.
type Font struct {
	RowMeta
	Family     string `gorm:"column:family;size:320;not null"`
	Weight     int    `gorm:"column:weight;not null;default:400"`
	Style      string `gorm:"column:font_style;size:32;not null;default:'normal'"`
	StorageKey string `gorm:"column:storage_key;size:512;not null"`
}

func (Font) TableName() string {
	return "fonts"
}

func (f *Font) EntityKind() string {
	return "font"
}

func (f *Font) FingerprintFields() map[string]any {
	return map[string]any{
		"family":      f.Family,
		"weight":      f.Weight,
		"style":       f.Style,
		"storage_key": f.StorageKey,
	}
}

// Session records one publish invocation for the status endpoint. It is
// advisory bookkeeping, not a unit of atomicity.
type Session struct {
	ID                string `gorm:"column:id;primaryKey;size:190;not null"`
	StartedAtSeconds  int64  `gorm:"column:started_at_s;not null;index"`
	FinishedAtSeconds int64  `gorm:"column:finished_at_s;not null"`
	Success           bool   `gorm:"column:success;not null"`
	ChangesJSON       string `gorm:"column:changes_json;type:text;not null;default:''"`
	ErrorsJSON        string `gorm:"column:errors_json;type:text;not null;default:''"`
	StepsJSON         string `gorm:"column:steps_json;type:text;not null;default:''"`
}

func (Session) TableName() string {
	return "publish_sessions"
}

// AllModels lists every table the engine migrates and operates on.
func AllModels() []any {
	return []any{
		&Folder{}, &Page{}, &Component{}, &LayerStyle{},
		&Locale{}, &Translation{},
		&Collection{}, &CollectionField{}, &CollectionItem{}, &CollectionItemValue{},
		&AssetFolder{}, &Asset{}, &Font{},
		&Session{},
	}
}

// EnsureHash computes and stores the fingerprint for a row when absent,
// returning the effective hash.
func EnsureHash(row Row) string {
	if existing := row.RowHash(); existing != nil && *existing != "" {
		return *existing
	}
	digest := fingerprint.Hash(row.EntityKind(), row.FingerprintFields())
	row.SetHash(&digest)
	return digest
}
