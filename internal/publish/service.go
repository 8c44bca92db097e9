package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mosaiclabs/mosaic/backend/internal/fingerprint"
	"github.com/mosaiclabs/mosaic/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "publish.service.new"
	opPublish           = "publish.run"
	opRevert            = "publish.revert"
	opPublishCollection = "publish.collection"
	opLatestSession     = "publish.latest_session"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider supplies identifiers for publish session records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig wires the publish engine's collaborators.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Storage    storage.Remover
}

// Service is the publish session coordinator: the single entry point that
// sequences folder, page, component, style, locale, translation, collection
// and asset publishing and aggregates a structured result.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	storage    storage.Remover
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	remover := cfg.Storage
	if remover == nil {
		remover = storage.NopRemover{}
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		storage:    remover,
	}, nil
}

// Scope selects what a publish pass covers. Empty id lists with PublishAll
// set mean "everything needing publishing".
type Scope struct {
	FolderIDs         []string
	PageIDs           []string
	CollectionIDs     []string
	CollectionItemIDs []string
	ComponentIDs      []string
	LayerStyleIDs     []string
	PublishLocales    bool
	PublishAll        bool
}

func (s Scope) wantsFolders() bool {
	return s.PublishAll || len(s.FolderIDs) > 0 || len(s.PageIDs) > 0
}

func (s Scope) wantsPages() bool {
	return s.PublishAll || len(s.PageIDs) > 0
}

func (s Scope) wantsComponents() bool {
	return s.PublishAll || len(s.ComponentIDs) > 0
}

func (s Scope) wantsStyles() bool {
	return s.PublishAll || len(s.LayerStyleIDs) > 0
}

func (s Scope) wantsLocales() bool {
	return s.PublishAll || s.PublishLocales
}

func (s Scope) wantsCollections() bool {
	return s.PublishAll || len(s.CollectionIDs) > 0 || len(s.CollectionItemIDs) > 0
}

// Changes aggregates per-entity-type publish counts.
type Changes struct {
	Folders         int  `json:"folders"`
	Pages           int  `json:"pages"`
	CollectionItems int  `json:"collectionItems"`
	Components      int  `json:"components"`
	LayerStyles     int  `json:"layerStyles"`
	Locales         int  `json:"locales"`
	Translations    int  `json:"translations"`
	Assets          int  `json:"assets"`
	CSS             bool `json:"css"`
}

// StepTiming records one coordinator step for the session log.
type StepTiming struct {
	Name           string `json:"name"`
	DurationMillis int64  `json:"durationMs"`
	Count          int    `json:"count"`
}

// Result is what every publish invocation returns to its caller. Individual
// step failures land in Errors and clear Success instead of aborting the
// remaining steps, because entity types are largely independent.
type Result struct {
	Success bool         `json:"success"`
	Changes Changes      `json:"changes"`
	Errors  []string     `json:"errors,omitempty"`
	Steps   []StepTiming `json:"steps,omitempty"`
}

// Publish runs one publish pass over the requested scope. It returns an error
// only for configuration-class failures; everything else is reported inside
// the Result. Re-invoking with the same scope is always safe: every write is
// an idempotent composite-key upsert.
func (s *Service) Publish(ctx context.Context, scope Scope) (Result, error) {
	if s.db == nil {
		return Result{}, newServiceError(opPublish, "missing_database", errMissingDatabase)
	}

	result := Result{Success: true}
	startedAt := s.clock().UTC()

	if scope.wantsFolders() {
		s.runStep(ctx, &result, "folders", func() (int, error) {
			return s.publishFolders(ctx, scope)
		})
		result.Changes.Folders = stepCount(result, "folders")
	}

	if scope.wantsPages() {
		s.runStep(ctx, &result, "pages", func() (int, error) {
			return s.publishPages(ctx, scope)
		})
		result.Changes.Pages = stepCount(result, "pages")
	}

	if scope.wantsComponents() {
		s.runStep(ctx, &result, "components", func() (int, error) {
			return s.publishComponents(ctx, scope)
		})
		result.Changes.Components = stepCount(result, "components")
	}

	if scope.wantsStyles() {
		s.runStep(ctx, &result, "layer_styles", func() (int, error) {
			return s.publishStyles(ctx, scope)
		})
		result.Changes.LayerStyles = stepCount(result, "layer_styles")
		result.Changes.CSS = result.Changes.LayerStyles > 0
	}

	if scope.wantsLocales() {
		s.runStep(ctx, &result, "locales", func() (int, error) {
			return s.publishLocales(ctx)
		})
		result.Changes.Locales = stepCount(result, "locales")

		s.runStep(ctx, &result, "translations", func() (int, error) {
			return s.publishTranslations(ctx)
		})
		result.Changes.Translations = stepCount(result, "translations")
	}

	if scope.wantsCollections() {
		s.runStep(ctx, &result, "collections", func() (int, error) {
			return s.publishCollections(ctx, scope)
		})
		result.Changes.CollectionItems = stepCount(result, "collections")
	}

	if scope.PublishAll {
		s.runStep(ctx, &result, "assets", func() (int, error) {
			return s.publishAssets(ctx)
		})
		result.Changes.Assets = stepCount(result, "assets")
	}

	s.recordSession(ctx, startedAt, &result)
	return result, nil
}

// runStep executes one coordinator step, recording its timing and converting
// a failure into an entry in the error list rather than aborting the pass.
func (s *Service) runStep(ctx context.Context, result *Result, name string, step func() (int, error)) {
	if err := ctx.Err(); err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
		return
	}

	stepStart := s.clock()
	count, err := step()
	elapsed := s.clock().Sub(stepStart)

	result.Steps = append(result.Steps, StepTiming{
		Name:           name,
		DurationMillis: elapsed.Milliseconds(),
		Count:          count,
	})
	if err != nil {
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", name, err))
		s.logger.Error("publish step failed",
			zap.String("step", name),
			zap.Error(err))
	}
}

func stepCount(result Result, name string) int {
	for _, step := range result.Steps {
		if step.Name == name {
			return step.Count
		}
	}
	return 0
}

func (s *Service) publishFolders(ctx context.Context, scope Scope) (int, error) {
	var ids []string
	if !scope.PublishAll {
		ids = append(ids, scope.FolderIDs...)
		if len(scope.PageIDs) > 0 {
			var parentIDs []string
			err := s.db.WithContext(ctx).
				Model(&Page{}).
				Where("id IN ? AND is_published = ?", scope.PageIDs, false).
				Where("folder_id IS NOT NULL").
				Distinct().
				Pluck("folder_id", &parentIDs).Error
			if err != nil {
				return 0, fmt.Errorf("resolve page folders: %w", err)
			}
			ancestors, err := ancestorIDs[Folder](ctx, s.db, parentIDs)
			if err != nil {
				return 0, fmt.Errorf("resolve ancestor folders: %w", err)
			}
			ids = append(ids, ancestors...)
		}
		ids = dedupe(ids)
		if len(ids) == 0 {
			return 0, nil
		}
	}

	count, err := publishHierarchy[Folder](ctx, s.db, s.logger, s.clock().UTC(), ids)
	if err != nil {
		return 0, err
	}
	if _, err := cleanupOrphans[Folder](ctx, s.db, DirectionPublish, orphanOptions{}); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) publishPages(ctx context.Context, scope Scope) (int, error) {
	if err := s.detachDanglingReferences(ctx); err != nil {
		return 0, err
	}

	var ids []string
	if !scope.PublishAll {
		ids = scope.PageIDs
	}
	count, err := syncRows[Page](ctx, s.db, DirectionPublish, s.clock().UTC(), syncOptions{
		IDs:         ids,
		OmitColumns: []string{"editor_state"},
	})
	if err != nil {
		return 0, err
	}
	if _, err := cleanupOrphans[Page](ctx, s.db, DirectionPublish, orphanOptions{}); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) publishComponents(ctx context.Context, scope Scope) (int, error) {
	var ids []string
	if !scope.PublishAll {
		ids = scope.ComponentIDs
	}
	count, err := syncRows[Component](ctx, s.db, DirectionPublish, s.clock().UTC(), syncOptions{IDs: ids})
	if err != nil {
		return 0, err
	}
	if _, err := cleanupOrphans[Component](ctx, s.db, DirectionPublish, orphanOptions{}); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) publishStyles(ctx context.Context, scope Scope) (int, error) {
	var ids []string
	if !scope.PublishAll {
		ids = scope.LayerStyleIDs
	}
	count, err := syncRows[LayerStyle](ctx, s.db, DirectionPublish, s.clock().UTC(), syncOptions{IDs: ids})
	if err != nil {
		return 0, err
	}
	cleanup, err := cleanupOrphans[LayerStyle](ctx, s.db, DirectionPublish, orphanOptions{})
	if err != nil {
		return 0, err
	}
	return count + cleanup.Deleted, nil
}

func (s *Service) publishLocales(ctx context.Context) (int, error) {
	count, err := syncRows[Locale](ctx, s.db, DirectionPublish, s.clock().UTC(), syncOptions{})
	if err != nil {
		return 0, err
	}
	// The default locale stays pinned on the published side even when its
	// draft vanished.
	_, err = cleanupOrphans[Locale](ctx, s.db, DirectionPublish, orphanOptions{
		PreserveColumn: "is_default",
		PreserveValue:  true,
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) publishTranslations(ctx context.Context) (int, error) {
	var localeIDs []string
	err := s.db.WithContext(ctx).
		Model(&Locale{}).
		Where("is_published = ? AND deleted_at IS NULL", false).
		Pluck("id", &localeIDs).Error
	if err != nil {
		return 0, fmt.Errorf("load locale ids: %w", err)
	}

	count, err := syncRowsByParent[Translation](ctx, s.db, DirectionPublish, s.clock().UTC(), "locale_id", localeIDs, nil)
	if err != nil {
		return 0, err
	}
	if _, err := cleanupOrphans[Translation](ctx, s.db, DirectionPublish, orphanOptions{}); err != nil {
		return 0, err
	}
	if _, err := cleanupOrphanedChildRows[Translation, *Translation, Locale](ctx, s.db, DirectionPublish, "locale_id"); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Service) publishCollections(ctx context.Context, scope Scope) (int, error) {
	collectionIDs := append([]string(nil), scope.CollectionIDs...)
	itemsByCollection := make(map[string][]string)

	if len(scope.CollectionItemIDs) > 0 {
		var items []CollectionItem
		err := s.db.WithContext(ctx).
			Where("id IN ? AND is_published = ?", scope.CollectionItemIDs, false).
			Find(&items).Error
		if err != nil {
			return 0, fmt.Errorf("resolve item collections: %w", err)
		}
		for _, item := range items {
			itemsByCollection[item.CollectionID] = append(itemsByCollection[item.CollectionID], item.ID)
			collectionIDs = append(collectionIDs, item.CollectionID)
		}
	}

	if scope.PublishAll {
		// Soft-deleted draft collections stay in scope so their purge runs.
		var allIDs []string
		err := s.db.WithContext(ctx).
			Model(&Collection{}).
			Where("is_published = ?", false).
			Pluck("id", &allIDs).Error
		if err != nil {
			return 0, fmt.Errorf("load collection ids: %w", err)
		}
		collectionIDs = append(collectionIDs, allIDs...)
	}
	collectionIDs = dedupe(collectionIDs)

	total := 0
	var failures []error
	for _, collectionID := range collectionIDs {
		published, err := s.PublishCollection(ctx, CollectionPublishRequest{
			CollectionID: collectionID,
			ItemIDs:      itemsByCollection[collectionID],
		})
		if err != nil {
			s.logger.Error("collection publish failed",
				zap.String("collection_id", collectionID),
				zap.Error(err))
			failures = append(failures, err)
			continue
		}
		total += published.Items
	}
	return total, errors.Join(failures...)
}

func (s *Service) publishAssets(ctx context.Context) (int, error) {
	now := s.clock().UTC()

	if _, err := publishHierarchy[AssetFolder](ctx, s.db, s.logger, now, nil); err != nil {
		return 0, err
	}
	assetCount, err := syncRows[Asset](ctx, s.db, DirectionPublish, now, syncOptions{})
	if err != nil {
		return 0, err
	}
	if _, err := syncRows[Font](ctx, s.db, DirectionPublish, now, syncOptions{}); err != nil {
		return 0, err
	}

	assetCleanup, err := cleanupOrphans[Asset](ctx, s.db, DirectionPublish, orphanOptions{
		CollectColumns: []string{"storage_key"},
	})
	if err != nil {
		return 0, err
	}
	fontCleanup, err := cleanupOrphans[Font](ctx, s.db, DirectionPublish, orphanOptions{
		CollectColumns: []string{"storage_key"},
	})
	if err != nil {
		return 0, err
	}
	if _, err := cleanupOrphans[AssetFolder](ctx, s.db, DirectionPublish, orphanOptions{}); err != nil {
		return 0, err
	}

	doomedKeys := append(assetCleanup.Collected["storage_key"], fontCleanup.Collected["storage_key"]...)
	if len(doomedKeys) > 0 {
		if err := s.storage.Remove(ctx, doomedKeys); err != nil {
			return 0, fmt.Errorf("remove stored payloads: %w", err)
		}
	}
	return assetCount, nil
}

// detachDanglingReferences rewrites draft page content trees so they no
// longer point at styles or components that are gone from the active draft
// set. The rewrite refreshes the page fingerprint, which is what pulls the
// page into the subsequent sync.
func (s *Service) detachDanglingReferences(ctx context.Context) error {
	danglingStyles, err := s.danglingEntityIDs(ctx, &LayerStyle{})
	if err != nil {
		return fmt.Errorf("resolve dangling styles: %w", err)
	}
	danglingComponents, err := s.danglingEntityIDs(ctx, &Component{})
	if err != nil {
		return fmt.Errorf("resolve dangling components: %w", err)
	}
	if len(danglingStyles) == 0 && len(danglingComponents) == 0 {
		return nil
	}

	offset := 0
	for {
		var pages []Page
		err := s.db.WithContext(ctx).
			Where("is_published = ? AND deleted_at IS NULL", false).
			Order("id").
			Limit(readPageSize).
			Offset(offset).
			Find(&pages).Error
		if err != nil {
			return fmt.Errorf("load draft pages: %w", err)
		}

		for index := range pages {
			page := &pages[index]
			if page.Content == "" {
				continue
			}
			tree, err := ParseLayerTree(page.Content)
			if err != nil {
				s.logger.Warn("skipping page with malformed content",
					zap.String("page_id", page.ID),
					zap.Error(err))
				continue
			}
			rewritten, changed := DetachLayerReferences(tree, danglingStyles, danglingComponents)
			if !changed {
				continue
			}
			encoded, err := rewritten.Encode()
			if err != nil {
				return fmt.Errorf("encode rewritten content for page %s: %w", page.ID, err)
			}
			page.Content = encoded
			digest := fingerprint.Hash(page.EntityKind(), page.FingerprintFields())
			err = s.db.WithContext(ctx).
				Model(&Page{}).
				Where("id = ? AND is_published = ?", page.ID, false).
				Updates(map[string]any{
					"content":      encoded,
					"content_hash": digest,
					"updated_at":   s.clock().UTC(),
				}).Error
			if err != nil {
				return fmt.Errorf("save rewritten content for page %s: %w", page.ID, err)
			}
		}

		if len(pages) < readPageSize {
			break
		}
		offset += readPageSize
	}
	return nil
}

// danglingEntityIDs returns every id known to the table that no longer has an
// active draft row: soft-deleted drafts plus published leftovers.
func (s *Service) danglingEntityIDs(ctx context.Context, model any) (map[string]struct{}, error) {
	var allIDs []string
	err := s.db.WithContext(ctx).
		Model(model).
		Distinct().
		Pluck("id", &allIDs).Error
	if err != nil {
		return nil, err
	}
	var activeIDs []string
	err = s.db.WithContext(ctx).
		Model(model).
		Where("is_published = ? AND deleted_at IS NULL", false).
		Pluck("id", &activeIDs).Error
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = struct{}{}
	}
	dangling := make(map[string]struct{})
	for _, id := range allIDs {
		if _, ok := active[id]; !ok {
			dangling[id] = struct{}{}
		}
	}
	return dangling, nil
}

// Revert discards draft edits by copying published rows back onto their
// drafts. With PublishAll set it also drops drafts that were never
// published.
func (s *Service) Revert(ctx context.Context, scope Scope) (Result, error) {
	if s.db == nil {
		return Result{}, newServiceError(opRevert, "missing_database", errMissingDatabase)
	}

	result := Result{Success: true}
	now := s.clock().UTC()

	s.runStep(ctx, &result, "revert_folders", func() (int, error) {
		return syncRows[Folder](ctx, s.db, DirectionRevert, now, syncOptions{IDs: scopedIDs(scope, scope.FolderIDs)})
	})
	result.Changes.Folders = stepCount(result, "revert_folders")

	s.runStep(ctx, &result, "revert_pages", func() (int, error) {
		return syncRows[Page](ctx, s.db, DirectionRevert, now, syncOptions{
			IDs:         scopedIDs(scope, scope.PageIDs),
			OmitColumns: []string{"editor_state"},
		})
	})
	result.Changes.Pages = stepCount(result, "revert_pages")

	s.runStep(ctx, &result, "revert_components", func() (int, error) {
		return syncRows[Component](ctx, s.db, DirectionRevert, now, syncOptions{IDs: scopedIDs(scope, scope.ComponentIDs)})
	})
	result.Changes.Components = stepCount(result, "revert_components")

	s.runStep(ctx, &result, "revert_layer_styles", func() (int, error) {
		return syncRows[LayerStyle](ctx, s.db, DirectionRevert, now, syncOptions{IDs: scopedIDs(scope, scope.LayerStyleIDs)})
	})
	result.Changes.LayerStyles = stepCount(result, "revert_layer_styles")

	if scope.PublishAll {
		s.runStep(ctx, &result, "revert_cleanup", func() (int, error) {
			deleted := 0
			for _, cleanup := range []func() (orphanResult, error){
				func() (orphanResult, error) {
					return cleanupOrphans[Page](ctx, s.db, DirectionRevert, orphanOptions{})
				},
				func() (orphanResult, error) {
					return cleanupOrphans[Folder](ctx, s.db, DirectionRevert, orphanOptions{})
				},
				func() (orphanResult, error) {
					return cleanupOrphans[Component](ctx, s.db, DirectionRevert, orphanOptions{})
				},
				func() (orphanResult, error) {
					return cleanupOrphans[LayerStyle](ctx, s.db, DirectionRevert, orphanOptions{})
				},
			} {
				outcome, err := cleanup()
				if err != nil {
					return deleted, err
				}
				deleted += outcome.Deleted
			}
			return deleted, nil
		})
	}

	return result, nil
}

func scopedIDs(scope Scope, ids []string) []string {
	if scope.PublishAll {
		return nil
	}
	return ids
}

// LatestSession returns the most recent publish session record.
func (s *Service) LatestSession(ctx context.Context) (Session, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Order("started_at_s DESC").
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, newServiceError(opLatestSession, "no_sessions", err)
	}
	if err != nil {
		return Session{}, newServiceError(opLatestSession, "query_failed", err)
	}
	return session, nil
}

// recordSession persists an advisory record of the pass. It demarcates scope
// for error aggregation only; it is not an atomicity boundary.
func (s *Service) recordSession(ctx context.Context, startedAt time.Time, result *Result) {
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Warn("session id generation failed", zap.Error(err))
		return
	}

	changesJSON, _ := json.Marshal(result.Changes)
	errorsJSON, _ := json.Marshal(result.Errors)
	stepsJSON, _ := json.Marshal(result.Steps)

	session := Session{
		ID:                sessionID,
		StartedAtSeconds:  startedAt.Unix(),
		FinishedAtSeconds: s.clock().UTC().Unix(),
		Success:           result.Success,
		ChangesJSON:       string(changesJSON),
		ErrorsJSON:        string(errorsJSON),
		StepsJSON:         string(stepsJSON),
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logger.Warn("session record insert failed", zap.Error(err))
	}
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]struct{}, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
