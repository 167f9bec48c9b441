package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"fabric.evalgo.org/bus"
	"fabric.evalgo.org/schemaval"
	"fabric.evalgo.org/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// BreakingChangeError rejects an update that would break consumers of a
// referenced entity. Mapped to HTTP 409 with the change list in the body.
type BreakingChangeError struct {
	Changes []string
}

func (e *BreakingChangeError) Error() string {
	return fmt.Sprintf("breaking changes detected: %d", len(e.Changes))
}

// ErrReferenceExists rejects a delete of an entity other entities still
// reference. Mapped to HTTP 409.
var ErrReferenceExists = errors.New("entity is still referenced")

// refCheck answers whether any entity of this manager references the given
// foreign ID. Exposed as GET /{refField}/{id}/exists for cross-manager
// integrity checks.
type refCheck func(ctx context.Context, id uuid.UUID) (bool, error)

// entityConfig wires one entity type into the REST surface. The hooks are
// written per entity; the handlers are shared.
type entityConfig[T store.Entity] struct {
	// name appears in event payloads and error messages.
	name string

	repo store.Repository[T]

	// hasCompositeKey enables the GET /composite/... lookup
	hasCompositeKey bool

	// normalize defaults the ID and validates shape before create/update.
	normalize func(entity *T) error

	// beforeCreate may veto a create after normalization.
	beforeCreate func(ctx context.Context, entity T) error

	// beforeUpdate may veto an update given the stored entity.
	beforeUpdate func(ctx context.Context, current, updated T) error

	// deleteGuard may veto a delete (referential integrity).
	deleteGuard func(ctx context.Context, id uuid.UUID) error

	// refChecks by reference field name.
	refChecks map[string]refCheck
}

// pagedResponse is the list envelope.
type pagedResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

// registerEntity mounts the CRUD surface for one entity type on the group.
// The paged list is served on /paged; the collection root aliases it.
func registerEntity[T store.Entity](g *echo.Group, s *Server, cfg entityConfig[T]) {
	g.GET("", func(c echo.Context) error { return listEntities(c, cfg) })
	g.GET("/paged", func(c echo.Context) error { return listEntities(c, cfg) })
	g.POST("", func(c echo.Context) error { return createEntity(c, s, cfg) })
	if cfg.hasCompositeKey {
		g.GET("/composite", func(c echo.Context) error { return getByCompositeKey(c, cfg) })
		g.GET("/composite/*", func(c echo.Context) error { return getByCompositeKey(c, cfg) })
	}
	g.GET("/:id", func(c echo.Context) error { return getEntity(c, cfg) })
	g.PUT("/:id", func(c echo.Context) error { return updateEntity(c, s, cfg) })
	g.DELETE("/:id", func(c echo.Context) error { return deleteEntity(c, s, cfg) })
	if len(cfg.refChecks) > 0 {
		g.GET("/:refField/:id/exists", func(c echo.Context) error { return refExists(c, cfg) })
	}
}

func getEntity[T store.Entity](c echo.Context, cfg entityConfig[T]) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	entity, err := cfg.repo.Get(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, entity)
}

func getByCompositeKey[T store.Entity](c echo.Context, cfg entityConfig[T]) error {
	key := c.Param("*")
	if key == "" {
		key = c.QueryParam("key")
	}
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "composite key is required")
	}
	entity, err := cfg.repo.GetByCompositeKey(c.Request().Context(), key)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, entity)
}

func listEntities[T store.Entity](c echo.Context, cfg entityConfig[T]) error {
	page, size, err := pageParams(c)
	if err != nil {
		return err
	}
	items, total, err := cfg.repo.List(c.Request().Context(), page, size)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, pagedResponse[T]{Items: items, Total: total, Page: page, Size: size})
}

func createEntity[T store.Entity](c echo.Context, s *Server, cfg entityConfig[T]) error {
	var entity T
	if err := c.Bind(&entity); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if cfg.normalize != nil {
		if err := cfg.normalize(&entity); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if cfg.beforeCreate != nil {
		if err := cfg.beforeCreate(c.Request().Context(), entity); err != nil {
			return mapStoreError(err)
		}
	}
	if err := cfg.repo.Create(c.Request().Context(), entity); err != nil {
		return mapStoreError(err)
	}
	s.publishEntityEvent(c, cfg.name, "created", entity.EntityID())
	return c.JSON(http.StatusCreated, entity)
}

func updateEntity[T store.Entity](c echo.Context, s *Server, cfg entityConfig[T]) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}

	var entity T
	if err := c.Bind(&entity); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if cfg.normalize != nil {
		if err := cfg.normalize(&entity); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if entity.EntityID() != id {
		return echo.NewHTTPError(http.StatusBadRequest, "body id does not match path id")
	}

	current, err := cfg.repo.Get(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	if cfg.beforeUpdate != nil {
		if err := cfg.beforeUpdate(c.Request().Context(), current, entity); err != nil {
			return mapStoreError(err)
		}
	}

	if err := cfg.repo.Update(c.Request().Context(), entity); err != nil {
		return mapStoreError(err)
	}
	s.publishEntityEvent(c, cfg.name, "updated", id)
	return c.JSON(http.StatusOK, entity)
}

func deleteEntity[T store.Entity](c echo.Context, s *Server, cfg entityConfig[T]) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if cfg.deleteGuard != nil {
		if err := cfg.deleteGuard(c.Request().Context(), id); err != nil {
			return mapStoreError(err)
		}
	}
	if err := cfg.repo.Delete(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	s.publishEntityEvent(c, cfg.name, "deleted", id)
	return c.NoContent(http.StatusNoContent)
}

func refExists[T store.Entity](c echo.Context, cfg entityConfig[T]) error {
	check, ok := cfg.refChecks[c.Param("refField")]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown reference field %q", c.Param("refField")))
	}
	id, err := pathID(c)
	if err != nil {
		return err
	}
	exists, err := check(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"exists": exists})
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func pageParams(c echo.Context) (int, int, error) {
	page := defaultPage(c.QueryParam("page"), 1)
	rawSize := c.QueryParam("pageSize")
	if rawSize == "" {
		rawSize = c.QueryParam("size")
	}
	size := defaultPage(rawSize, defaultPageSize)
	if page < 1 {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "page must be >= 1")
	}
	if size < 1 || size > maxPageSize {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("pageSize must be in [1,%d]", maxPageSize))
	}
	return page, size, nil
}

func defaultPage(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(raw, "%d", &value); err != nil {
		return -1
	}
	return value
}

// mapStoreError translates domain and store errors into HTTP statuses.
func mapStoreError(err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var breaking *BreakingChangeError
	var invalid *schemaval.ValidationError
	switch {
	case errors.As(err, &breaking):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":         "schema update rejected",
			"breakingChanges": breaking.Changes,
		})
	case errors.As(err, &invalid):
		return echo.NewHTTPError(http.StatusBadRequest, invalid.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateKey), errors.Is(err, ErrReferenceExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, schemaval.ErrValidatorUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// anyMatch pages through a repository looking for one entity satisfying the
// predicate.
func anyMatch[T store.Entity](ctx context.Context, repo store.Repository[T], match func(T) bool) (bool, error) {
	const pageSize = 100
	for page := 1; ; page++ {
		items, _, err := repo.List(ctx, page, pageSize)
		if err != nil {
			return false, err
		}
		for _, item := range items {
			if match(item) {
				return true, nil
			}
		}
		if len(items) < pageSize {
			return false, nil
		}
	}
}

// publishEntityEvent emits a CRUD notification; failures are logged, never
// surfaced to the API caller.
func (s *Server) publishEntityEvent(c echo.Context, entity, action string, id uuid.UUID) {
	if s.publisher == nil {
		return
	}
	event := bus.EntityEvent{
		Entity:        entity,
		Action:        action,
		EntityID:      id,
		CorrelationID: correlationFromRequest(c),
	}
	if err := s.publisher.Publish(c.Request().Context(), bus.EntityEventQueue, event); err != nil {
		s.logger.WithError(err).WithField("entity", entity).Warn("failed to publish entity event")
	}
}
