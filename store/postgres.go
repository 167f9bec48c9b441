package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"fabric.evalgo.org/domain"
)

// record is the uniform row shape: the entity travels as a JSON document, the
// ID and composite key are lifted into indexed columns.
type record struct {
	ID           string `gorm:"primaryKey;size:36"`
	CompositeKey string `gorm:"index;size:512"`
	Body         []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Postgres is a gorm-backed Repository over one table.
type Postgres[T Entity] struct {
	db    *gorm.DB
	table string
}

// NewPostgres builds a repository over the named table, migrating it first.
func NewPostgres[T Entity](db *gorm.DB, table string) (*Postgres[T], error) {
	if err := db.Table(table).AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate table %s: %w", table, err)
	}
	return &Postgres[T]{db: db, table: table}, nil
}

// NewPostgresStores connects to the database and builds one repository per
// entity table.
func NewPostgresStores(dsn string) (*Stores, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	stores := &Stores{}
	if stores.Schemas, err = NewPostgres[domain.Schema](db, "schemas"); err != nil {
		return nil, err
	}
	if stores.Addresses, err = NewPostgres[domain.Address](db, "addresses"); err != nil {
		return nil, err
	}
	if stores.Deliveries, err = NewPostgres[domain.Delivery](db, "deliveries"); err != nil {
		return nil, err
	}
	if stores.Processors, err = NewPostgres[domain.Processor](db, "processors"); err != nil {
		return nil, err
	}
	if stores.Steps, err = NewPostgres[domain.Step](db, "steps"); err != nil {
		return nil, err
	}
	if stores.Workflows, err = NewPostgres[domain.Workflow](db, "workflows"); err != nil {
		return nil, err
	}
	if stores.Flows, err = NewPostgres[domain.OrchestratedFlow](db, "orchestrated_flows"); err != nil {
		return nil, err
	}
	if stores.Assignments, err = NewPostgres[domain.Assignment](db, "assignments"); err != nil {
		return nil, err
	}
	return stores, nil
}

func (r *Postgres[T]) Create(ctx context.Context, entity T) error {
	if key := entity.CompositeKey(); key != "" {
		var count int64
		err := r.db.WithContext(ctx).Table(r.table).
			Where("composite_key = ?", key).Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check composite key: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("composite key %q: %w", key, ErrDuplicateKey)
		}
	}

	row, err := encodeRecord(entity)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Table(r.table).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("id %s: %w", entity.EntityID(), ErrDuplicateKey)
		}
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

func (r *Postgres[T]) Get(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	var row record
	err := r.db.WithContext(ctx).Table(r.table).
		Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load entity %s: %w", id, err)
	}
	return decodeRecord[T](row)
}

func (r *Postgres[T]) GetByCompositeKey(ctx context.Context, key string) (T, error) {
	var zero T
	var row record
	err := r.db.WithContext(ctx).Table(r.table).
		Where("composite_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return zero, fmt.Errorf("composite key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return zero, fmt.Errorf("failed to load entity by key %q: %w", key, err)
	}
	return decodeRecord[T](row)
}

func (r *Postgres[T]) List(ctx context.Context, page, size int) ([]T, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Table(r.table).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count entities: %w", err)
	}

	var rows []record
	err := r.db.WithContext(ctx).Table(r.table).
		Order("id").Offset((page - 1) * size).Limit(size).Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list entities: %w", err)
	}

	entities := make([]T, 0, len(rows))
	for _, row := range rows {
		entity, err := decodeRecord[T](row)
		if err != nil {
			return nil, 0, err
		}
		entities = append(entities, entity)
	}
	return entities, total, nil
}

func (r *Postgres[T]) Update(ctx context.Context, entity T) error {
	id := entity.EntityID()
	if key := entity.CompositeKey(); key != "" {
		var count int64
		err := r.db.WithContext(ctx).Table(r.table).
			Where("composite_key = ? AND id <> ?", key, id.String()).Count(&count).Error
		if err != nil {
			return fmt.Errorf("failed to check composite key: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("composite key %q: %w", key, ErrDuplicateKey)
		}
	}

	row, err := encodeRecord(entity)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Table(r.table).
		Where("id = ?", id.String()).
		Updates(map[string]interface{}{
			"composite_key": row.CompositeKey,
			"body":          row.Body,
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update entity %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Postgres[T]) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Table(r.table).
		Where("id = ?", id.String()).Delete(&record{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete entity %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("id %s: %w", id, ErrNotFound)
	}
	return nil
}

func encodeRecord[T Entity](entity T) (record, error) {
	body, err := json.Marshal(entity)
	if err != nil {
		return record{}, fmt.Errorf("failed to encode entity %s: %w", entity.EntityID(), err)
	}
	return record{
		ID:           entity.EntityID().String(),
		CompositeKey: entity.CompositeKey(),
		Body:         body,
	}, nil
}

func decodeRecord[T Entity](row record) (T, error) {
	var entity T
	if err := json.Unmarshal(row.Body, &entity); err != nil {
		return entity, fmt.Errorf("failed to decode entity %s: %w", row.ID, err)
	}
	return entity, nil
}
