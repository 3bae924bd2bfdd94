// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the product
// catalog: products, categories and the append-only alias log.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-receipt-pipeline/internal/domain"
)

// CreateProduct inserts a product. ID is generated when empty.
func CreateProduct(ctx context.Context, db *gorm.DB, p *domain.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return db.WithContext(ctx).Create(p).Error
}

// CreateGhostProduct inserts p unless a product with the same GhostKey
// exists, in which case that product is returned and created is false.
// The unique index decides between concurrent callers: on Postgres the
// loser waits for the winner's transaction and then reads its row.
func CreateGhostProduct(ctx context.Context, db *gorm.DB, p *domain.Product) (*domain.Product, bool, error) {
	if p.GhostKey == nil || *p.GhostKey == "" {
		return nil, false, errors.New("repo: ghost product without key")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "ghost_key"}}, DoNothing: true}).
		Create(p)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return p, true, nil
	}
	var existing domain.Product
	if err := db.WithContext(ctx).Where("ghost_key = ?", *p.GhostKey).First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// GetProduct fetches a product with its category.
func GetProduct(ctx context.Context, db *gorm.DB, id string) (*domain.Product, error) {
	var p domain.Product
	if err := db.WithContext(ctx).Preload("Category").Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FindProductByName returns the product whose name equals name ignoring case.
// Active products win over ghosts; among equals the oldest wins.
func FindProductByName(ctx context.Context, db *gorm.DB, name string) (*domain.Product, error) {
	var p domain.Product
	err := db.WithContext(ctx).
		Where("LOWER(name) = LOWER(?)", name).
		Order("is_active DESC, created_at ASC, id ASC").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListMatchCandidates returns every product with its aliases preloaded,
// ordered deterministically so fuzzy ties resolve the same way on every run.
func ListMatchCandidates(ctx context.Context, db *gorm.DB) ([]domain.Product, error) {
	var out []domain.Product
	err := db.WithContext(ctx).
		Preload("Aliases", func(q *gorm.DB) *gorm.DB { return q.Order("count DESC, id ASC") }).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// FindAliasCandidates returns aliases whose text equals name ignoring case or
// whose normalized form equals norm.
func FindAliasCandidates(ctx context.Context, db *gorm.DB, name, norm string) ([]domain.ProductAlias, error) {
	var out []domain.ProductAlias
	err := db.WithContext(ctx).
		Where("LOWER(name) = LOWER(?) OR normalized = ?", name, norm).
		Order("count DESC, first_seen ASC, id ASC").
		Find(&out).Error
	return out, err
}

// RecordAlias appends an observed spelling for a product. When the spelling
// is already known its count and last_seen are bumped instead.
func RecordAlias(ctx context.Context, db *gorm.DB, productID, name, normalized string, seen time.Time) error {
	a := &domain.ProductAlias{
		ID:         uuid.NewString(),
		ProductID:  productID,
		Name:       name,
		Normalized: normalized,
		Count:      1,
		FirstSeen:  seen,
		LastSeen:   seen,
		Status:     domain.AliasUnverified,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "product_id"}, {Name: "name"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr("product_aliases.count + 1"),
			"last_seen":  seen,
			"updated_at": seen,
		}),
	}).Create(a).Error
}

// CountAliases returns the number of aliases recorded for a product.
func CountAliases(ctx context.Context, db *gorm.DB, productID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.ProductAlias{}).Where("product_id = ?", productID).Count(&n).Error
	return n, err
}

// PromoteAliases marks unverified aliases seen at least minCount times as
// confirmed and returns how many rows changed.
func PromoteAliases(ctx context.Context, db *gorm.DB, minCount int) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.ProductAlias{}).
		Where("status = ? AND count >= ?", domain.AliasUnverified, minCount).
		Updates(map[string]any{"status": domain.AliasConfirmed, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// PruneAliases deletes unverified aliases last seen before cutoff. A ghost
// product always keeps at least its most recently seen alias, since that is
// the only record of what the receipt said.
func PruneAliases(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	var pruned int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []domain.ProductAlias
		if err := tx.Where("status = ? AND last_seen < ?", domain.AliasUnverified, cutoff).
			Order("product_id ASC, last_seen DESC, id ASC").
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		byProduct := map[string][]domain.ProductAlias{}
		for _, a := range stale {
			byProduct[a.ProductID] = append(byProduct[a.ProductID], a)
		}

		var ids []string
		for pid, list := range byProduct {
			var p domain.Product
			if err := tx.Unscoped().Select("id", "is_active").Where("id = ?", pid).First(&p).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if !p.IsActive && p.ID != "" {
				total, err := CountAliases(ctx, tx, pid)
				if err != nil {
					return err
				}
				// every alias of the ghost is stale: spare the newest
				if total == int64(len(list)) {
					list = list[1:]
				}
			}
			for _, a := range list {
				ids = append(ids, a.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("id IN ?", ids).Delete(&domain.ProductAlias{})
		pruned = res.RowsAffected
		return res.Error
	})
	return pruned, err
}

// GetCategory fetches a category by id.
func GetCategory(ctx context.Context, db *gorm.DB, id string) (*domain.Category, error) {
	var c domain.Category
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// EnsureCategory returns the category named like proto, creating it from
// proto when missing. Existing categories are returned unchanged.
func EnsureCategory(ctx context.Context, db *gorm.DB, proto domain.Category) (*domain.Category, error) {
	if proto.ID == "" {
		proto.ID = uuid.NewString()
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&proto).Error
	if err != nil {
		return nil, err
	}
	var c domain.Category
	if err := db.WithContext(ctx).Where("name = ?", proto.Name).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}
