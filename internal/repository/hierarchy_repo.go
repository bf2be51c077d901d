package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brikpay/refund-params/internal/model"
)

// chainQueries select the ancestor ids of an entity, the entity itself first.
var chainQueries = map[model.EntityType]string{
	model.EntityMerchant: `SELECT m.id, o.id, p.id, b.id
		FROM merchants m
		JOIN organizations o ON o.id = m.organization_id
		JOIN programs p ON p.id = o.program_id
		JOIN banks b ON b.id = p.bank_id
		WHERE m.id = $1`,
	model.EntityOrganization: `SELECT o.id, p.id, b.id
		FROM organizations o
		JOIN programs p ON p.id = o.program_id
		JOIN banks b ON b.id = p.bank_id
		WHERE o.id = $1`,
	model.EntityProgram: `SELECT p.id, b.id
		FROM programs p
		JOIN banks b ON b.id = p.bank_id
		WHERE p.id = $1`,
	model.EntityBank: `SELECT b.id FROM banks b WHERE b.id = $1`,
}

var descendantQueries = map[model.EntityType]string{
	model.EntityOrganization: `SELECT m.id FROM merchants m WHERE m.organization_id = $1`,
	model.EntityProgram: `SELECT o.id FROM organizations o WHERE o.program_id = $1
		UNION ALL
		SELECT m.id FROM merchants m
		JOIN organizations o ON o.id = m.organization_id
		WHERE o.program_id = $1`,
	model.EntityBank: `SELECT p.id FROM programs p WHERE p.bank_id = $1
		UNION ALL
		SELECT o.id FROM organizations o
		JOIN programs p ON p.id = o.program_id
		WHERE p.bank_id = $1
		UNION ALL
		SELECT m.id FROM merchants m
		JOIN organizations o ON o.id = m.organization_id
		JOIN programs p ON p.id = o.program_id
		WHERE p.bank_id = $1`,
}

type HierarchyRepository struct {
	pool *pgxpool.Pool
}

func NewHierarchyRepository(pool *pgxpool.Pool) *HierarchyRepository {
	return &HierarchyRepository{pool: pool}
}

func (r *HierarchyRepository) entityType(ctx context.Context, entityID string) (model.EntityType, error) {
	var t string
	err := r.pool.QueryRow(ctx,
		`SELECT t FROM (
			SELECT 'MERCHANT' AS t, 0 AS depth FROM merchants WHERE id = $1
			UNION ALL SELECT 'ORGANIZATION', 1 FROM organizations WHERE id = $1
			UNION ALL SELECT 'PROGRAM', 2 FROM programs WHERE id = $1
			UNION ALL SELECT 'BANK', 3 FROM banks WHERE id = $1
		) found
		ORDER BY depth
		LIMIT 1`, entityID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &model.NotFoundError{EntityID: entityID}
	}
	if err != nil {
		return "", fmt.Errorf("lookup entity %s: %w", entityID, err)
	}
	return model.EntityType(t), nil
}

func (r *HierarchyRepository) GetInheritanceChain(ctx context.Context, entityID string) (model.InheritanceChain, error) {
	t, err := r.entityType(ctx, entityID)
	if err != nil {
		return nil, err
	}

	levels := model.EntityTypes[t.Depth():]
	ids := make([]string, len(levels))
	dest := make([]any, len(levels))
	for i := range ids {
		dest[i] = &ids[i]
	}
	err = r.pool.QueryRow(ctx, chainQueries[t], entityID).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &model.NotFoundError{EntityID: entityID}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve chain of %s: %w", entityID, err)
	}

	chain := make(model.InheritanceChain, len(levels))
	for i, lt := range levels {
		chain[i] = model.HierarchyLevel{EntityType: lt, EntityID: ids[i]}
	}
	if err := chain.Validate(entityID); err != nil {
		return nil, err
	}
	return chain, nil
}

// ListDescendants returns the sorted ids of every entity below the given level.
func (r *HierarchyRepository) ListDescendants(ctx context.Context, entityType model.EntityType, entityID string) ([]string, error) {
	q, ok := descendantQueries[entityType]
	if !ok {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id FROM (`+q+`) d ORDER BY id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("list descendants of %s:%s: %w", entityType, entityID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan descendants: %w", err)
	}
	return ids, nil
}
