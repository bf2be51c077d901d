package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brikpay/refund-params/internal/model"
)

const valueColumns = `id, entity_type, entity_id, parameter_name, value, version, effective_date,
	expiration_date, created_by, change_reason, created_at, updated_at`

type ParameterRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewParameterRepository(pool *pgxpool.Pool) *ParameterRepository {
	return &ParameterRepository{pool: pool, now: time.Now}
}

func scanValue(row pgx.Row) (*model.ParameterValue, error) {
	v := &model.ParameterValue{}
	var raw []byte
	var entityType string
	err := row.Scan(&v.ID, &entityType, &v.EntityID, &v.ParameterName, &raw, &v.Version, &v.EffectiveDate,
		&v.ExpirationDate, &v.CreatedBy, &v.ChangeReason, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.EntityType = model.EntityType(entityType)
	if err := json.Unmarshal(raw, &v.Value); err != nil {
		return nil, fmt.Errorf("decode value of %s: %w", v.Key(), err)
	}
	return v, nil
}

func scanOptionalValue(row pgx.Row) (*model.ParameterValue, error) {
	v, err := scanValue(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (r *ParameterRepository) FindActiveParameter(ctx context.Context, entityType model.EntityType, entityID, name string) (*model.ParameterValue, error) {
	return r.FindParameterAt(ctx, entityType, entityID, name, r.now())
}

func (r *ParameterRepository) FindParameterAt(ctx context.Context, entityType model.EntityType, entityID, name string, at time.Time) (*model.ParameterValue, error) {
	v, err := scanOptionalValue(r.pool.QueryRow(ctx,
		`SELECT `+valueColumns+`
		FROM parameter_values
		WHERE entity_type = $1 AND entity_id = $2 AND parameter_name = $3
		  AND effective_date <= $4 AND (expiration_date IS NULL OR expiration_date > $4)
		ORDER BY version DESC
		LIMIT 1`,
		string(entityType), entityID, name, at))
	if err != nil {
		return nil, fmt.Errorf("find parameter %s:%s:%s: %w", name, entityType, entityID, err)
	}
	return v, nil
}

func (r *ParameterRepository) FindLatestParameter(ctx context.Context, entityType model.EntityType, entityID, name string) (*model.ParameterValue, error) {
	v, err := scanOptionalValue(r.pool.QueryRow(ctx,
		`SELECT `+valueColumns+`
		FROM parameter_values
		WHERE entity_type = $1 AND entity_id = $2 AND parameter_name = $3
		ORDER BY version DESC
		LIMIT 1`,
		string(entityType), entityID, name))
	if err != nil {
		return nil, fmt.Errorf("find latest parameter %s:%s:%s: %w", name, entityType, entityID, err)
	}
	return v, nil
}

func (r *ParameterRepository) FindParameterHistory(ctx context.Context, entityType model.EntityType, entityID, name string) ([]*model.ParameterValue, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+valueColumns+`
		FROM parameter_values
		WHERE entity_type = $1 AND entity_id = $2 AND parameter_name = $3
		ORDER BY version DESC`,
		string(entityType), entityID, name)
	if err != nil {
		return nil, fmt.Errorf("query parameter history: %w", err)
	}
	defer rows.Close()

	var history []*model.ParameterValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan parameter history: %w", err)
		}
		history = append(history, v)
	}
	return history, rows.Err()
}

// lockLatest locks the highest version row of a key for the rest of tx. It
// returns (nil, nil) for a key without versions.
func lockLatest(ctx context.Context, tx pgx.Tx, k model.ParameterKey) (*model.ParameterValue, error) {
	v, err := scanOptionalValue(tx.QueryRow(ctx,
		`SELECT `+valueColumns+`
		FROM parameter_values
		WHERE entity_type = $1 AND entity_id = $2 AND parameter_name = $3
		ORDER BY version DESC
		LIMIT 1
		FOR UPDATE`,
		string(k.EntityType), k.EntityID, k.Name))
	if err != nil {
		return nil, fmt.Errorf("lock latest version: %w", err)
	}
	return v, nil
}

// CreateParameter inserts v as the next version of its key. It fails with
// model.ErrVersionConflict while the latest version has not expired by
// v.EffectiveDate. Concurrent creators of a new key race on the unique
// version index and all but one receive the same error.
func (r *ParameterRepository) CreateParameter(ctx context.Context, v *model.ParameterValue) (*model.ParameterValue, error) {
	var saved *model.ParameterValue
	err := execTx(ctx, r.pool, func(tx pgx.Tx) error {
		latest, err := lockLatest(ctx, tx, v.Key())
		if err != nil {
			return err
		}
		version := 1
		if latest != nil {
			if latest.UnexpiredAt(v.EffectiveDate) {
				return model.ErrVersionConflict
			}
			version = latest.Version + 1
		}

		saved, err = r.insert(ctx, tx, v, version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// UpdateParameter closes prev at next.EffectiveDate and inserts next as
// prev.Version+1 in one transaction. The latest row is locked first; if it is
// no longer prev the update fails with model.ErrVersionConflict. An
// expiration already earlier than next.EffectiveDate is left alone.
func (r *ParameterRepository) UpdateParameter(ctx context.Context, prev, next *model.ParameterValue) (*model.ParameterValue, error) {
	var saved *model.ParameterValue
	err := execTx(ctx, r.pool, func(tx pgx.Tx) error {
		latest, err := lockLatest(ctx, tx, prev.Key())
		if err != nil {
			return err
		}
		if latest == nil || latest.Version != prev.Version {
			return model.ErrVersionConflict
		}

		if latest.UnexpiredAt(next.EffectiveDate) {
			if _, err := tx.Exec(ctx,
				`UPDATE parameter_values SET expiration_date = $1, updated_at = $2 WHERE id = $3`,
				next.EffectiveDate, r.now(), latest.ID); err != nil {
				return fmt.Errorf("close version %d: %w", latest.Version, err)
			}
		}

		saved, err = r.insert(ctx, tx, next, latest.Version+1)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *ParameterRepository) insert(ctx context.Context, tx pgx.Tx, v *model.ParameterValue, version int) (*model.ParameterValue, error) {
	raw, err := json.Marshal(v.Value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	id := v.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := r.now()
	saved, err := scanValue(tx.QueryRow(ctx,
		`INSERT INTO parameter_values (id, entity_type, entity_id, parameter_name, value, version,
			effective_date, expiration_date, created_by, change_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		RETURNING `+valueColumns,
		id, string(v.EntityType), v.EntityID, v.ParameterName, raw, version,
		v.EffectiveDate, v.ExpirationDate, v.CreatedBy, v.ChangeReason, now))
	if err != nil {
		return nil, fmt.Errorf("insert version %d: %w", version, err)
	}
	return saved, nil
}

// DeleteParameter closes prev at at. It fails with model.ErrVersionConflict
// when prev was already closed at or before that instant.
func (r *ParameterRepository) DeleteParameter(ctx context.Context, prev *model.ParameterValue, at time.Time) (*model.ParameterValue, error) {
	v, err := scanValue(r.pool.QueryRow(ctx,
		`UPDATE parameter_values
		SET expiration_date = $5, updated_at = $6
		WHERE entity_type = $1 AND entity_id = $2 AND parameter_name = $3 AND version = $4
		  AND (expiration_date IS NULL OR expiration_date > $5)
		RETURNING `+valueColumns,
		string(prev.EntityType), prev.EntityID, prev.ParameterName, prev.Version, at, r.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrVersionConflict
	}
	if err != nil {
		return nil, mapDBError(fmt.Errorf("close version %d: %w", prev.Version, err))
	}
	return v, nil
}

const definitionColumns = `name, data_type, default_value, validation_rules, overridable, category,
	sensitivity, audit_required, description, created_at, updated_at`

func scanDefinition(row pgx.Row) (*model.ParameterDefinition, error) {
	def := &model.ParameterDefinition{}
	var dataType, sensitivity string
	var defaultRaw, rulesRaw []byte
	err := row.Scan(&def.Name, &dataType, &defaultRaw, &rulesRaw, &def.Overridable, &def.Category,
		&sensitivity, &def.AuditRequired, &def.Description, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.DataType = model.DataType(dataType)
	def.Sensitivity = model.Sensitivity(sensitivity)
	if err := json.Unmarshal(defaultRaw, &def.DefaultValue); err != nil {
		return nil, fmt.Errorf("decode default of %s: %w", def.Name, err)
	}
	if err := json.Unmarshal(rulesRaw, &def.ValidationRules); err != nil {
		return nil, fmt.Errorf("decode rules of %s: %w", def.Name, err)
	}
	return def, nil
}

func (r *ParameterRepository) FindParameterDefinition(ctx context.Context, name string) (*model.ParameterDefinition, error) {
	def, err := scanDefinition(r.pool.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM parameter_definitions WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find definition %s: %w", name, err)
	}
	return def, nil
}

func (r *ParameterRepository) GetAllParameterDefinitions(ctx context.Context) ([]*model.ParameterDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+definitionColumns+` FROM parameter_definitions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	defer rows.Close()

	var defs []*model.ParameterDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (r *ParameterRepository) UpsertParameterDefinition(ctx context.Context, def *model.ParameterDefinition) (*model.ParameterDefinition, error) {
	defaultRaw, err := json.Marshal(def.DefaultValue)
	if err != nil {
		return nil, fmt.Errorf("encode default: %w", err)
	}
	rules := def.ValidationRules
	if rules == nil {
		rules = []model.ValidationRule{}
	}
	rulesRaw, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("encode rules: %w", err)
	}

	now := r.now()
	saved, err := scanDefinition(r.pool.QueryRow(ctx,
		`INSERT INTO parameter_definitions (name, data_type, default_value, validation_rules, overridable,
			category, sensitivity, audit_required, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (name) DO UPDATE SET
			data_type = EXCLUDED.data_type,
			default_value = EXCLUDED.default_value,
			validation_rules = EXCLUDED.validation_rules,
			overridable = EXCLUDED.overridable,
			category = EXCLUDED.category,
			sensitivity = EXCLUDED.sensitivity,
			audit_required = EXCLUDED.audit_required,
			description = EXCLUDED.description,
			updated_at = EXCLUDED.updated_at
		RETURNING `+definitionColumns,
		def.Name, string(def.DataType), defaultRaw, rulesRaw, def.Overridable,
		def.Category, string(def.Sensitivity), def.AuditRequired, def.Description, now))
	if err != nil {
		return nil, mapDBError(fmt.Errorf("upsert definition %s: %w", def.Name, err))
	}
	return saved, nil
}
