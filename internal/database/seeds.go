package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/brikpay/refund-params/internal/model"
	"github.com/brikpay/refund-params/seeddata"
)

type catalogRule struct {
	Kind string         `yaml:"kind"`
	Spec map[string]any `yaml:"spec"`
}

type catalogDefinition struct {
	Name          string        `yaml:"name"`
	DataType      string        `yaml:"data_type"`
	Default       any           `yaml:"default"`
	Rules         []catalogRule `yaml:"rules"`
	Overridable   bool          `yaml:"overridable"`
	Category      string        `yaml:"category"`
	Sensitivity   string        `yaml:"sensitivity"`
	AuditRequired bool          `yaml:"audit_required"`
	Description   string        `yaml:"description"`
}

type catalogMerchant struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type catalogOrganization struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Merchants []catalogMerchant `yaml:"merchants"`
}

type catalogProgram struct {
	ID            string                `yaml:"id"`
	Name          string                `yaml:"name"`
	Organizations []catalogOrganization `yaml:"organizations"`
}

type catalogBank struct {
	ID       string           `yaml:"id"`
	Name     string           `yaml:"name"`
	Programs []catalogProgram `yaml:"programs"`
}

// Catalog is the seed file: parameter definitions plus an optional entity
// hierarchy.
type Catalog struct {
	Definitions []catalogDefinition `yaml:"definitions"`
	Banks       []catalogBank       `yaml:"banks"`
}

// LoadCatalog reads a YAML catalog from path, or the embedded catalog when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	raw := seeddata.CatalogYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		raw = b
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(c.Definitions))
	for _, d := range c.Definitions {
		if d.Name == "" {
			return nil, fmt.Errorf("parse catalog: definition without name")
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("parse catalog: duplicate definition %s", d.Name)
		}
		seen[d.Name] = true
	}
	return &c, nil
}

func (c *Catalog) ParameterDefinitions() ([]*model.ParameterDefinition, error) {
	defs := make([]*model.ParameterDefinition, 0, len(c.Definitions))
	for _, d := range c.Definitions {
		rules := make([]model.ValidationRule, 0, len(d.Rules))
		for _, r := range d.Rules {
			spec, err := json.Marshal(r.Spec)
			if err != nil {
				return nil, fmt.Errorf("encode %s rule %s: %w", d.Name, r.Kind, err)
			}
			rules = append(rules, model.ValidationRule{Kind: model.RuleKind(r.Kind), Spec: spec})
		}
		defs = append(defs, &model.ParameterDefinition{
			Name:            d.Name,
			DataType:        model.DataType(d.DataType),
			DefaultValue:    d.Default,
			ValidationRules: rules,
			Overridable:     d.Overridable,
			Category:        d.Category,
			Sensitivity:     model.Sensitivity(d.Sensitivity),
			AuditRequired:   d.AuditRequired,
			Description:     d.Description,
		})
	}
	return defs, nil
}

// HierarchyBuilder receives catalog entities parents first.
type HierarchyBuilder interface {
	AddBank(bankID string)
	AddProgram(programID, bankID string)
	AddOrganization(orgID, programID string)
	AddMerchant(merchantID, orgID string)
}

func (c *Catalog) ApplyHierarchy(b HierarchyBuilder) {
	for _, bank := range c.Banks {
		b.AddBank(bank.ID)
		for _, p := range bank.Programs {
			b.AddProgram(p.ID, bank.ID)
			for _, o := range p.Organizations {
				b.AddOrganization(o.ID, p.ID)
				for _, m := range o.Merchants {
					b.AddMerchant(m.ID, o.ID)
				}
			}
		}
	}
}

// SeedDefinitions upserts every catalog definition through upsert, at most
// concurrency at a time.
func SeedDefinitions(ctx context.Context, c *Catalog, concurrency int,
	upsert func(context.Context, *model.ParameterDefinition) (*model.ParameterDefinition, error)) error {
	defs, err := c.ParameterDefinitions()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, def := range defs {
		def := def
		g.Go(func() error {
			if _, err := upsert(gctx, def); err != nil {
				return fmt.Errorf("seed definition %s: %w", def.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Int("count", len(defs)).Msg("seeded parameter definitions")
	return nil
}

type pgHierarchySeeder struct {
	batch *pgx.Batch
	names map[string]string
}

func (s *pgHierarchySeeder) AddBank(bankID string) {
	s.batch.Queue(`INSERT INTO banks (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, bankID, s.names[bankID])
}

func (s *pgHierarchySeeder) AddProgram(programID, bankID string) {
	s.batch.Queue(`INSERT INTO programs (id, bank_id, name) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		programID, bankID, s.names[programID])
}

func (s *pgHierarchySeeder) AddOrganization(orgID, programID string) {
	s.batch.Queue(`INSERT INTO organizations (id, program_id, name) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		orgID, programID, s.names[orgID])
}

func (s *pgHierarchySeeder) AddMerchant(merchantID, orgID string) {
	s.batch.Queue(`INSERT INTO merchants (id, organization_id, name) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		merchantID, orgID, s.names[merchantID])
}

func (c *Catalog) entityNames() map[string]string {
	names := make(map[string]string)
	for _, bank := range c.Banks {
		names[bank.ID] = bank.Name
		for _, p := range bank.Programs {
			names[p.ID] = p.Name
			for _, o := range p.Organizations {
				names[o.ID] = o.Name
				for _, m := range o.Merchants {
					names[m.ID] = m.Name
				}
			}
		}
	}
	return names
}

// SeedHierarchy inserts the catalog's entities in one transaction. Existing
// ids are left untouched.
func SeedHierarchy(ctx context.Context, pool *pgxpool.Pool, c *Catalog) error {
	if len(c.Banks) == 0 {
		return nil
	}

	seeder := &pgHierarchySeeder{batch: &pgx.Batch{}, names: c.entityNames()}
	c.ApplyHierarchy(seeder)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, seeder.batch)
	for i := 0; i < seeder.batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("insert entity %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit hierarchy: %w", err)
	}

	log.Info().Int("entities", seeder.batch.Len()).Msg("seeded entity hierarchy")
	return nil
}
