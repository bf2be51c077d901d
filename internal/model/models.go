package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EntityType string

const (
	EntityMerchant     EntityType = "MERCHANT"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityProgram      EntityType = "PROGRAM"
	EntityBank         EntityType = "BANK"
)

// EntityTypes lists the hierarchy from most to least specific.
var EntityTypes = []EntityType{EntityMerchant, EntityOrganization, EntityProgram, EntityBank}

func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

func (t EntityType) Valid() bool {
	return t.Depth() >= 0
}

// Depth is 0 for MERCHANT and 3 for BANK, -1 for unknown types.
func (t EntityType) Depth() int {
	switch t {
	case EntityMerchant:
		return 0
	case EntityOrganization:
		return 1
	case EntityProgram:
		return 2
	case EntityBank:
		return 3
	}
	return -1
}

type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeDecimal DataType = "decimal"
	DataTypeBoolean DataType = "boolean"
	DataTypeJSON    DataType = "json"
	DataTypeArray   DataType = "array"
)

func (d DataType) Valid() bool {
	switch d {
	case DataTypeString, DataTypeNumber, DataTypeDecimal, DataTypeBoolean, DataTypeJSON, DataTypeArray:
		return true
	}
	return false
}

type RuleKind string

const (
	RuleRange   RuleKind = "range"
	RulePattern RuleKind = "pattern"
	RuleEnum    RuleKind = "enum"
	RuleLength  RuleKind = "length"
	RuleCustom  RuleKind = "custom"
)

type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivityConfidential Sensitivity = "confidential"
)

// ValidationRule is one entry of a definition's ordered rule list. Spec holds
// the kind-specific arguments, e.g. {"min":0,"max":100} for a range rule.
type ValidationRule struct {
	Kind RuleKind        `json:"kind" yaml:"kind"`
	Spec json.RawMessage `json:"spec" yaml:"-"`
}

type ParameterDefinition struct {
	Name            string           `json:"name"`
	DataType        DataType         `json:"data_type"`
	DefaultValue    any              `json:"default_value"`
	ValidationRules []ValidationRule `json:"validation_rules,omitempty"`
	Overridable     bool             `json:"overridable"`
	Category        string           `json:"category"`
	Sensitivity     Sensitivity      `json:"sensitivity"`
	AuditRequired   bool             `json:"audit_required"`
	Description     string           `json:"description,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DefinitionPatch enumerates the mutable fields of a definition. Nil fields are
// left untouched. Name is immutable and therefore absent.
type DefinitionPatch struct {
	DataType        *DataType
	DefaultValue    *any
	ValidationRules *[]ValidationRule
	Overridable     *bool
	Category        *string
	Sensitivity     *Sensitivity
	AuditRequired   *bool
	Description     *string
}

func (p DefinitionPatch) Apply(def *ParameterDefinition) {
	if p.DataType != nil {
		def.DataType = *p.DataType
	}
	if p.DefaultValue != nil {
		def.DefaultValue = *p.DefaultValue
	}
	if p.ValidationRules != nil {
		def.ValidationRules = *p.ValidationRules
	}
	if p.Overridable != nil {
		def.Overridable = *p.Overridable
	}
	if p.Category != nil {
		def.Category = *p.Category
	}
	if p.Sensitivity != nil {
		def.Sensitivity = *p.Sensitivity
	}
	if p.AuditRequired != nil {
		def.AuditRequired = *p.AuditRequired
	}
	if p.Description != nil {
		def.Description = *p.Description
	}
}

type ParameterKey struct {
	EntityType EntityType
	EntityID   string
	Name       string
}

func (k ParameterKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Name, k.EntityType, k.EntityID)
}

type ParameterValue struct {
	ID             string     `json:"id"`
	EntityType     EntityType `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	ParameterName  string     `json:"parameter_name"`
	Value          any        `json:"value"`
	Version        int        `json:"version"`
	EffectiveDate  time.Time  `json:"effective_date"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	CreatedBy      string     `json:"created_by"`
	ChangeReason   string     `json:"change_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (v *ParameterValue) Key() ParameterKey {
	return ParameterKey{EntityType: v.EntityType, EntityID: v.EntityID, Name: v.ParameterName}
}

// ActiveAt reports whether the version is in force at t: effective on or
// before t and not yet expired.
func (v *ParameterValue) ActiveAt(t time.Time) bool {
	return !v.EffectiveDate.After(t) && v.UnexpiredAt(t)
}

// UnexpiredAt reports whether the version still covers some instant at or
// after t, ignoring whether it has taken effect yet.
func (v *ParameterValue) UnexpiredAt(t time.Time) bool {
	return v.ExpirationDate == nil || v.ExpirationDate.After(t)
}

// SetMetadata carries the write-side attributes of SetParameter.
type SetMetadata struct {
	CreatedBy      string
	EffectiveDate  *time.Time
	ExpirationDate *time.Time
	Reason         string
}

type HierarchyLevel struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
}

func (l HierarchyLevel) String() string {
	return string(l.EntityType) + ":" + l.EntityID
}

// InheritanceChain is ordered from the requesting entity up to its bank.
type InheritanceChain []HierarchyLevel

// Validate checks the chain starts at entityID, has strictly increasing
// depth and terminates at BANK.
func (c InheritanceChain) Validate(entityID string) error {
	if len(c) == 0 {
		return fmt.Errorf("empty inheritance chain for %q", entityID)
	}
	if c[0].EntityID != entityID {
		return fmt.Errorf("inheritance chain for %q starts at %s", entityID, c[0])
	}
	prev := -1
	for _, lvl := range c {
		d := lvl.EntityType.Depth()
		if d <= prev {
			return fmt.Errorf("inheritance chain for %q out of order at %s", entityID, lvl)
		}
		prev = d
	}
	if c[len(c)-1].EntityType != EntityBank {
		return fmt.Errorf("inheritance chain for %q does not terminate at BANK", entityID)
	}
	return nil
}

func (c InheritanceChain) Contains(entityType EntityType, entityID string) bool {
	for _, lvl := range c {
		if lvl.EntityType == entityType && lvl.EntityID == entityID {
			return true
		}
	}
	return false
}

const SourceDefault = "DEFAULT"

type ResolvedParameter struct {
	Definition       *ParameterDefinition `json:"definition"`
	Value            any                  `json:"value"`
	SourceEntityType EntityType           `json:"source_entity_type,omitempty"`
	SourceEntityID   string               `json:"source_entity_id,omitempty"`
	Version          int                  `json:"version,omitempty"`
	IsDefault        bool                 `json:"is_default"`
}

// Clone copies r and its definition so the copy can be handed to a caller
// without sharing mutable state. Value and DefaultValue are not deep-copied.
func (r *ResolvedParameter) Clone() *ResolvedParameter {
	if r == nil {
		return nil
	}
	c := *r
	if r.Definition != nil {
		def := *r.Definition
		def.ValidationRules = append([]ValidationRule(nil), r.Definition.ValidationRules...)
		c.Definition = &def
	}
	return &c
}

// Source renders the level that supplied the value, e.g. "ORGANIZATION:org1".
func (r *ResolvedParameter) Source() string {
	if r.IsDefault {
		return SourceDefault
	}
	return string(r.SourceEntityType) + ":" + r.SourceEntityID
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}
