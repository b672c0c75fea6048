// Package repository provides typed CRUD over the versioned schema documents
// stored in the version store. It owns per-entity validation rules and
// referential integrity; commit orchestration lives in the schema service.
package repository

import (
	"encoding/json"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Entity type names as stored in the version table.
const (
	TypeObjectType     = "object_type"
	TypeProperty       = "property"
	TypeLinkType       = "link_type"
	TypeInterface      = "interface"
	TypeSharedProperty = "shared_property"
	TypeActionType     = "action_type"
	TypeFunctionType   = "function_type"
	TypeDataType       = "data_type"
)

// EntityTypes lists every schema entity type.
func EntityTypes() []string {
	return []string{
		TypeObjectType, TypeProperty, TypeLinkType, TypeInterface,
		TypeSharedProperty, TypeActionType, TypeFunctionType, TypeDataType,
	}
}

// Status values for schema entities.
const (
	StatusActive     = "active"
	StatusDeprecated = "deprecated"
	StatusDeleted    = "deleted"
)

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	colorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// Property is a field definition on an ObjectType or Interface.
type Property struct {
	Name             string `json:"name"`
	DisplayName      string `json:"displayName,omitempty"`
	DataTypeID       string `json:"dataTypeId"`
	Required         bool   `json:"required,omitempty"`
	PrimaryKey       bool   `json:"primaryKey,omitempty"`
	SharedPropertyID string `json:"sharedPropertyId,omitempty"`
	Description      string `json:"description,omitempty"`
}

// Validate applies field rules for a property.
func (p Property) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&p.DataTypeID, validation.Required),
	)
}

// ObjectType is the central schema entity: a named type with properties.
type ObjectType struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName"`
	Description string     `json:"description,omitempty"`
	TypeClass   string     `json:"typeClass,omitempty"`
	Color       string     `json:"color,omitempty"`
	Status      string     `json:"status,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Properties  []Property `json:"properties,omitempty"`
	Implements  []string   `json:"implements,omitempty"`
}

// Validate applies field rules plus the single-primary-key invariant.
func (o ObjectType) Validate() error {
	err := validation.ValidateStruct(&o,
		validation.Field(&o.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&o.DisplayName, validation.Required),
		validation.Field(&o.Color, validation.When(o.Color != "", validation.Match(colorRe))),
	)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	pkCount := 0
	for _, p := range o.Properties {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("property %q: %w", p.Name, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate property name %q", p.Name)
		}
		seen[p.Name] = true
		if p.PrimaryKey {
			pkCount++
		}
	}
	if pkCount > 1 {
		return fmt.Errorf("object type %q has %d primary key properties, at most one allowed", o.Name, pkCount)
	}
	return nil
}

// PrimaryKeyProperty returns the PK property, if any.
func (o ObjectType) PrimaryKeyProperty() *Property {
	for i := range o.Properties {
		if o.Properties[i].PrimaryKey {
			return &o.Properties[i]
		}
	}
	return nil
}

// LinkType connects two object types.
type LinkType struct {
	Name             string `json:"name"`
	DisplayName      string `json:"displayName"`
	Description      string `json:"description,omitempty"`
	SourceObjectType string `json:"sourceObjectType"`
	TargetObjectType string `json:"targetObjectType"`
	Cardinality      string `json:"cardinality,omitempty"`
	Status           string `json:"status,omitempty"`
}

// Validate applies field rules. Endpoint existence is a cross-entity check
// performed by the repository.
func (l LinkType) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&l.DisplayName, validation.Required),
		validation.Field(&l.SourceObjectType, validation.Required),
		validation.Field(&l.TargetObjectType, validation.Required),
		validation.Field(&l.Cardinality, validation.In("", "ONE_TO_ONE", "ONE_TO_MANY", "MANY_TO_MANY")),
	)
}

// Interface is a contract object types can implement. Parents form a DAG.
type Interface struct {
	Name        string     `json:"name"`
	DisplayName string     `json:"displayName"`
	Description string     `json:"description,omitempty"`
	Parents     []string   `json:"parents,omitempty"`
	Properties  []Property `json:"properties,omitempty"`
	Status      string     `json:"status,omitempty"`
}

// Validate applies field rules. Parent existence and cycle detection are
// cross-entity checks.
func (i Interface) Validate() error {
	err := validation.ValidateStruct(&i,
		validation.Field(&i.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&i.DisplayName, validation.Required),
	)
	if err != nil {
		return err
	}
	for _, p := range i.Parents {
		if p == i.Name {
			return fmt.Errorf("interface %q cannot be its own parent", i.Name)
		}
	}
	for _, p := range i.Properties {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("property %q: %w", p.Name, err)
		}
	}
	return nil
}

// SharedProperty is a property definition reusable across object types.
type SharedProperty struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	DataTypeID  string `json:"dataTypeId"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Validate applies field rules.
func (s SharedProperty) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&s.DisplayName, validation.Required),
		validation.Field(&s.DataTypeID, validation.Required),
	)
}

// ActionType describes an operation users can run against the ontology.
type ActionType struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description,omitempty"`
	References  []string `json:"references,omitempty"`
	Status      string   `json:"status,omitempty"`
}

// Validate applies field rules plus the self-reference guard.
func (a ActionType) Validate() error {
	err := validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&a.DisplayName, validation.Required),
	)
	if err != nil {
		return err
	}
	for _, ref := range a.References {
		if ref == a.Name {
			return fmt.Errorf("action type %q cannot reference itself", a.Name)
		}
	}
	return nil
}

// FunctionParam is one parameter of a function type.
type FunctionParam struct {
	Name       string `json:"name"`
	DataTypeID string `json:"dataTypeId"`
	Required   bool   `json:"required,omitempty"`
}

// FunctionRuntime bounds a function's execution environment.
type FunctionRuntime struct {
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
	MemoryMB       int `json:"memoryMb,omitempty"`
}

// Runtime bounds.
const (
	MinFunctionTimeoutSeconds = 1
	MaxFunctionTimeoutSeconds = 900
	MinFunctionMemoryMB       = 128
	MaxFunctionMemoryMB       = 10240
)

// FunctionType describes a server-side function exposed by the ontology.
type FunctionType struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description,omitempty"`
	Parameters  []FunctionParam `json:"parameters,omitempty"`
	Runtime     FunctionRuntime `json:"runtime,omitempty"`
	Status      string          `json:"status,omitempty"`
}

// Validate applies field rules, unique parameter names, and runtime bounds.
func (f FunctionType) Validate() error {
	err := validation.ValidateStruct(&f,
		validation.Field(&f.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&f.DisplayName, validation.Required),
	)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, p := range f.Parameters {
		if !nameRe.MatchString(p.Name) {
			return fmt.Errorf("invalid parameter name %q", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
	}

	if f.Runtime.TimeoutSeconds != 0 &&
		(f.Runtime.TimeoutSeconds < MinFunctionTimeoutSeconds || f.Runtime.TimeoutSeconds > MaxFunctionTimeoutSeconds) {
		return fmt.Errorf("runtime timeout %ds out of bounds [%d, %d]",
			f.Runtime.TimeoutSeconds, MinFunctionTimeoutSeconds, MaxFunctionTimeoutSeconds)
	}
	if f.Runtime.MemoryMB != 0 &&
		(f.Runtime.MemoryMB < MinFunctionMemoryMB || f.Runtime.MemoryMB > MaxFunctionMemoryMB) {
		return fmt.Errorf("runtime memory %dMB out of bounds [%d, %d]",
			f.Runtime.MemoryMB, MinFunctionMemoryMB, MaxFunctionMemoryMB)
	}
	return nil
}

// DataType is a primitive or composite value type referenced by properties.
type DataType struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	BaseType    string `json:"baseType"`
	Status      string `json:"status,omitempty"`
}

// Validate applies field rules.
func (d DataType) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Name, validation.Required, validation.Match(nameRe)),
		validation.Field(&d.BaseType, validation.Required),
	)
}

// ToDocument converts a typed entity to its document map form.
func ToDocument(entity interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to build document: %w", err)
	}
	return doc, nil
}

// FromDocument decodes a document map into the typed entity out.
func FromDocument(doc map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode entity: %w", err)
	}
	return nil
}

// ValidName reports whether name satisfies the entity naming rule.
func ValidName(name string) bool {
	return nameRe.MatchString(name)
}
