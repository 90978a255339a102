package contracts

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// draftDocument is the YAML authoring format for drafts. Omitted sections
// keep the factory defaults of the chosen contract type.
type draftDocument struct {
	CreatedBy    string `yaml:"created_by"`
	ContractType Type   `yaml:"contract_type"`
	Scope        *struct {
		Domains        []string         `yaml:"domains"`
		Contexts       []string         `yaml:"contexts"`
		Tools          []string         `yaml:"tools"`
		MaxAbstraction AbstractionLevel `yaml:"max_abstraction"`
		Transferable   bool             `yaml:"transferable"`
	} `yaml:"scope"`
	MemoryPermissions   *memoryPermissionsRecord `yaml:"memory_permissions"`
	GeneralizationRules *struct {
		Allowed    bool     `yaml:"allowed"`
		Conditions []string `yaml:"conditions"`
	} `yaml:"generalization_rules"`
	RecallRules *struct {
		RequiresOwner   bool         `yaml:"requires_owner"`
		BoundaryModeMin BoundaryMode `yaml:"boundary_mode_min"`
	} `yaml:"recall_rules"`
	Expiration *time.Time     `yaml:"expiration"`
	Revocable  *bool          `yaml:"revocable"`
	Metadata   map[string]any `yaml:"metadata"`
}

// DecodeDraftYAML reads a YAML draft. Unknown fields are rejected so typos
// cannot silently widen a grant.
func DecodeDraftYAML(r io.Reader) (Draft, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc draftDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Draft{}, errors.New("contracts: empty draft document")
		}
		return Draft{}, fmt.Errorf("contracts: decode draft: %w", err)
	}
	if doc.ContractType == "" {
		return Draft{}, errors.New("contracts: draft is missing contract_type")
	}

	var scope Scope
	if doc.Scope != nil {
		scope = Scope{
			Domains:        doc.Scope.Domains,
			Contexts:       doc.Scope.Contexts,
			Tools:          doc.Scope.Tools,
			MaxAbstraction: doc.Scope.MaxAbstraction,
			Transferable:   doc.Scope.Transferable,
		}
	}

	d, err := NewDraft(doc.ContractType, doc.CreatedBy, scope)
	if err != nil {
		return Draft{}, fmt.Errorf("contracts: %w", err)
	}
	if doc.MemoryPermissions != nil {
		d.MemoryPermissions = doc.MemoryPermissions.permissions()
	}
	if doc.GeneralizationRules != nil {
		d.GeneralizationRules = GeneralizationRules{
			Allowed:    doc.GeneralizationRules.Allowed,
			Conditions: doc.GeneralizationRules.Conditions,
		}
	}
	if doc.RecallRules != nil {
		d.RecallRules = RecallRules{
			RequiresOwner:   doc.RecallRules.RequiresOwner,
			BoundaryModeMin: doc.RecallRules.BoundaryModeMin,
		}
	}
	if doc.Expiration != nil {
		t := doc.Expiration.UTC()
		d.Expiration = &t
	}
	if doc.Revocable != nil {
		d.Revocable = *doc.Revocable
	}
	d.Metadata = doc.Metadata
	return d, nil
}

// DecodeDraftYAMLBytes is DecodeDraftYAML over a byte slice.
func DecodeDraftYAMLBytes(data []byte) (Draft, error) {
	return DecodeDraftYAML(bytes.NewReader(data))
}

// amendmentDocument is the YAML authoring format for amendments. A section
// that is present replaces the whole corresponding part of the contract.
type amendmentDocument struct {
	Scope *struct {
		Domains        []string         `yaml:"domains"`
		Contexts       []string         `yaml:"contexts"`
		Tools          []string         `yaml:"tools"`
		MaxAbstraction AbstractionLevel `yaml:"max_abstraction"`
		Transferable   bool             `yaml:"transferable"`
	} `yaml:"scope"`
	MemoryPermissions   *memoryPermissionsRecord `yaml:"memory_permissions"`
	GeneralizationRules *struct {
		Allowed    bool     `yaml:"allowed"`
		Conditions []string `yaml:"conditions"`
	} `yaml:"generalization_rules"`
	RecallRules *struct {
		RequiresOwner   bool         `yaml:"requires_owner"`
		BoundaryModeMin BoundaryMode `yaml:"boundary_mode_min"`
	} `yaml:"recall_rules"`
	Expiration      *time.Time     `yaml:"expiration"`
	ClearExpiration bool           `yaml:"clear_expiration"`
	Metadata        map[string]any `yaml:"metadata"`
}

// DecodeAmendmentYAML reads a YAML amendment. Unknown fields are rejected.
func DecodeAmendmentYAML(r io.Reader) (Amendment, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc amendmentDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Amendment{}, errors.New("contracts: empty amendment document")
		}
		return Amendment{}, fmt.Errorf("contracts: decode amendment: %w", err)
	}
	if doc.ClearExpiration && doc.Expiration != nil {
		return Amendment{}, errors.New("contracts: amendment sets both expiration and clear_expiration")
	}

	var a Amendment
	if doc.Scope != nil {
		a.Scope = &Scope{
			Domains:        doc.Scope.Domains,
			Contexts:       doc.Scope.Contexts,
			Tools:          doc.Scope.Tools,
			MaxAbstraction: doc.Scope.MaxAbstraction,
			Transferable:   doc.Scope.Transferable,
		}
	}
	if doc.MemoryPermissions != nil {
		mp := doc.MemoryPermissions.permissions()
		a.MemoryPermissions = &mp
	}
	if doc.GeneralizationRules != nil {
		a.GeneralizationRules = &GeneralizationRules{
			Allowed:    doc.GeneralizationRules.Allowed,
			Conditions: doc.GeneralizationRules.Conditions,
		}
	}
	if doc.RecallRules != nil {
		a.RecallRules = &RecallRules{
			RequiresOwner:   doc.RecallRules.RequiresOwner,
			BoundaryModeMin: doc.RecallRules.BoundaryModeMin,
		}
	}
	if doc.Expiration != nil {
		t := doc.Expiration.UTC()
		a.Expiration = &t
	}
	a.ClearExpiration = doc.ClearExpiration
	a.Metadata = doc.Metadata
	if len(a.Fields()) == 0 {
		return Amendment{}, errors.New("contracts: amendment changes nothing")
	}
	return a, nil
}
