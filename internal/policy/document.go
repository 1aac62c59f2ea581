package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"verdict/pkg/cel"
	"verdict/pkg/metrics"
)

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Document is the decoded form of a version's policy content: an
// ordered list of clauses evaluated top to bottom, first match wins.
type Document struct {
	Version int      `json:"version,omitempty"`
	Clauses []Clause `json:"clauses"`
}

// Clause maps a set of predicates to an effect. Empty predicate fields
// match any context value; all populated predicates must hold for the
// clause to match.
type Clause struct {
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	Effect          string   `json:"effect"`
	Roles           []string `json:"roles,omitempty"`
	Actions         []string `json:"actions,omitempty"`
	ResourceTypes   []string `json:"resource_types,omitempty"`
	OwnResourceOnly bool     `json:"own_resource_only,omitempty"`
	AmountMax       *float64 `json:"amount_max,omitempty"`
	AmountExclusive bool     `json:"amount_exclusive,omitempty"`
	When            string   `json:"when,omitempty"`
}

// DecodeDocument parses stored policy content. Content that cannot be
// decoded degrades to an empty document so evaluation keeps its
// default-deny behavior instead of failing.
func DecodeDocument(content json.RawMessage) Document {
	var doc Document
	if len(content) == 0 {
		return Document{}
	}
	if err := json.Unmarshal(content, &doc); err != nil {
		metrics.ContentDecodeFailuresTotal.Inc()
		return Document{}
	}
	return doc
}

// Validator rejects malformed policy documents before they are stored.
type Validator struct {
	evaluator *cel.Evaluator
}

func NewValidator(evaluator *cel.Evaluator) *Validator {
	return &Validator{evaluator: evaluator}
}

func (v *Validator) Validate(content json.RawMessage) error {
	decoder := json.NewDecoder(bytes.NewReader(content))
	decoder.DisallowUnknownFields()

	var doc Document
	if err := decoder.Decode(&doc); err != nil {
		return fmt.Errorf("content is not a valid policy document: %w", err)
	}

	seen := make(map[string]bool)
	for i, clause := range doc.Clauses {
		if strings.TrimSpace(clause.Name) == "" {
			return fmt.Errorf("clause %d: name is required", i)
		}
		if seen[clause.Name] {
			return fmt.Errorf("clause '%s': duplicate name", clause.Name)
		}
		seen[clause.Name] = true

		if clause.Effect != EffectAllow && clause.Effect != EffectDeny {
			return fmt.Errorf("clause '%s': effect must be allow or deny", clause.Name)
		}
		if clause.AmountMax != nil && *clause.AmountMax < 0 {
			return fmt.Errorf("clause '%s': amount_max must be non-negative", clause.Name)
		}
		if clause.When != "" && v.evaluator != nil {
			if err := v.evaluator.ValidateExpression(clause.When); err != nil {
				return fmt.Errorf("clause '%s': %w", clause.Name, err)
			}
		}
	}

	return nil
}
