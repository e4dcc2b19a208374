package document

import (
	"errors"
	"fmt"
)

var ErrInvalidDocument = errors.New("invalid document")

// ValidationError points at the node and field that failed validation.
type ValidationError struct {
	NodeID string `json:"nodeId,omitempty"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("invalid document: %s", e.Reason)
	}
	return fmt.Sprintf("invalid document: node %s: %s: %s", e.NodeID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDocument }

// Validator checks a document against the external node contract.
type Validator interface {
	Validate(Document) error
}

type ValidatorFunc func(Document) error

func (f ValidatorFunc) Validate(doc Document) error { return f(doc) }

// StructuralValidator enforces the minimal contract the engine needs:
// every node has a unique non-empty id and a type, and the tree is bounded.
type StructuralValidator struct {
	MaxDepth int
	MaxNodes int
}

func (v StructuralValidator) Validate(doc Document) error {
	seen := make(map[string]struct{})
	var failure *ValidationError
	count := 0
	doc.Walk(func(node Node, parentID string, index, depth int) {
		if failure != nil {
			return
		}
		count++
		switch {
		case node.ID == "":
			failure = &ValidationError{NodeID: parentID, Field: "children", Reason: fmt.Sprintf("child %d has no id", index)}
		case node.Type == "":
			failure = &ValidationError{NodeID: node.ID, Field: "type", Reason: "type is required"}
		case v.MaxDepth > 0 && depth >= v.MaxDepth:
			failure = &ValidationError{NodeID: node.ID, Field: "children", Reason: fmt.Sprintf("depth exceeds %d", v.MaxDepth)}
		}
		if failure != nil {
			return
		}
		if _, dup := seen[node.ID]; dup {
			failure = &ValidationError{NodeID: node.ID, Field: "id", Reason: "duplicate id"}
			return
		}
		seen[node.ID] = struct{}{}
	})
	if failure != nil {
		return failure
	}
	if v.MaxNodes > 0 && count > v.MaxNodes {
		return &ValidationError{Reason: fmt.Sprintf("document has %d nodes, limit is %d", count, v.MaxNodes)}
	}
	return nil
}

// Chain runs validators in order and returns the first failure.
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(doc Document) error {
		for _, validator := range validators {
			if validator == nil {
				continue
			}
			if err := validator.Validate(doc); err != nil {
				return err
			}
		}
		return nil
	})
}
