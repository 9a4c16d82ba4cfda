// Package identity computes task identity hashes for submission
// deduplication. Two requests whose configured identity fields are equal
// hash to the same value, so the store's unique index on
// tasks.identity_hash collapses them to one task.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jcoletaylor/tasker-sub003/internal/domain"
	"github.com/jcoletaylor/tasker-sub003/internal/errors"
)

// Strategy computes a task's identity hash from a submission request.
// Implementations must be deterministic: the same request always yields the
// same hash.
type Strategy interface {
	// Hash returns the identity hash for the request.
	Hash(req *domain.TaskRequest) (string, error)
}

// Field names accepted in the identity field configuration.
const (
	FieldNamespace    = "namespace"
	FieldName         = "name"
	FieldVersion      = "version"
	FieldContext      = "context"
	FieldInitiator    = "initiator"
	FieldSourceSystem = "source_system"
	FieldReason       = "reason"
	FieldTags         = "tags"
)

// DefaultFields is the identity field list used when configuration does not
// override it.
//
//nolint:gochecknoglobals // Read-only default shared with the config package
var DefaultFields = []string{
	FieldNamespace,
	FieldName,
	FieldVersion,
	FieldContext,
	FieldInitiator,
	FieldSourceSystem,
	FieldReason,
}

// SHA256 is the default Strategy: a SHA-256 over a canonical JSON document
// of the configured fields.
type SHA256 struct {
	fields []string
}

// NewSHA256 builds a SHA256 strategy over the given ordered field list.
// Unknown field names and empty lists are rejected.
func NewSHA256(fields []string) (*SHA256, error) {
	if len(fields) == 0 {
		return nil, errors.Wrap(errors.ErrEmptyValue, "identity fields")
	}
	for _, f := range fields {
		switch f {
		case FieldNamespace, FieldName, FieldVersion, FieldContext,
			FieldInitiator, FieldSourceSystem, FieldReason, FieldTags:
		default:
			return nil, errors.Wrapf(errors.ErrInvalidArgument, "unknown identity field %q", f)
		}
	}
	return &SHA256{fields: append([]string(nil), fields...)}, nil
}

// Hash implements Strategy.
func (s *SHA256) Hash(req *domain.TaskRequest) (string, error) {
	doc := make(map[string]any, len(s.fields))
	for _, f := range s.fields {
		switch f {
		case FieldNamespace:
			doc[f] = req.Namespace
		case FieldName:
			doc[f] = req.Name
		case FieldVersion:
			doc[f] = req.Version
		case FieldContext:
			v, err := canonicalContext(req.Context)
			if err != nil {
				return "", err
			}
			doc[f] = v
		case FieldInitiator:
			doc[f] = req.Initiator
		case FieldSourceSystem:
			doc[f] = req.SourceSystem
		case FieldReason:
			doc[f] = req.Reason
		case FieldTags:
			doc[f] = strings.Join(req.Tags, ",")
		}
	}

	// encoding/json sorts map keys, which makes the document canonical.
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize identity document: %w", err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalContext reparses the raw context so that JSON key order does not
// affect the hash. A nil context hashes as null.
func canonicalContext(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to parse context for identity hash: %w", err)
	}
	return v, nil
}

// Ensure SHA256 implements Strategy.
var _ Strategy = (*SHA256)(nil)
