// Package validate checks record batches before they reach the
// transaction manager. Validation never mutates data; a batch either
// passes whole or is rejected with every violation listed.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yanver/vistore/internal/record"
)

// Violation is one failed check within a batch.
type Violation struct {
	Index    int    `json:"index"`
	RecordID string `json:"record_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Error aggregates every violation found in a batch so a caller can fix
// all issues in one pass.
type Error struct {
	Kind       record.Kind
	Violations []Violation
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "validation failed for %d %s record(s):", len(e.Violations), e.Kind)
	for _, v := range e.Violations {
		fmt.Fprintf(&sb, " [%d]", v.Index)
		if v.Field != "" {
			fmt.Fprintf(&sb, " %s:", v.Field)
		}
		sb.WriteString(" " + v.Message + ";")
	}
	return sb.String()
}

// ReferentialError means the batch references a media item that does
// not exist. The caller must create the parent first; retrying does not
// help.
type ReferentialError struct {
	MediaItemID string
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("media item %q does not exist", e.MediaItemID)
}

// RefChecker answers existence checks. The batch transaction implements
// it, so validation sees uncommitted sibling inserts.
type RefChecker interface {
	MediaItemExists(id string) (bool, error)
}

// Validator applies per-kind schema, range, and ordering checks.
type Validator struct {
	v *validator.Validate
}

// New constructs a Validator with the struct-tag rules registered on
// the payload types.
func New() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateBatch checks every record in the batch against the kind's
// schema, cross-record ordering, and the media item reference. It
// returns nil, a *ReferentialError, or a *Error aggregating all
// violations.
func (val *Validator) ValidateBatch(ref RefChecker, kind record.Kind, mediaItemID string, records []record.ContextRecord) error {
	if !kind.Valid() {
		return &Error{Kind: kind, Violations: []Violation{{Message: fmt.Sprintf("unknown record kind %q", kind)}}}
	}

	exists, err := ref.MediaItemExists(mediaItemID)
	if err != nil {
		return fmt.Errorf("checking media item %s: %w", mediaItemID, err)
	}
	if !exists {
		return &ReferentialError{MediaItemID: mediaItemID}
	}

	var violations []Violation
	add := func(i int, r record.ContextRecord, field, msg string) {
		violations = append(violations, Violation{Index: i, RecordID: r.ID, Field: field, Message: msg})
	}

	var prevTS *float64
	for i, r := range records {
		if r.MediaItemID != "" && r.MediaItemID != mediaItemID {
			add(i, r, "media_item_id", fmt.Sprintf("record references %q, batch is for %q", r.MediaItemID, mediaItemID))
		}
		if r.Kind != "" && r.Kind != kind {
			add(i, r, "kind", fmt.Sprintf("record kind %q does not match batch kind %q", r.Kind, kind))
		}

		if r.Timestamp != nil && *r.Timestamp < 0 {
			add(i, r, "timestamp", fmt.Sprintf("timestamp %v is negative", *r.Timestamp))
		}

		// Order-sensitive kinds must arrive with non-decreasing
		// timestamps; records without a timestamp are skipped.
		if kind.Ordered() && r.Timestamp != nil {
			if prevTS != nil && *r.Timestamp < *prevTS {
				add(i, r, "timestamp", fmt.Sprintf("timestamp %v decreases from previous %v", *r.Timestamp, *prevTS))
			}
			prevTS = r.Timestamp
		}

		payload, err := record.DecodePayload(kind, r.Payload)
		if err != nil {
			add(i, r, "payload", err.Error())
			continue
		}
		if err := val.v.Struct(payload); err != nil {
			var fieldErrs validator.ValidationErrors
			if !errors.As(err, &fieldErrs) {
				add(i, r, "payload", err.Error())
				continue
			}
			for _, fe := range fieldErrs {
				add(i, r, strings.ToLower(fe.Field()), describeFieldError(fe))
			}
		}
	}

	if len(violations) > 0 {
		return &Error{Kind: kind, Violations: violations}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required field is missing"
	case "gte":
		return fmt.Sprintf("value %v must be >= %s", fe.Value(), fe.Param())
	case "lte":
		return fmt.Sprintf("value %v must be <= %s", fe.Value(), fe.Param())
	case "gt":
		return fmt.Sprintf("value %v must be > %s", fe.Value(), fe.Param())
	case "gtfield":
		return fmt.Sprintf("value %v must be greater than %s", fe.Value(), strings.ToLower(fe.Param()))
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}
