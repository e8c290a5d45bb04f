package duplicates

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed signals.schema.json
var signalsSchemaJSON string

// Match is one rule that fired for a group.
type Match struct {
	Rule       string `json:"rule"`
	Value      string `json:"value,omitempty"`
	Confidence int    `json:"confidence"`
}

type UserSignals struct {
	CitizenshipNumber string  `json:"citizenship_number,omitempty"`
	Email             string  `json:"email,omitempty"`
	Phone             string  `json:"phone,omitempty"`
	NameSimilarity    float64 `json:"name_similarity,omitempty"`
}

type PropertySignals struct {
	OwnerID         string  `json:"owner_id"`
	Title           string  `json:"title,omitempty"`
	Location        string  `json:"location,omitempty"`
	TitleSimilarity float64 `json:"title_similarity,omitempty"`
}

type DocumentSignals struct {
	DocumentHash      string   `json:"document_hash,omitempty"`
	CitizenshipNumber string   `json:"citizenship_number,omitempty"`
	UserIDs           []string `json:"user_ids"`
}

// Signals is the match evidence for a group, tagged by entity kind. Exactly
// one of the variant pointers is set and it must agree with Kind.
type Signals struct {
	Kind        EntityType       `json:"kind"`
	Matches     []Match          `json:"matches"`
	User        *UserSignals     `json:"user,omitempty"`
	Property    *PropertySignals `json:"property,omitempty"`
	KYCDocument *DocumentSignals `json:"kyc_document,omitempty"`
}

func (s Signals) Validate(entityType EntityType) error {
	if s.Kind != entityType {
		return NewValidationError("signals.kind", fmt.Sprintf("must be %q", entityType))
	}
	set := 0
	for _, present := range []bool{s.User != nil, s.Property != nil, s.KYCDocument != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return NewValidationError("signals", "must carry exactly one evidence variant")
	}

	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return NewValidationError("signals", err.Error())
	}
	return nil
}

type UserSnapshot struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Email             string          `json:"email"`
	Phone             string          `json:"phone,omitempty"`
	CitizenshipNumber string          `json:"citizenship_number,omitempty"`
	Role              string          `json:"role"`
	IsActive          bool            `json:"is_active"`
	MergeStatus       UserMergeStatus `json:"merge_status,omitempty"`
	MergedIntoUserID  *string         `json:"merged_into_user_id,omitempty"`
	LastLoginAt       *time.Time      `json:"last_login_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type PropertySnapshot struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Location  string    `json:"location"`
	CreatedAt time.Time `json:"created_at"`
}

type DocumentSnapshot struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	DocumentHash      string    `json:"document_hash,omitempty"`
	CitizenshipNumber string    `json:"citizenship_number,omitempty"`
	Status            string    `json:"status"`
	PublicID          string    `json:"public_id,omitempty"`
	ImageURL          string    `json:"image_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// RecordSnapshot captures a candidate record at detection time.
type RecordSnapshot struct {
	Kind        EntityType        `json:"kind"`
	User        *UserSnapshot     `json:"user,omitempty"`
	Property    *PropertySnapshot `json:"property,omitempty"`
	KYCDocument *DocumentSnapshot `json:"kyc_document,omitempty"`
}

func (r RecordSnapshot) ID() string {
	switch {
	case r.User != nil:
		return r.User.ID
	case r.Property != nil:
		return r.Property.ID
	case r.KYCDocument != nil:
		return r.KYCDocument.ID
	}
	return ""
}

func (r RecordSnapshot) CreatedAt() time.Time {
	switch {
	case r.User != nil:
		return r.User.CreatedAt
	case r.Property != nil:
		return r.Property.CreatedAt
	case r.KYCDocument != nil:
		return r.KYCDocument.CreatedAt
	}
	return time.Time{}
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("signals.schema.json", strings.NewReader(signalsSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("signals.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func validateAgainstSchema(raw []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return fmt.Errorf("decode signals: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
