package index

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/xerrors"
)

type FieldType string

const (
	FieldTypeLong    FieldType = "long"
	FieldTypeText    FieldType = "text"
	FieldTypeKeyword FieldType = "keyword"
)

type FieldMapping struct {
	Type     FieldType `json:"type"`
	Store    bool      `json:"store"`
	Analyzer string    `json:"analyzer,omitempty"`
}

// Mapping is the schema of one document type.
type Mapping struct {
	DocumentType string
	Fields       map[string]FieldMapping
}

// DocumentMapping returns the schema for Document: a stored long id and
// stored title and content text fields analyzed with analyzer.
func DocumentMapping(docType, analyzer string) *Mapping {
	return &Mapping{
		DocumentType: docType,
		Fields: map[string]FieldMapping{
			"id":      {Type: FieldTypeLong, Store: true},
			"title":   {Type: FieldTypeText, Store: true, Analyzer: analyzer},
			"content": {Type: FieldTypeText, Store: true, Analyzer: analyzer},
		},
	}
}

func (m *Mapping) Validate() error {
	var err error
	if m.DocumentType == "" {
		err = multierror.Append(err, xerrors.New("document type not specified"))
	}
	if len(m.Fields) == 0 {
		err = multierror.Append(err, xerrors.New("no fields specified"))
	}
	for _, name := range m.FieldNames() {
		f := m.Fields[name]
		switch f.Type {
		case FieldTypeLong, FieldTypeKeyword:
			if f.Analyzer != "" {
				err = multierror.Append(err, xerrors.Errorf("field %q: analyzer is only valid on text fields", name))
			}
		case FieldTypeText:
		default:
			err = multierror.Append(err, xerrors.Errorf("field %q: unsupported type %q", name, f.Type))
		}
	}
	return err
}

// FieldNames returns the mapped field names in lexical order.
func (m *Mapping) FieldNames() []string {
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Properties returns the typeless body understood by the engine's put-mapping
// endpoint.
func (m *Mapping) Properties() map[string]interface{} {
	return map[string]interface{}{"properties": m.Fields}
}

// MarshalJSON encodes the schema keyed by document type:
// {"<type>": {"properties": {...}}}.
func (m *Mapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{m.DocumentType: m.Properties()})
}

func (m *Mapping) UnmarshalJSON(data []byte) error {
	var raw map[string]struct {
		Properties map[string]FieldMapping `json:"properties"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return fmt.Errorf("mapping must hold exactly one document type, got %d", len(raw))
	}
	for docType, body := range raw {
		m.DocumentType = docType
		m.Fields = body.Properties
	}
	return nil
}

// Field returns the mapping of name and whether it is mapped.
func (m *Mapping) Field(name string) (FieldMapping, bool) {
	if m == nil {
		return FieldMapping{}, false
	}
	f, ok := m.Fields[name]
	return f, ok
}
