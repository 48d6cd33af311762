package mcp

import (
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// Schema is the subset of JSON Schema used to describe tool inputs.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Format               string             `json:"format,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties *Schema            `json:"additionalProperties,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Default              any                `json:"default,omitempty"`
}

type jsonField struct {
	name     string
	field    reflect.StructField
	optional bool
}

// SchemaFor generates the input schema of a tool taking P. See GenerateSchema.
func SchemaFor[P any](descriptions map[string]string) *Schema {
	return GenerateSchema(reflect.TypeOf((*P)(nil)).Elem(), descriptions)
}

// GenerateSchema describes t as a JSON-Schema object. Field types map to schema types, with
// the integer width and signedness or float precision recorded in format. Pointer fields and
// fields tagged omitempty are optional, every other field is required. descriptions attaches
// a description per property, keyed by JSON name or Go field name; `jsonschema:"description=..."`
// tags are honoured as well.
//
// Types other than structs produce an open object schema.
func GenerateSchema(t reflect.Type, descriptions map[string]string) *Schema {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return &Schema{Type: "object", Properties: map[string]*Schema{}}
	}

	r := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	s := convertSchema(r.ReflectFromType(t), t)
	s.Type = "object"
	if s.Properties == nil {
		s.Properties = map[string]*Schema{}
	}

	for _, f := range jsonFields(t) {
		prop, ok := s.Properties[f.name]
		if !ok {
			continue
		}
		if d, ok := descriptions[f.name]; ok {
			prop.Description = d
		} else if d, ok := descriptions[f.field.Name]; ok {
			prop.Description = d
		}
	}
	return s
}

func convertSchema(js *jsonschema.Schema, t reflect.Type) *Schema {
	if js == nil {
		return &Schema{}
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	s := &Schema{
		Type:        js.Type,
		Format:      js.Format,
		Description: js.Description,
		Enum:        js.Enum,
		Default:     js.Default,
	}
	if t == nil {
		return s
	}
	if typ, format := numericSchemaType(t); typ != "" {
		s.Type = typ
		s.Format = format
	}

	switch t.Kind() {
	case reflect.Struct:
		if js.Properties == nil {
			return s
		}
		fields := make(map[string]jsonField)
		for _, f := range jsonFields(t) {
			fields[f.name] = f
		}
		s.Properties = make(map[string]*Schema, js.Properties.Len())
		for el := js.Properties.Oldest(); el != nil; el = el.Next() {
			var ft reflect.Type
			if f, ok := fields[el.Key]; ok {
				ft = f.field.Type
			}
			s.Properties[el.Key] = convertSchema(el.Value, ft)
		}
		s.Required = requiredFields(t)
	case reflect.Slice, reflect.Array:
		if js.Items != nil {
			s.Items = convertSchema(js.Items, t.Elem())
		}
	case reflect.Map:
		if js.AdditionalProperties != nil {
			s.AdditionalProperties = convertSchema(js.AdditionalProperties, t.Elem())
		}
	}
	return s
}

func numericSchemaType(t reflect.Type) (string, string) {
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return "integer", "int32"
	case reflect.Int, reflect.Int64:
		return "integer", "int64"
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return "integer", "uint32"
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return "integer", "uint64"
	case reflect.Float32:
		return "number", "float"
	case reflect.Float64:
		return "number", "double"
	}
	return "", ""
}

func requiredFields(t reflect.Type) []string {
	var required []string
	for _, f := range jsonFields(t) {
		if !f.optional {
			required = append(required, f.name)
		}
	}
	return required
}

// jsonFields lists the fields of t as encoding/json sees them, in declaration order.
func jsonFields(t reflect.Type) []jsonField {
	var fields []jsonField
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				fields = append(fields, jsonFields(ft)...)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}

		optional := f.Type.Kind() == reflect.Pointer
		for _, opt := range strings.Split(opts, ",") {
			if opt == "omitempty" || opt == "omitzero" {
				optional = true
			}
		}
		fields = append(fields, jsonField{name: name, field: f, optional: optional})
	}
	return fields
}
