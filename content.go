package mcp

import (
	"encoding"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var (
	contentType    = reflect.TypeOf(Content{})
	contentPtrType = reflect.TypeOf(&Content{})
	byteSliceType  = reflect.TypeOf([]byte(nil))

	textMarshalerType   = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

	errNotEnoughContent = errors.New("not enough content items")
)

// TextContent returns a text content item.
func TextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// ImageContent returns an image content item. data is the raw image, it is base64 encoded.
func ImageContent(data []byte, mimeType string) Content {
	return Content{
		Type:     ContentTypeImage,
		Data:     base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
	}
}

// EmbeddedResourceContent returns a content item embedding a resource.
func EmbeddedResourceContent(res ResourceContents) Content {
	return Content{Type: ContentTypeResource, Resource: &res}
}

// EncodeContent converts a tool's return value into content items:
//   - a struct yields one item per exported field, in declaration order;
//   - a slice or array (other than []byte) yields one item per element;
//   - anything else yields a single item.
//
// Each item is produced by the scalar rule: strings become text verbatim, numbers and booleans
// become text holding their decimal form, Content values pass through unchanged, and any
// other value is rendered as JSON text. A nil pointer or interface yields no content.
func EncodeContent(v any) ([]Content, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return []Content{}, nil
	}
	for rv.Kind() == reflect.Pointer && rv.Type() != contentPtrType {
		if rv.IsNil() {
			return []Content{}, nil
		}
		rv = rv.Elem()
	}

	switch {
	case rv.Type() == contentType || rv.Type() == contentPtrType:
		c, err := scalarContent(rv)
		if err != nil {
			return nil, err
		}
		return []Content{c}, nil
	case rv.Kind() == reflect.Struct && !rv.Type().Implements(textMarshalerType):
		fields := exportedFields(rv.Type())
		contents := make([]Content, 0, len(fields))
		for _, idx := range fields {
			c, err := scalarContent(rv.FieldByIndex(idx))
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", rv.Type().FieldByIndex(idx).Name, err)
			}
			contents = append(contents, c)
		}
		return contents, nil
	case (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type() != byteSliceType:
		contents := make([]Content, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			c, err := scalarContent(rv.Index(i))
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			contents = append(contents, c)
		}
		return contents, nil
	default:
		c, err := scalarContent(rv)
		if err != nil {
			return nil, err
		}
		return []Content{c}, nil
	}
}

func scalarContent(rv reflect.Value) (Content, error) {
	for rv.Kind() == reflect.Interface || (rv.Kind() == reflect.Pointer && rv.Type() != contentPtrType) {
		if rv.IsNil() {
			return TextContent(""), nil
		}
		rv = rv.Elem()
	}

	switch rv.Type() {
	case contentType:
		return rv.Interface().(Content), nil
	case contentPtrType:
		if rv.IsNil() {
			return TextContent(""), nil
		}
		return *rv.Interface().(*Content), nil
	case byteSliceType:
		return TextContent(base64.StdEncoding.EncodeToString(rv.Bytes())), nil
	}

	switch rv.Kind() {
	case reflect.String:
		return TextContent(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return TextContent(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return TextContent(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Float32:
		return TextContent(strconv.FormatFloat(rv.Float(), 'f', -1, 32)), nil
	case reflect.Float64:
		return TextContent(strconv.FormatFloat(rv.Float(), 'f', -1, 64)), nil
	case reflect.Bool:
		return TextContent(strconv.FormatBool(rv.Bool())), nil
	}

	if tm, ok := rv.Interface().(encoding.TextMarshaler); ok {
		text, err := tm.MarshalText()
		if err != nil {
			return Content{}, err
		}
		return TextContent(string(text)), nil
	}

	bs, err := json.Marshal(rv.Interface())
	if err != nil {
		return Content{}, fmt.Errorf("failed to encode %s as content: %w", rv.Type(), err)
	}
	return TextContent(string(bs)), nil
}

// DecodeContent maps content items back onto out, a non-nil pointer, reversing EncodeContent:
// a struct is filled field by field, a slice element by element, and a scalar from the first
// item. Numbers are parsed from the text of their item.
func DecodeContent(contents []Content, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer", ErrInvalidArgument)
	}
	rv = rv.Elem()

	// Allocate through pointer results, e.g. **T.
	for rv.Kind() == reflect.Pointer && rv.Type() != contentPtrType {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}

	switch {
	case rv.Type() == contentType:
		if len(contents) == 0 {
			return errNotEnoughContent
		}
		rv.Set(reflect.ValueOf(contents[0]))
		return nil
	case rv.Kind() == reflect.Struct && !reflect.PointerTo(rv.Type()).Implements(textUnmarshalerType):
		fields := exportedFields(rv.Type())
		if len(contents) < len(fields) {
			return fmt.Errorf("%w: %s has %d fields, got %d items",
				errNotEnoughContent, rv.Type(), len(fields), len(contents))
		}
		for i, idx := range fields {
			if err := decodeScalar(contents[i], rv.FieldByIndex(idx)); err != nil {
				return fmt.Errorf("field %s: %w", rv.Type().FieldByIndex(idx).Name, err)
			}
		}
		return nil
	case rv.Kind() == reflect.Slice && rv.Type() != byteSliceType:
		s := reflect.MakeSlice(rv.Type(), len(contents), len(contents))
		for i, c := range contents {
			if err := decodeScalar(c, s.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		rv.Set(s)
		return nil
	case rv.Kind() == reflect.Array:
		if len(contents) < rv.Len() {
			return fmt.Errorf("%w: array of %d, got %d items", errNotEnoughContent, rv.Len(), len(contents))
		}
		for i := 0; i < rv.Len(); i++ {
			if err := decodeScalar(contents[i], rv.Index(i)); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	default:
		if len(contents) == 0 {
			return errNotEnoughContent
		}
		return decodeScalar(contents[0], rv)
	}
}

func decodeScalar(c Content, rv reflect.Value) error {
	if rv.Kind() == reflect.Pointer && rv.Type() != contentPtrType {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return decodeScalar(c, rv.Elem())
	}

	switch rv.Type() {
	case contentType:
		rv.Set(reflect.ValueOf(c))
		return nil
	case contentPtrType:
		cc := c
		rv.Set(reflect.ValueOf(&cc))
		return nil
	case byteSliceType:
		bs, err := base64.StdEncoding.DecodeString(c.Text)
		if err != nil {
			return err
		}
		rv.SetBytes(bs)
		return nil
	}

	text := c.Text
	switch rv.Kind() {
	case reflect.String:
		rv.SetString(text)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, rv.Type().Bits())
		if err != nil {
			// Accept integral values rendered in float form, e.g. "35.000000".
			f, fErr := strconv.ParseFloat(strings.TrimSpace(text), 64)
			if fErr != nil || f != float64(int64(f)) {
				return err
			}
			n = int64(f)
		}
		rv.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(strings.TrimSpace(text), 10, rv.Type().Bits())
		if err != nil {
			return err
		}
		rv.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), rv.Type().Bits())
		if err != nil {
			return err
		}
		rv.SetFloat(f)
		return nil
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(text))
		if err != nil {
			return err
		}
		rv.SetBool(b)
		return nil
	}

	if !rv.CanAddr() {
		return fmt.Errorf("cannot decode into unaddressable %s", rv.Type())
	}
	if tu, ok := rv.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return tu.UnmarshalText([]byte(text))
	}
	return json.Unmarshal([]byte(text), rv.Addr().Interface())
}

// exportedFields returns the index paths of the exported fields of t in declaration order,
// flattening embedded structs the way encoding/json does and skipping `json:"-"` fields.
func exportedFields(t reflect.Type) [][]int {
	var out [][]int
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("json") == "-" {
			continue
		}
		if f.Anonymous && f.IsExported() && f.Type.Kind() == reflect.Struct && f.Tag.Get("json") == "" {
			for _, sub := range exportedFields(f.Type) {
				out = append(out, append([]int{i}, sub...))
			}
			continue
		}
		if !f.IsExported() {
			continue
		}
		out = append(out, []int{i})
	}
	return out
}
