package mcp

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceRegistryRead(t *testing.T) {
	r := newResourceRegistry(slog.Default())
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.add(TextResource("mem://greeting", "greeting", "text/plain", "hello")))

	var gotMeta *ParamsMeta
	require.NoError(t, r.add(DynamicResource(
		Resource{URI: "mem://clock", Name: "clock"},
		func(_ context.Context, meta *ParamsMeta) ([]ResourceContents, error) {
			gotMeta = meta
			return []ResourceContents{{URI: "mem://clock", Text: "tick"}}, nil
		},
	)))

	res, err := r.read(context.Background(), ReadResourceParams{URI: "mem://greeting"})
	require.NoError(t, err)
	assert.Equal(t, []ResourceContents{{URI: "mem://greeting", MimeType: "text/plain", Text: "hello"}}, res.Contents)

	token := NewRequestID("progress-1")
	res, err = r.read(context.Background(), ReadResourceParams{
		URI:  "mem://clock",
		Meta: &ParamsMeta{ProgressToken: &token},
	})
	require.NoError(t, err)
	assert.Equal(t, "tick", res.Contents[0].Text)
	require.NotNil(t, gotMeta)
	assert.Equal(t, token, *gotMeta.ProgressToken)

	res, err = r.read(context.Background(), ReadResourceParams{URI: "mem://unknown"})
	require.NoError(t, err)
	assert.NotNil(t, res.Contents)
	assert.Empty(t, res.Contents)
}

func TestResourceRegistryDuplicateAndRemove(t *testing.T) {
	r := newResourceRegistry(slog.Default())
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, r.add(TextResource("mem://a", "a", "", "first")))
	require.ErrorIs(t, r.add(TextResource("mem://a", "a", "", "second")), ErrDuplicateResource)
	require.ErrorIs(t, r.add(ResourceDefinition{Resource: Resource{URI: "mem://b"}}), ErrInvalidArgument)

	res, err := r.read(context.Background(), ReadResourceParams{URI: "mem://a"})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Contents[0].Text)

	assert.True(t, r.has("mem://a"))
	assert.True(t, r.remove("mem://a"))
	assert.False(t, r.remove("mem://a"))
	assert.Empty(t, r.list())
}

func TestResourceTemplates(t *testing.T) {
	r := newResourceRegistry(slog.Default())
	t.Cleanup(func() { _ = r.Close() })

	def, err := NewResourceTemplate(
		ResourceTemplate{URITemplate: "users://{id}/profile", Name: "profile"},
		func(_ context.Context, uri string, vars map[string]string, _ *ParamsMeta) ([]ResourceContents, error) {
			return []ResourceContents{{URI: uri, Text: "user " + vars["id"]}}, nil
		},
	)
	require.NoError(t, err)
	require.NoError(t, r.addTemplate(def))
	require.ErrorIs(t, r.addTemplate(def), ErrDuplicateResource)

	_, err = NewResourceTemplate(ResourceTemplate{URITemplate: "users://{id"}, def.Handler)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, r.addTemplate(ResourceTemplateDefinition{Template: def.Template}), ErrInvalidArgument)

	res, err := r.read(context.Background(), ReadResourceParams{URI: "users://42/profile"})
	require.NoError(t, err)
	assert.Equal(t, []ResourceContents{{URI: "users://42/profile", Text: "user 42"}}, res.Contents)

	// An exact registration wins over a matching template.
	require.NoError(t, r.add(TextResource("users://admin/profile", "admin", "", "root")))
	res, err = r.read(context.Background(), ReadResourceParams{URI: "users://admin/profile"})
	require.NoError(t, err)
	assert.Equal(t, "root", res.Contents[0].Text)

	assert.Len(t, r.listTemplates(), 1)
	assert.Equal(t, 2, r.len())
}

func TestFileResource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte{0, 1, 2, 'x'}, 0o600))

	def, err := FileResource(path, "data", "some bytes", "")
	require.NoError(t, err)

	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.ToSlash(abs), def.Resource.URI)
	assert.Equal(t, defaultFileMimeType, def.Resource.MimeType)
	require.NotNil(t, def.Resource.Metadata)
	assert.Equal(t, ResourceMetadata{Type: "file", Size: 4}, *def.Resource.Metadata)

	// Contents are read on every call, not cached at definition time.
	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o600))
	contents, err := def.Generate(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	bs, err := base64.StdEncoding.DecodeString(contents[0].Blob)
	require.NoError(t, err)
	assert.Equal(t, "changed", string(bs))

	_, err = FileResource(filepath.Join(dir, "missing"), "missing", "", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = FileResource(dir, "dir", "", "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	custom, err := FileResource(path, "data", "", "data://custom")
	require.NoError(t, err)
	assert.Equal(t, "data://custom", custom.Resource.URI)
}

func TestFileResourceReportsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))

	r := newResourceRegistry(slog.Default())
	t.Cleanup(func() { _ = r.Close() })

	def, err := FileResource(path, "watched", "", "file://watched")
	require.NoError(t, err)
	require.NoError(t, r.add(def))

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))

	select {
	case uri := <-r.updates:
		assert.Equal(t, "file://watched", uri)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the file update")
	}
}
