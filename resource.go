package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/yosida95/uritemplate/v3"
)

// ResourceGenerator produces the contents of a resource on every read. meta is the _meta the
// reader sent with resources/read, nil when absent.
type ResourceGenerator func(ctx context.Context, meta *ParamsMeta) ([]ResourceContents, error)

// ResourceTemplateHandler produces the contents of a URI matching a resource template. vars holds
// the values the URI bound to the template's variables.
type ResourceTemplateHandler func(
	ctx context.Context,
	uri string,
	vars map[string]string,
	meta *ParamsMeta,
) ([]ResourceContents, error)

// ResourceDefinition binds a resource descriptor to the way its contents are produced. Build one
// with StaticResource, DynamicResource or FileResource.
type ResourceDefinition struct {
	Resource Resource
	Generate ResourceGenerator

	// path is set for resources backed by a local file, which are watched for writes.
	path string
}

// ResourceTemplateDefinition binds a resource template to its handler.
type ResourceTemplateDefinition struct {
	Template ResourceTemplate
	Handler  ResourceTemplateHandler

	tmpl *uritemplate.Template
}

type resourceRegistry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	resources map[string]ResourceDefinition
	order     []string
	templates []ResourceTemplateDefinition
	watcher   *fileWatcher

	// updates carries the uris of watched files that were written to.
	updates chan string
}

const defaultFileMimeType = "application/octet-stream"

// StaticResource defines a resource whose contents never change. Contents without a URI get the
// resource's URI.
func StaticResource(res Resource, contents ...ResourceContents) ResourceDefinition {
	fixed := make([]ResourceContents, len(contents))
	for i, c := range contents {
		if c.URI == "" {
			c.URI = res.URI
		}
		fixed[i] = c
	}
	return ResourceDefinition{
		Resource: res,
		Generate: func(context.Context, *ParamsMeta) ([]ResourceContents, error) {
			return fixed, nil
		},
	}
}

// TextResource is a StaticResource holding a single text.
func TextResource(uri, name, mimeType, text string) ResourceDefinition {
	return StaticResource(
		Resource{URI: uri, Name: name, MimeType: mimeType},
		ResourceContents{URI: uri, MimeType: mimeType, Text: text},
	)
}

// DynamicResource defines a resource whose contents are produced by gen on every read.
func DynamicResource(res Resource, gen ResourceGenerator) ResourceDefinition {
	return ResourceDefinition{Resource: res, Generate: gen}
}

// FileResource defines a resource backed by the local file at path. The file must exist when
// the resource is defined; it is read on every resources/read and served base64 encoded as a
// blob. An empty uri defaults to file://<absolute path>. The resource advertises
// {type: "file", size} metadata taken at definition time.
func FileResource(path, name, description, uri string) (ResourceDefinition, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ResourceDefinition{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return ResourceDefinition{}, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if info.IsDir() {
		return ResourceDefinition{}, fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, path)
	}
	if uri == "" {
		uri = "file://" + filepath.ToSlash(abs)
	}

	res := Resource{
		URI:         uri,
		Name:        name,
		Description: description,
		MimeType:    defaultFileMimeType,
		Metadata:    &ResourceMetadata{Type: "file", Size: info.Size()},
	}
	return ResourceDefinition{
		Resource: res,
		Generate: func(context.Context, *ParamsMeta) ([]ResourceContents, error) {
			bs, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", abs, err)
			}
			return []ResourceContents{{
				URI:      uri,
				MimeType: defaultFileMimeType,
				Blob:     base64.StdEncoding.EncodeToString(bs),
			}}, nil
		},
		path: abs,
	}, nil
}

// NewResourceTemplate defines a resource template. The template's URITemplate must be a valid
// RFC 6570 template.
func NewResourceTemplate(tmpl ResourceTemplate, handler ResourceTemplateHandler) (ResourceTemplateDefinition, error) {
	t, err := uritemplate.New(tmpl.URITemplate)
	if err != nil {
		return ResourceTemplateDefinition{}, fmt.Errorf("%w: invalid uri template %q: %w",
			ErrInvalidArgument, tmpl.URITemplate, err)
	}
	return ResourceTemplateDefinition{Template: tmpl, Handler: handler, tmpl: t}, nil
}

func newResourceRegistry(logger *slog.Logger) *resourceRegistry {
	return &resourceRegistry{
		logger:    logger,
		resources: make(map[string]ResourceDefinition),
		updates:   make(chan string, 16),
	}
}

func (r *resourceRegistry) add(def ResourceDefinition) error {
	if def.Resource.URI == "" || def.Generate == nil {
		return fmt.Errorf("%w: resource needs a uri and contents", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.resources[def.Resource.URI]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateResource, def.Resource.URI)
	}
	if def.path != "" {
		r.watchLocked(def.path, def.Resource.URI)
	}
	r.resources[def.Resource.URI] = def
	r.order = append(r.order, def.Resource.URI)
	return nil
}

// watchLocked starts reporting writes to path. Failing to watch only costs update
// notifications, so it is logged rather than returned.
func (r *resourceRegistry) watchLocked(path, uri string) {
	if r.watcher == nil {
		w, err := newFileWatcher(r.updates, r.logger)
		if err != nil {
			r.logger.Warn("file resources will not report updates", slog.String("err", err.Error()))
			return
		}
		r.watcher = w
	}
	if err := r.watcher.watch(path, uri); err != nil {
		r.logger.Warn("failed to watch file resource", slog.String("path", path), slog.String("err", err.Error()))
	}
}

func (r *resourceRegistry) remove(uri string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.resources[uri]
	if !ok {
		return false
	}
	delete(r.resources, uri)
	for i, u := range r.order {
		if u == uri {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if def.path != "" && r.watcher != nil {
		r.watcher.unwatch(def.path)
	}
	return true
}

func (r *resourceRegistry) addTemplate(def ResourceTemplateDefinition) error {
	if def.tmpl == nil || def.Handler == nil {
		return fmt.Errorf("%w: resource template must be created with NewResourceTemplate", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.templates {
		if t.Template.URITemplate == def.Template.URITemplate {
			return fmt.Errorf("%w: %s", ErrDuplicateResource, def.Template.URITemplate)
		}
	}
	r.templates = append(r.templates, def)
	return nil
}

func (r *resourceRegistry) list() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resources := make([]Resource, 0, len(r.order))
	for _, uri := range r.order {
		resources = append(resources, r.resources[uri].Resource)
	}
	return resources
}

func (r *resourceRegistry) listTemplates() []ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	templates := make([]ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		templates = append(templates, t.Template)
	}
	return templates
}

func (r *resourceRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources) + len(r.templates)
}

func (r *resourceRegistry) has(uri string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resources[uri]
	return ok
}

// read produces the contents of uri. An exact registration wins over templates; a uri matching
// neither yields empty contents.
func (r *resourceRegistry) read(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	r.mu.RLock()
	def, ok := r.resources[params.URI]
	templates := r.templates
	r.mu.RUnlock()

	var (
		contents []ResourceContents
		err      error
	)
	switch {
	case ok:
		contents, err = def.Generate(ctx, params.Meta)
	default:
		for _, t := range templates {
			values := t.tmpl.Match(params.URI)
			if values == nil {
				continue
			}
			vars := make(map[string]string, len(t.tmpl.Varnames()))
			for _, name := range t.tmpl.Varnames() {
				vars[name] = values.Get(name).String()
			}
			contents, err = t.Handler(ctx, params.URI, vars, params.Meta)
			break
		}
	}
	if err != nil {
		return ReadResourceResult{}, err
	}
	if contents == nil {
		contents = []ResourceContents{}
	}
	return ReadResourceResult{Contents: contents}, nil
}

func (r *resourceRegistry) Close() error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}
