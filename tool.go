package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/TangGee/mcpkit/internal/sysinfo"
)

// ToolHandler executes one tool call. args holds the raw JSON arguments of the call, possibly
// empty. The returned content becomes the result; an error turns the result into an error result.
type ToolHandler func(ctx context.Context, args json.RawMessage) ([]Content, error)

// ToolDefinition binds a tool descriptor to its handler. Build one with NewTool or NewToolFunc.
type ToolDefinition struct {
	Tool    Tool
	Handler ToolHandler
}

// ToolOption represents the options for a tool definition.
type ToolOption func(*toolConfig)

type toolConfig struct {
	descriptions map[string]string
	annotations  *ToolAnnotations
	schema       *Schema
}

type toolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]ToolDefinition
	order  []string
	logger *slog.Logger
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// WithParamDescription attaches a description to the parameter field, named by its JSON name or
// its Go field name, in the generated input schema.
func WithParamDescription(field, description string) ToolOption {
	return func(c *toolConfig) {
		if c.descriptions == nil {
			c.descriptions = make(map[string]string)
		}
		c.descriptions[field] = description
	}
}

// WithToolAnnotations sets the behaviour hints advertised with the tool.
func WithToolAnnotations(annotations ToolAnnotations) ToolOption {
	return func(c *toolConfig) {
		c.annotations = &annotations
	}
}

// WithInputSchema replaces the generated input schema.
func WithInputSchema(schema *Schema) ToolOption {
	return func(c *toolConfig) {
		c.schema = schema
	}
}

// NewTool defines a tool taking parameters of type P and returning R. The input schema is
// generated from P, arguments are decoded into P with encoding/json and the return value is
// converted with EncodeContent.
func NewTool[P, R any](
	name, description string,
	fn func(ctx context.Context, params P) (R, error),
	options ...ToolOption,
) ToolDefinition {
	cfg := newToolConfig(options)
	schema := cfg.schema
	if schema == nil {
		schema = SchemaFor[P](cfg.descriptions)
	}

	return ToolDefinition{
		Tool: cfg.tool(name, description, schema),
		Handler: func(ctx context.Context, args json.RawMessage) ([]Content, error) {
			var params P
			if err := decodeToolArguments(args, &params); err != nil {
				return nil, err
			}
			res, err := fn(ctx, params)
			if err != nil {
				return nil, err
			}
			return EncodeContent(res)
		},
	}
}

// NewToolFunc defines a tool from a plain function, for tools that are only known at runtime.
// fn must have one of the forms
//
//	func([context.Context,] [P]) R
//	func([context.Context,] [P]) (R, error)
//	func([context.Context,] [P]) error
//
// where P, when present, is the parameter type the arguments decode into.
func NewToolFunc(name, description string, fn any, options ...ToolOption) (ToolDefinition, error) {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return ToolDefinition{}, fmt.Errorf("%w: tool %s: handler must be a function, got %T",
			ErrInvalidArgument, name, fn)
	}
	ft := fv.Type()
	if ft.IsVariadic() {
		return ToolDefinition{}, fmt.Errorf("%w: tool %s: variadic handlers are not supported", ErrInvalidArgument, name)
	}

	takesCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	var paramType reflect.Type
	switch n := ft.NumIn(); {
	case n == 2 && takesCtx:
		paramType = ft.In(1)
	case n == 1 && !takesCtx:
		paramType = ft.In(0)
	case n >= 2:
		return ToolDefinition{}, fmt.Errorf("%w: tool %s: handler takes at most a context and one parameter",
			ErrInvalidArgument, name)
	}

	returnsErr := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType
	returnsValue := ft.NumOut() == 2 || (ft.NumOut() == 1 && !returnsErr)
	if ft.NumOut() == 0 || ft.NumOut() > 2 || (ft.NumOut() == 2 && !returnsErr) {
		return ToolDefinition{}, fmt.Errorf("%w: tool %s: handler must return a value, an error or both",
			ErrInvalidArgument, name)
	}

	cfg := newToolConfig(options)
	schema := cfg.schema
	if schema == nil {
		if paramType != nil {
			schema = GenerateSchema(paramType, cfg.descriptions)
		} else {
			schema = &Schema{Type: "object", Properties: map[string]*Schema{}}
		}
	}

	handler := func(ctx context.Context, args json.RawMessage) ([]Content, error) {
		var in []reflect.Value
		if takesCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		if paramType != nil {
			pv := reflect.New(paramType)
			if err := decodeToolArguments(args, pv.Interface()); err != nil {
				return nil, err
			}
			in = append(in, pv.Elem())
		}

		out := fv.Call(in)
		if returnsErr {
			if errV := out[len(out)-1]; !errV.IsNil() {
				return nil, errV.Interface().(error)
			}
		}
		if !returnsValue {
			return []Content{}, nil
		}
		return EncodeContent(out[0].Interface())
	}

	return ToolDefinition{Tool: cfg.tool(name, description, schema), Handler: handler}, nil
}

func newToolConfig(options []ToolOption) toolConfig {
	var cfg toolConfig
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

func (c toolConfig) tool(name, description string, schema *Schema) Tool {
	// A Schema only holds marshalable fields.
	schemaBs, _ := json.Marshal(schema)
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: schemaBs,
		Annotations: c.annotations,
	}
}

func decodeToolArguments(args json.RawMessage, v any) error {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func newToolRegistry() *toolRegistry {
	return &toolRegistry{tools: make(map[string]ToolDefinition), logger: slog.Default()}
}

func (r *toolRegistry) add(def ToolDefinition) error {
	if def.Tool.Name == "" || def.Handler == nil {
		return fmt.Errorf("%w: tool needs a name and a handler", ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[def.Tool.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Tool.Name)
	}
	r.tools[def.Tool.Name] = def
	r.order = append(r.order, def.Tool.Name)
	return nil
}

func (r *toolRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *toolRegistry) get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	return def, ok
}

func (r *toolRegistry) list() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].Tool)
	}
	return tools
}

func (r *toolRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// call runs a tool and always produces a result: failures of any kind, including unknown
// names and cancellation, become error results. Every result carries the execution metadata.
func (r *toolRegistry) call(ctx context.Context, params CallToolParams, metrics *Metrics) CallToolResult {
	start := time.Now()

	var (
		content []Content
		err     error
	)
	def, ok := r.get(params.Name)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrToolNotFound, params.Name)
	} else {
		metrics.toolStarted(params.Name)
		content, err = r.run(ctx, params.Name, def.Handler, params.Arguments)
		status := toolStatusSuccess
		if err != nil {
			status = toolStatusError
		}
		metrics.toolFinished(params.Name, start, status)
	}

	res := CallToolResult{
		Content: content,
		Metadata: &ToolCallMetadata{
			ExecutionTimeMs: time.Since(start).Milliseconds(),
			ResourceUsage:   ResourceUsage{Memory: sysinfo.MemoryString()},
		},
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		res.Content = []Content{}
		res.IsError = true
		res.Metadata.Error = err.Error()
	}
	if res.Content == nil {
		res.Content = []Content{}
	}
	return res
}

func (r *toolRegistry) run(
	ctx context.Context,
	name string,
	h ToolHandler,
	args json.RawMessage,
) (content []Content, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				slog.String("tool", name),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return h(ctx, args)
}
