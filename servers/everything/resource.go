package everything

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/TangGee/mcpkit"
)

const resourceTemplateURI = "test://static/resource/{id}"

func resourceURI(id int) string {
	return fmt.Sprintf("test://static/resource/%d", id)
}

// resourceContents returns the contents of resource id: plain text for odd ids, a base64 blob
// for even ones.
func resourceContents(id int) mcp.ResourceContents {
	uri := resourceURI(id)
	if id%2 == 1 {
		return mcp.ResourceContents{
			URI:      uri,
			MimeType: "text/plain",
			Text:     fmt.Sprintf("Resource %d: This is a plain text resource", id),
		}
	}
	return mcp.ResourceContents{
		URI:      uri,
		MimeType: "application/octet-stream",
		Blob:     base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("Resource %d: This is a base64 blob", id))),
	}
}

func staticResources() []mcp.ResourceDefinition {
	defs := make([]mcp.ResourceDefinition, 0, resourceCount)
	for id := 1; id <= resourceCount; id++ {
		contents := resourceContents(id)
		defs = append(defs, mcp.StaticResource(mcp.Resource{
			URI:      contents.URI,
			Name:     fmt.Sprintf("Resource %d", id),
			MimeType: contents.MimeType,
		}, contents))
	}
	return defs
}

func resourceTemplate() (mcp.ResourceTemplateDefinition, error) {
	def, err := mcp.NewResourceTemplate(mcp.ResourceTemplate{
		URITemplate: resourceTemplateURI,
		Name:        "Static Resource",
		Description: "A static resource with a numeric ID",
	}, readTemplateResource)
	if err != nil {
		return mcp.ResourceTemplateDefinition{}, fmt.Errorf("failed to define resource template: %w", err)
	}
	return def, nil
}

func readTemplateResource(
	_ context.Context,
	_ string,
	vars map[string]string,
	_ *mcp.ParamsMeta,
) ([]mcp.ResourceContents, error) {
	id, err := strconv.Atoi(vars["id"])
	if err != nil || id < 1 || id > resourceCount {
		return []mcp.ResourceContents{}, nil
	}
	return []mcp.ResourceContents{resourceContents(id)}, nil
}

// CompletesResourceTemplate implements mcp.ResourceTemplateCompleter. It suggests the ids
// starting with the typed prefix, at most ten of them.
func (s *Server) CompletesResourceTemplate(
	_ context.Context,
	params mcp.CompletesCompletionParams,
) (mcp.CompletionResult, error) {
	if params.Ref.URI != resourceTemplateURI || params.Argument.Name != "id" {
		return mcp.CompletionResult{Completion: mcp.Completion{Values: []string{}}}, nil
	}

	var values []string
	for id := 1; id <= resourceCount; id++ {
		if v := strconv.Itoa(id); strings.HasPrefix(v, params.Argument.Value) {
			values = append(values, v)
		}
	}
	return mcp.CompletionResult{Completion: completion(values)}, nil
}

func completion(values []string) mcp.Completion {
	const limit = 10
	c := mcp.Completion{Values: values, Total: len(values)}
	if c.Values == nil {
		c.Values = []string{}
	}
	if len(values) > limit {
		c.Values = values[:limit]
		c.HasMore = true
	}
	return c
}
