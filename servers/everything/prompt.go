package everything

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/TangGee/mcpkit"
)

var prompts = []mcp.Prompt{
	{
		Name:        "simple_prompt",
		Description: "A prompt without arguments",
	},
	{
		Name:        "complex_prompt",
		Description: "A prompt with arguments",
		Arguments: []mcp.PromptArgument{
			{Name: "temperature", Description: "Temperature setting", Required: true},
			{Name: "style", Description: "Output style"},
		},
	},
	{
		Name:        "resource_prompt",
		Description: "A prompt that embeds a resource of the catalogue",
		Arguments: []mcp.PromptArgument{
			{Name: "resourceId", Description: fmt.Sprintf("Resource ID to include (1-%d)", resourceCount), Required: true},
		},
	},
}

var promptCompletions = map[string][]string{
	"temperature": {"0", "0.5", "0.7", "1.0"},
	"style":       {"casual", "formal", "technical", "friendly"},
	"resourceId":  {"1", "2", "3", "4", "5"},
}

// ListPrompts implements mcp.PromptServer.
func (s *Server) ListPrompts(context.Context, mcp.ListPromptsParams) (mcp.ListPromptResult, error) {
	return mcp.ListPromptResult{Prompts: prompts}, nil
}

// GetPrompt implements mcp.PromptServer.
func (s *Server) GetPrompt(_ context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	switch params.Name {
	case "simple_prompt":
		return mcp.GetPromptResult{
			Description: "A simple prompt without arguments",
			Messages: []mcp.PromptMessage{
				{Role: mcp.RoleUser, Content: mcp.TextContent("This is a simple prompt without arguments.")},
			},
		}, nil
	case "complex_prompt":
		temperature, ok := params.Arguments["temperature"]
		if !ok {
			return mcp.GetPromptResult{}, fmt.Errorf("%w: temperature is required", mcp.ErrInvalidArgument)
		}
		style := params.Arguments["style"]
		return mcp.GetPromptResult{
			Description: "A complex prompt with arguments",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: mcp.TextContent(fmt.Sprintf(
						"This is a complex prompt with arguments: temperature=%s, style=%s", temperature, style)),
				},
				{
					Role:    mcp.RoleAssistant,
					Content: mcp.TextContent("I understand. You've provided a complex prompt with temperature and style arguments."),
				},
				{Role: mcp.RoleUser, Content: mcp.ImageContent(tinyImage, "image/png")},
			},
		}, nil
	case "resource_prompt":
		id, err := strconv.Atoi(params.Arguments["resourceId"])
		if err != nil || id < 1 || id > resourceCount {
			return mcp.GetPromptResult{}, fmt.Errorf("%w: resourceId must be a number between 1 and %d",
				mcp.ErrInvalidArgument, resourceCount)
		}
		return mcp.GetPromptResult{
			Description: fmt.Sprintf("A prompt embedding resource %d", id),
			Messages: []mcp.PromptMessage{
				{Role: mcp.RoleUser, Content: mcp.TextContent(fmt.Sprintf("This prompt includes Resource %d.", id))},
				{Role: mcp.RoleUser, Content: mcp.EmbeddedResourceContent(resourceContents(id))},
			},
		}, nil
	default:
		return mcp.GetPromptResult{}, fmt.Errorf("%w: unknown prompt %s", mcp.ErrInvalidArgument, params.Name)
	}
}

// CompletesPrompt implements mcp.PromptServer.
func (s *Server) CompletesPrompt(_ context.Context, params mcp.CompletesCompletionParams) (mcp.CompletionResult, error) {
	if !slices.ContainsFunc(prompts, func(p mcp.Prompt) bool { return p.Name == params.Ref.Name }) {
		return mcp.CompletionResult{}, fmt.Errorf("%w: unknown prompt %s", mcp.ErrInvalidArgument, params.Ref.Name)
	}

	var values []string
	for _, v := range promptCompletions[params.Argument.Name] {
		if strings.HasPrefix(v, params.Argument.Value) {
			values = append(values, v)
		}
	}
	return mcp.CompletionResult{Completion: completion(values)}, nil
}
