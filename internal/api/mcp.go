package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/qwenbridge/internal/translate"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service Service
	Version string
}

// NewMCPServer creates an MCP server exposing the proxy's chat and model
// listing as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"qwenbridge",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("qwenbridge: chat with Qwen models through chat.qwen.ai."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List the Qwen models available for chat."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a conversation to a Qwen model and return the complete answer."),
			mcp.WithString("prompt", mcp.Description("User message. Ignored when messages is given.")),
			mcp.WithString("messages", mcp.Description("JSON array of {role, content} message objects")),
			mcp.WithString("system", mcp.Description("Optional system prompt prepended to the conversation")),
			mcp.WithString("model", mcp.Description("Model id; unknown ids fall back to the default model")),
			mcp.WithString("image", mcp.Description("Optional base64 image data URL attached to the last user message")),
		),
		mcpChat(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"qwen://models",
			"Qwen Models",
			mcp.WithResourceDescription("Model catalog in OpenAI list format"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceModels(deps),
	)

	return s
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list := deps.Service.Models(ctx)
		ids := make([]string, len(list.Data))
		for i, m := range list.Data {
			ids[i] = m.ID
		}
		b, err := json.Marshal(ids)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal models: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chatReq, err := buildMCPChatRequest(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		completion, err := deps.Service.Chat(ctx, chatReq)
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}
		if len(completion.Choices) == 0 {
			return mcpError("chat returned no choices"), nil
		}
		return mcpText(completion.Choices[0].Message.Content), nil
	}
}

func buildMCPChatRequest(req mcp.CallToolRequest) (translate.ChatRequest, error) {
	var messages []translate.Message
	if raw := req.GetString("messages", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &messages); err != nil {
			return translate.ChatRequest{}, fmt.Errorf("invalid messages JSON: %v", err)
		}
	} else if prompt := req.GetString("prompt", ""); prompt != "" {
		messages = []translate.Message{{Role: "user", Content: translate.Text(prompt)}}
	}
	if len(messages) == 0 {
		return translate.ChatRequest{}, fmt.Errorf("prompt or messages is required")
	}

	if system := req.GetString("system", ""); system != "" {
		messages = append([]translate.Message{{Role: "system", Content: translate.Text(system)}}, messages...)
	}

	if image := req.GetString("image", ""); image != "" {
		last := &messages[len(messages)-1]
		parts := []translate.Part{{Type: "text", Text: translate.MessageText(*last)}}
		if last.Content.IsParts {
			parts = last.Content.Parts
		}
		parts = append(parts, translate.Part{Type: "image_url", ImageURL: &translate.ImageURL{URL: image}})
		last.Content = translate.Parts(parts...)
	}

	return translate.ChatRequest{Model: req.GetString("model", ""), Messages: messages}, nil
}

func mcpResourceModels(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Service.Models(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal models: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
