// Package mcpserver serves registered capabilities as MCP tools and resources.
//
// Tools are added to and removed from a single mcp-go server as the
// coordinator activates and tears down handlers. Resources are exposed under
// their registration url; templated urls are refused.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/drblury/toolbridge/internal/runtime/coordinator"
	"github.com/drblury/toolbridge/internal/runtime/dispatch"
	errspkg "github.com/drblury/toolbridge/internal/runtime/errors"
	"github.com/drblury/toolbridge/internal/runtime/jsoncodec"
	"github.com/drblury/toolbridge/internal/runtime/logging"
	"github.com/drblury/toolbridge/internal/runtime/protocol"
	"github.com/drblury/toolbridge/internal/runtime/registration"
)

// EndpointPath is where the streamable HTTP transport is mounted.
const EndpointPath = "/mcp"

// Frontend is the MCP front end.
type Frontend struct {
	server *server.MCPServer
	logger logging.ServiceLogger
}

// New creates an MCP server announcing tool and resource capabilities with
// list change notifications.
func New(name, version string, logger logging.ServiceLogger) *Frontend {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := server.NewMCPServer(name, version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
	)
	return &Frontend{
		server: s,
		logger: logger.With(logging.LogFields{"frontend": "mcp"}),
	}
}

func (f *Frontend) Name() string { return "mcp" }

// Server exposes the underlying mcp-go server.
func (f *Frontend) Server() *server.MCPServer { return f.server }

// HTTPHandler serves the streamable HTTP transport at EndpointPath.
func (f *Frontend) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(f.server, server.WithEndpointPath(EndpointPath))
}

func (f *Frontend) ToolHandler(tool registration.Tool, ch *dispatch.Channel) coordinator.SubHandler {
	return &toolHandler{frontend: f, tool: tool, channel: ch}
}

func (f *Frontend) ResourceHandler(res registration.Resource, ch *dispatch.Channel) coordinator.SubHandler {
	return &resourceHandler{frontend: f, resource: res, channel: ch}
}

type toolHandler struct {
	frontend *Frontend
	tool     registration.Tool
	channel  *dispatch.Channel
}

func (h *toolHandler) Initialize() error {
	h.frontend.logger.Info("adding tool", logging.LogFields{"registration": h.tool.Name})
	h.frontend.server.AddTool(
		mcp.NewTool(h.tool.Name, mcp.WithDescription(h.tool.Description)),
		h.call,
	)
	return nil
}

func (h *toolHandler) Teardown() error {
	h.frontend.logger.Info("removing tool", logging.LogFields{"registration": h.tool.Name})
	h.frontend.server.DeleteTools(h.tool.Name)
	return nil
}

// call forwards the tool arguments as the request payload. Worker and
// transport failures come back as error results, not protocol errors.
func (h *toolHandler) call(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	payload, err := jsoncodec.Marshal(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := h.channel.Call(ctx, payload)
	if err != nil {
		h.frontend.logger.Warn("tool call failed", logging.LogFields{
			"registration": h.tool.Name,
			"error":        err.Error(),
		})
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(result)), nil
}

type resourceHandler struct {
	frontend *Frontend
	resource registration.Resource
	channel  *dispatch.Channel
}

func (h *resourceHandler) Initialize() error {
	if h.resource.IsTemplate() {
		return errspkg.ErrTemplateNotSupported
	}
	h.frontend.logger.Info("adding resource", logging.LogFields{
		"registration": h.resource.Name,
		"uri":          h.resource.URL,
	})
	h.frontend.server.AddResource(
		mcp.NewResource(h.resource.URL, h.resource.Name,
			mcp.WithResourceDescription(h.resource.Description),
			mcp.WithMIMEType(h.resource.MimeType),
		),
		h.read,
	)
	return nil
}

func (h *resourceHandler) Teardown() error {
	h.frontend.server.RemoveResource(h.resource.URL)
	return nil
}

func (h *resourceHandler) read(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	if uri == "" {
		uri = h.resource.URL
	}
	payload, err := jsoncodec.Marshal(map[string]string{"uri": uri})
	if err != nil {
		return nil, err
	}
	result, err := h.channel.Call(ctx, payload)
	if err != nil {
		return nil, err
	}
	content, err := protocol.DecodeResourceContent(result)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{toContents(content, uri, h.resource.MimeType)}, nil
}

// toContents fills the uri and mime type from the registration when the
// worker left them out.
func toContents(c protocol.ResourceContent, uri, mimeType string) mcp.ResourceContents {
	if c.URI != "" {
		uri = c.URI
	}
	if c.MimeType != "" {
		mimeType = c.MimeType
	}
	if c.Type == protocol.ResourceBlob {
		return mcp.BlobResourceContents{URI: uri, MIMEType: mimeType, Blob: c.Blob}
	}
	return mcp.TextResourceContents{URI: uri, MIMEType: mimeType, Text: c.Text}
}
