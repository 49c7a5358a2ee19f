// Package builtin hosts the hub's in-process tool servers. They run inside
// the hub binary and are reached through the same proxy path as external
// child servers, so the pipeline has a zero-dependency tool to exercise.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
)

// MaxWait caps how long the wait tool may sleep per call.
const MaxWait = 60 * time.Second

// New builds the in-process server for a builtin tool. config is the user's
// materialized tool configuration.
func New(name, version string, config map[string]any) (*server.MCPServer, error) {
	switch name {
	case "echo":
		return NewEchoServer(version, config), nil
	case "wait":
		return NewWaitServer(version), nil
	default:
		return nil, apperrors.Newf(apperrors.KindUnknownTool, "no builtin server for tool %q", name)
	}
}

// NewEchoServer returns a server with a single say operation that reflects
// its input, prefixed with the user's configured prefix.
func NewEchoServer(version string, config map[string]any) *server.MCPServer {
	prefix, _ := config["prefix"].(string)

	s := server.NewMCPServer("echo", version, server.WithToolCapabilities(true))

	tool := mcp.NewTool(
		"say",
		mcp.WithDescription("Returns the given message unchanged, with the configured prefix applied."),
		mcp.WithString(
			"message",
			mcp.Required(),
			mcp.Description("Text to echo back"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return nil, err
		}
		if prefix != "" {
			message = prefix + ": " + message
		}
		return mcp.NewToolResultText(message), nil
	})

	return s
}

type waitResult struct {
	SleptSeconds float64 `json:"slept_seconds"`
}

// NewWaitServer returns a server with a single sleep operation, giving
// clients a way to exercise long-running calls and cancellation.
func NewWaitServer(version string) *server.MCPServer {
	s := server.NewMCPServer("wait", version, server.WithToolCapabilities(true))

	tool := mcp.NewTool(
		"sleep",
		mcp.WithDescription(fmt.Sprintf(
			"Sleeps for the requested number of seconds (capped at %.0f) and reports how long it slept.",
			MaxWait.Seconds(),
		)),
		mcp.WithNumber(
			"seconds",
			mcp.Required(),
			mcp.Description("How long to sleep, in seconds; fractions allowed"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		seconds, ok := args["seconds"].(float64)
		if !ok {
			return mcp.NewToolResultError("seconds is required and must be a number"), nil
		}
		if seconds < 0 {
			return mcp.NewToolResultError("seconds must not be negative"), nil
		}

		duration := time.Duration(seconds * float64(time.Second))
		if duration > MaxWait {
			duration = MaxWait
		}

		start := time.Now()
		timer := time.NewTimer(duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		result, err := json.Marshal(waitResult{SleptSeconds: time.Since(start).Seconds()})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal wait result: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})

	return s
}
