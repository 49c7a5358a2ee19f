package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/builtin"
	"github.com/oriole-systems/toolhub/pkg/registry"
)

const (
	// maxChildResponseSize caps each HTTP response body from a child server so
	// a misbehaving child cannot exhaust hub memory.
	maxChildResponseSize = 100 * 1024 * 1024 // 100 MB

	// childRequestTimeout is the wall-clock deadline for individual HTTP
	// requests to a child server.
	childRequestTimeout = 30 * time.Second
)

// childCredentials is what gets injected into a child connection. Values are
// plaintext and must never be logged or persisted.
type childCredentials struct {
	// AccessToken is set for oauth tools and travels as a bearer header on
	// HTTP transports or OAUTH_ACCESS_TOKEN for stdio children.
	AccessToken string
	// Config is the user's materialized tool configuration.
	Config map[string]any
}

// bearerRoundTripper adds the child's bearer token to every outgoing request.
type bearerRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (b *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	reqClone := req.Clone(req.Context())
	reqClone.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(reqClone)
}

// sizeLimitRoundTripper wraps response bodies with a hard size cap.
type sizeLimitRoundTripper struct {
	base http.RoundTripper
}

func (s *sizeLimitRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = struct {
		io.Reader
		io.Closer
	}{
		Reader: io.LimitReader(resp.Body, maxChildResponseSize),
		Closer: resp.Body,
	}
	return resp, nil
}

// openChild connects to the child server behind a descriptor and completes
// the MCP initialize handshake.
func openChild(ctx context.Context, descriptor *registry.Descriptor, version string, creds childCredentials) (*mcpclient.Client, error) {
	c, err := newChildClient(descriptor, version, creds)
	if err != nil {
		return nil, err
	}

	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, apperrors.ToolError(apperrors.ToolErrTransport,
			fmt.Sprintf("failed to start connection to tool %q", descriptor.Name), err)
	}

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "toolhub",
				Version: version,
			},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, apperrors.ToolError(apperrors.ToolErrTransport,
			fmt.Sprintf("failed to initialize tool %q", descriptor.Name), err)
	}

	return c, nil
}

func newChildClient(descriptor *registry.Descriptor, version string, creds childCredentials) (*mcpclient.Client, error) {
	switch descriptor.Transport.Kind {
	case registry.TransportBuiltin:
		srv, err := builtin.New(descriptor.Name, version, creds.Config)
		if err != nil {
			return nil, err
		}
		return mcpclient.NewInProcessClient(srv)

	case registry.TransportStdio:
		env := childEnv(creds)
		c, err := mcpclient.NewStdioMCPClient(descriptor.Transport.Command, env, descriptor.Transport.Args...)
		if err != nil {
			return nil, apperrors.ToolError(apperrors.ToolErrTransport,
				fmt.Sprintf("failed to launch tool %q", descriptor.Name), err)
		}
		return c, nil

	case registry.TransportStreamableHTTP:
		c, err := mcpclient.NewStreamableHttpClient(
			descriptor.Transport.URL,
			mcptransport.WithHTTPTimeout(childRequestTimeout),
			mcptransport.WithHTTPBasicClient(childHTTPClient(creds)),
		)
		if err != nil {
			return nil, apperrors.ToolError(apperrors.ToolErrTransport,
				fmt.Sprintf("failed to create client for tool %q", descriptor.Name), err)
		}
		return c, nil

	case registry.TransportSSE:
		c, err := mcpclient.NewSSEMCPClient(
			descriptor.Transport.URL,
			mcptransport.WithHTTPClient(childHTTPClient(creds)),
		)
		if err != nil {
			return nil, apperrors.ToolError(apperrors.ToolErrTransport,
				fmt.Sprintf("failed to create client for tool %q", descriptor.Name), err)
		}
		return c, nil

	default:
		return nil, apperrors.Newf(apperrors.KindUnknownTool,
			"tool %q has unsupported transport %q", descriptor.Name, descriptor.Transport.Kind)
	}
}

func childHTTPClient(creds childCredentials) *http.Client {
	var rt http.RoundTripper = http.DefaultTransport
	if creds.AccessToken != "" {
		rt = &bearerRoundTripper{base: rt, token: creds.AccessToken}
	}
	rt = &sizeLimitRoundTripper{base: rt}
	return &http.Client{Transport: rt, Timeout: childRequestTimeout}
}

// childEnv builds the environment for a stdio child: the parent environment,
// the materialized config as TOOL_<KEY> variables, and the oauth token when
// present.
func childEnv(creds childCredentials) []string {
	env := os.Environ()
	for key, value := range creds.Config {
		env = append(env, fmt.Sprintf("TOOL_%s=%v", strings.ToUpper(key), value))
	}
	if creds.AccessToken != "" {
		env = append(env, "OAUTH_ACCESS_TOKEN="+creds.AccessToken)
	}
	return env
}
