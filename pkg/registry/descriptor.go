// Package registry holds the tool catalogue: descriptors embedded at build
// time, validated configuration schemas, and a persistent mirror for admin
// inspection.
package registry

import (
	"encoding/json"
	"fmt"
)

// Auth types a descriptor may declare.
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthOAuth  = "oauth"
)

// Transport kinds for reaching a tool's child server.
const (
	TransportBuiltin        = "builtin"
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// Transport describes how the proxy reaches a tool's child MCP server.
type Transport struct {
	Kind string `json:"kind"`
	// URL is the endpoint for streamable-http and sse transports.
	URL string `json:"url,omitempty"`
	// Command and Args launch a stdio child.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// OAuthSpec names the provider and scopes an oauth tool needs.
type OAuthSpec struct {
	Provider string   `json:"provider"`
	Scopes   []string `json:"scopes"`
}

// Descriptor is one catalogue entry. Descriptors are immutable once loaded;
// the registry hands out the same pointers to every reader.
type Descriptor struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`
	Icon        string `json:"icon,omitempty"`

	AuthType string     `json:"auth_type"`
	OAuth    *OAuthSpec `json:"oauth,omitempty"`

	// ConfigSchema is a JSON Schema for per-user configuration. Properties
	// carrying "x-encrypted": true are sealed before persistence.
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`

	Transport Transport `json:"transport"`
}

// Validate checks structural invariants after decoding.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor missing name")
	}
	if d.DisplayName == "" {
		return fmt.Errorf("descriptor %q missing display_name", d.Name)
	}
	switch d.AuthType {
	case AuthNone, AuthAPIKey:
	case AuthOAuth:
		if d.OAuth == nil || d.OAuth.Provider == "" {
			return fmt.Errorf("descriptor %q declares oauth without a provider", d.Name)
		}
	default:
		return fmt.Errorf("descriptor %q has unknown auth_type %q", d.Name, d.AuthType)
	}
	switch d.Transport.Kind {
	case TransportBuiltin:
	case TransportStdio:
		if d.Transport.Command == "" {
			return fmt.Errorf("descriptor %q stdio transport missing command", d.Name)
		}
	case TransportStreamableHTTP, TransportSSE:
		if d.Transport.URL == "" {
			return fmt.Errorf("descriptor %q %s transport missing url", d.Name, d.Transport.Kind)
		}
	default:
		return fmt.Errorf("descriptor %q has unknown transport kind %q", d.Name, d.Transport.Kind)
	}
	return nil
}

// EncryptedKeys lists config schema properties marked "x-encrypted": true.
func (d *Descriptor) EncryptedKeys() []string {
	if len(d.ConfigSchema) == 0 {
		return nil
	}

	var schema struct {
		Properties map[string]struct {
			XEncrypted bool `json:"x-encrypted"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(d.ConfigSchema, &schema); err != nil {
		return nil
	}

	var keys []string
	for key, prop := range schema.Properties {
		if prop.XEncrypted {
			keys = append(keys, key)
		}
	}
	return keys
}

// RequiredScopes returns the OAuth scopes, or nil for non-oauth tools.
func (d *Descriptor) RequiredScopes() []string {
	if d.OAuth == nil {
		return nil
	}
	return d.OAuth.Scopes
}
