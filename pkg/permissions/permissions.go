// Package permissions decides whether a caller may use a tool. The checker
// is pure: callers gather the facts (activation, agent toolkit, project
// grants) and the decision here has no I/O, which keeps it trivially
// testable and impossible to short-circuit by accident.
package permissions

import (
	"fmt"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/models"
)

// AgentScope narrows access to an agent's toolkit.
type AgentScope struct {
	Toolkit models.Toolkit
	// ProjectTools are the enabled project-level grants, consulted only
	// when the toolkit sets inherit_project_tools.
	ProjectTools []string
}

// Request is one access decision's inputs.
type Request struct {
	ToolName string
	// SuperAdmin marks a platform admin. Admins pass every check; the
	// decision still names the bypass so the audit trail shows it.
	SuperAdmin bool
	// ToolActivated is whether the calling user has the tool enabled.
	ToolActivated bool
	// Agent is non-nil when the request acts for a discovered agent.
	Agent *AgentScope
}

// Decision is the outcome of one check. Reason is always set, for allowed
// and denied outcomes alike, and goes into the audit record.
type Decision struct {
	Allowed bool
	Reason  string

	kind apperrors.Kind
}

// Err converts a denial into its typed error. Allowed decisions return nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperrors.New(d.kind, d.Reason)
}

func allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

func deny(kind apperrors.Kind, reason string) Decision {
	return Decision{Reason: reason, kind: kind}
}

// Check evaluates the tiers in order: platform admin bypass, personal
// activation, then agent toolkit scope.
func Check(req Request) Decision {
	if req.SuperAdmin {
		return allow("platform admin bypass")
	}

	if !req.ToolActivated {
		return deny(apperrors.KindToolNotActivated,
			fmt.Sprintf("tool %q is not activated", req.ToolName))
	}

	if req.Agent == nil {
		return allow("user activation")
	}

	if agentGrants(req.Agent, req.ToolName) {
		return allow("agent toolkit grant")
	}
	return deny(apperrors.KindForbidden,
		fmt.Sprintf("agent toolkit does not grant %q", req.ToolName))
}

// Filter returns the subset of activated tools the agent scope permits.
// Platform admins and scope-less callers get the input unchanged.
func Filter(activated []string, superAdmin bool, agent *AgentScope) []string {
	if superAdmin || agent == nil {
		return activated
	}
	var out []string
	for _, tool := range activated {
		if agentGrants(agent, tool) {
			out = append(out, tool)
		}
	}
	return out
}

func agentGrants(agent *AgentScope, toolName string) bool {
	for _, grant := range agent.Toolkit.Tools {
		if grant.Name == toolName {
			return true
		}
	}
	if agent.Toolkit.InheritProjectTools {
		for _, tool := range agent.ProjectTools {
			if tool == toolName {
				return true
			}
		}
	}
	return false
}
