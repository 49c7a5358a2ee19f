package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/models"
)

func TestCheck_RequiresActivation(t *testing.T) {
	decision := Check(Request{ToolName: "openweather", ToolActivated: false})
	assert.False(t, decision.Allowed)
	assert.Equal(t, apperrors.KindToolNotActivated, apperrors.KindOf(decision.Err()))
}

func TestCheck_PlatformAdminBypass(t *testing.T) {
	// An admin passes every tier, even without a personal activation and
	// even against a restrictive agent toolkit. The reason names the bypass
	// so the audit trail shows it was not a normal grant.
	agent := &AgentScope{Toolkit: models.Toolkit{}}

	decision := Check(Request{ToolName: "openweather", SuperAdmin: true, Agent: agent})
	assert.True(t, decision.Allowed)
	assert.Equal(t, "platform admin bypass", decision.Reason)
	assert.NoError(t, decision.Err())
}

func TestCheck_UserScope(t *testing.T) {
	decision := Check(Request{ToolName: "openweather", ToolActivated: true})
	assert.True(t, decision.Allowed)
	assert.Equal(t, "user activation", decision.Reason)
}

func TestCheck_AgentToolkit(t *testing.T) {
	agent := &AgentScope{
		Toolkit: models.Toolkit{
			Tools: []models.ToolGrant{{Name: "google-gmail"}},
		},
	}

	decision := Check(Request{ToolName: "google-gmail", ToolActivated: true, Agent: agent})
	assert.True(t, decision.Allowed)
	assert.Equal(t, "agent toolkit grant", decision.Reason)

	decision = Check(Request{ToolName: "openweather", ToolActivated: true, Agent: agent})
	assert.False(t, decision.Allowed)
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(decision.Err()))
}

func TestCheck_InheritProjectTools(t *testing.T) {
	agent := &AgentScope{
		Toolkit:      models.Toolkit{InheritProjectTools: true},
		ProjectTools: []string{"echo"},
	}

	assert.True(t, Check(Request{ToolName: "echo", ToolActivated: true, Agent: agent}).Allowed)

	// Revoking the project grant removes inherited access immediately.
	agent.ProjectTools = nil
	decision := Check(Request{ToolName: "echo", ToolActivated: true, Agent: agent})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(decision.Err()))
}

func TestCheck_InheritDisabledIgnoresProjectTools(t *testing.T) {
	agent := &AgentScope{
		Toolkit:      models.Toolkit{InheritProjectTools: false},
		ProjectTools: []string{"echo"},
	}

	decision := Check(Request{ToolName: "echo", ToolActivated: true, Agent: agent})
	assert.Equal(t, apperrors.KindForbidden, apperrors.KindOf(decision.Err()))
}

func TestFilter(t *testing.T) {
	activated := []string{"echo", "wait", "google-gmail"}

	assert.Equal(t, activated, Filter(activated, false, nil))

	agent := &AgentScope{
		Toolkit: models.Toolkit{
			Tools:               []models.ToolGrant{{Name: "wait"}},
			InheritProjectTools: true,
		},
		ProjectTools: []string{"echo"},
	}
	assert.Equal(t, []string{"echo", "wait"}, Filter(activated, false, agent))

	// Admins see the full activated set regardless of agent scope.
	assert.Equal(t, activated, Filter(activated, true, agent))
}
