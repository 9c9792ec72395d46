package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/core/internal/coreerr"
)

func TestCheckAllowsListedTool(t *testing.T) {
	p := New([]string{"http.request", "connector.github.createIssue"}, OrgSettings{})
	require.NoError(t, p.Check("http.request"))
}

func TestCheckDeniesUnlistedTool(t *testing.T) {
	p := New([]string{"http.request"}, OrgSettings{})
	err := p.Check("shell.run")
	require.Error(t, err)
	assert.Equal(t, coreerr.WithSuffix(coreerr.ToolNotAllowed, "shell.run"), coreerr.CodeOf(err))
}

func TestCheckGatesShellRunByOrgSetting(t *testing.T) {
	p := New([]string{ShellRunToolID}, OrgSettings{ShellRunEnabled: false})
	err := p.Check(ShellRunToolID)
	require.Error(t, err)
	assert.Equal(t, coreerr.WithSuffix(coreerr.ToolPolicyDenied, ShellRunToolID), coreerr.CodeOf(err))

	p2 := New([]string{ShellRunToolID}, OrgSettings{ShellRunEnabled: true})
	assert.NoError(t, p2.Check(ShellRunToolID))
}

func TestNilPolicyDeniesEverything(t *testing.T) {
	var p *Policy
	err := p.Check("http.request")
	require.Error(t, err)
}

func TestIntersectExcludesDelegationToolsAndNonParentTools(t *testing.T) {
	parent := New([]string{"http.request", "connector.github.createIssue", "team.delegate"}, OrgSettings{})
	teammate := []string{"http.request", "shell.run", "team.delegate", "team.map"}

	child := parent.Intersect(teammate)

	assert.ElementsMatch(t, []string{"http.request"}, child.Allow)
}

func TestIntersectCarriesOrgSettings(t *testing.T) {
	parent := New([]string{"http.request"}, OrgSettings{ShellRunEnabled: true})
	child := parent.Intersect([]string{"http.request"})
	assert.True(t, child.Settings.ShellRunEnabled)
}
