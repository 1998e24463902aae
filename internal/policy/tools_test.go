package policy

import (
	"reflect"
	"sort"
	"testing"
)

func TestDomainManagerEffectiveAllowedSet(t *testing.T) {
	policy := ToolPolicy{
		Channel:      "voice",
		AllowList:    nil,
		BlockedTools: []string{"shell_exec"},
		Domains: map[string]ToolDomain{
			"mcp_*":      {Name: "mcp", AllowedChannels: []string{"voice"}, MaxCallsPerTurn: 3},
			"web_search": {Name: "web", AllowedChannels: []string{"text"}, MaxCallsPerTurn: 1},
		},
		DefaultDomain: ToolDomain{Name: "default", AllowedChannels: nil, MaxCallsPerTurn: 5},
	}
	mgr := NewDomainManager(policy)

	got := mgr.EffectiveAllowedSet([]string{"mcp_calendar", "web_search", "shell_exec", "set_reminder"})
	sort.Strings(got)
	want := []string{"mcp_calendar", "set_reminder"}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("EffectiveAllowedSet = %v, want %v", got, want)
	}
}

func TestDomainManagerDenyTakesPrecedence(t *testing.T) {
	policy := ToolPolicy{
		AllowList:     []string{"set_reminder"},
		BlockedTools:  []string{"set_reminder"},
		DefaultDomain: ToolDomain{},
	}
	mgr := NewDomainManager(policy)
	if mgr.Allowed("set_reminder") {
		t.Error("Allowed(set_reminder) = true, want false: deny list must win over allow list")
	}
}

func TestDomainManagerMCPDefaultDomain(t *testing.T) {
	policy := ToolPolicy{
		Domains: map[string]ToolDomain{
			"mcp_*": {MaxCallsPerTurn: 2},
		},
		DefaultDomain: ToolDomain{MaxCallsPerTurn: 10},
	}
	mgr := NewDomainManager(policy)
	if got := mgr.MaxCallsPerTurn("mcp_anything"); got != 2 {
		t.Errorf("MaxCallsPerTurn(mcp_anything) = %d, want 2", got)
	}
	if got := mgr.MaxCallsPerTurn("set_reminder"); got != 10 {
		t.Errorf("MaxCallsPerTurn(set_reminder) = %d, want 10", got)
	}
}
