package mcp

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/internal/toolgroups"
	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

// stubTool is a minimal registry entry standing in for a bridged tool.
type stubTool struct {
	name string
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }

func (s *stubTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	return tools.NewResult("ok")
}

func newTestManager() (*Manager, *tools.Registry, *toolgroups.Registry) {
	reg := tools.NewRegistry()
	groups := toolgroups.NewRegistry(reg)
	return NewManager(reg, groups, nil), reg, groups
}

// registerStub records a fake connected server holding the named tools.
func registerStub(m *Manager, server string, toolNames ...string) *serverState {
	ss := &serverState{name: server, transport: "stdio"}
	ss.connected.Store(true)
	bridges := make([]tools.Tool, 0, len(toolNames))
	for _, n := range toolNames {
		bridges = append(bridges, &stubTool{name: n})
	}
	m.register(ss, bridges)
	return ss
}

func findGroup(t *testing.T, groups *toolgroups.Registry, id string) toolgroups.Info {
	t.Helper()
	for _, g := range groups.List() {
		if g.ID == id {
			return g
		}
	}
	t.Fatalf("group %q not registered", id)
	return toolgroups.Info{}
}

func hasGroup(groups *toolgroups.Registry, id string) bool {
	for _, g := range groups.List() {
		if g.ID == id {
			return true
		}
	}
	return false
}

func TestRegisterPublishesServerGroup(t *testing.T) {
	m, reg, groups := newTestManager()
	registerStub(m, "alpha", "fetch_page", "search")

	if _, ok := reg.Get("fetch_page"); !ok {
		t.Fatal("fetch_page not in tool registry")
	}
	g := findGroup(t, groups, "mcp:alpha")
	if g.Reserved {
		t.Fatal("mcp:alpha must not be reserved")
	}
	want := []string{"fetch_page", "search"}
	if !reflect.DeepEqual(g.Tools, want) {
		t.Fatalf("mcp:alpha tools = %v, want %v", g.Tools, want)
	}
}

func TestAggregateGroupSpansServers(t *testing.T) {
	m, _, groups := newTestManager()
	registerStub(m, "beta", "search")
	registerStub(m, "alpha", "fetch_page")

	g := findGroup(t, groups, AggregateGroup)
	want := []string{"fetch_page", "search"}
	if !reflect.DeepEqual(g.Tools, want) {
		t.Fatalf("mcp tools = %v, want %v", g.Tools, want)
	}
}

func TestRegisterSkipsCollidingNames(t *testing.T) {
	m, reg, groups := newTestManager()
	reg.Register(&stubTool{name: "search"})

	ss := registerStub(m, "alpha", "search", "fetch_page")
	if !reflect.DeepEqual(ss.toolNames, []string{"fetch_page"}) {
		t.Fatalf("registered names = %v, want [fetch_page]", ss.toolNames)
	}
	g := findGroup(t, groups, "mcp:alpha")
	if !reflect.DeepEqual(g.Tools, []string{"fetch_page"}) {
		t.Fatalf("mcp:alpha tools = %v, want [fetch_page]", g.Tools)
	}
}

func TestStopWithdrawsToolsAndGroups(t *testing.T) {
	m, reg, groups := newTestManager()
	registerStub(m, "alpha", "fetch_page")
	registerStub(m, "beta", "search")

	m.Stop()

	if _, ok := reg.Get("fetch_page"); ok {
		t.Fatal("fetch_page still registered after Stop")
	}
	if _, ok := reg.Get("search"); ok {
		t.Fatal("search still registered after Stop")
	}
	for _, id := range []string{"mcp:alpha", "mcp:beta", AggregateGroup} {
		if hasGroup(groups, id) {
			t.Fatalf("group %q still registered after Stop", id)
		}
	}
	if got := m.Status(); len(got) != 0 {
		t.Fatalf("status after Stop = %v, want empty", got)
	}
}

func TestStatusSortedAndLive(t *testing.T) {
	m, _, _ := newTestManager()
	ssBeta := registerStub(m, "beta", "search")
	registerStub(m, "alpha", "fetch_page", "save_page")

	ssBeta.connected.Store(false)
	ssBeta.mu.Lock()
	ssBeta.lastErr = "ping timeout"
	ssBeta.mu.Unlock()

	got := m.Status()
	if len(got) != 2 {
		t.Fatalf("status entries = %d, want 2", len(got))
	}
	if got[0].Name != "alpha" || got[0].ToolCount != 2 || !got[0].Connected {
		t.Fatalf("alpha status = %+v", got[0])
	}
	if got[1].Name != "beta" || got[1].Connected || got[1].Error != "ping timeout" {
		t.Fatalf("beta status = %+v", got[1])
	}
}

func TestStartSkipsDisabledServers(t *testing.T) {
	reg := tools.NewRegistry()
	groups := toolgroups.NewRegistry(reg)
	m := NewManager(reg, groups, map[string]config.MCPServerConfig{
		"off": {Command: "definitely-not-a-binary", Disabled: true},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := m.Status(); len(got) != 0 {
		t.Fatalf("status = %v, want empty", got)
	}
}

func TestNewClientRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.MCPServerConfig
		want string
	}{
		{"missing command", config.MCPServerConfig{}, "needs a command"},
		{"missing sse url", config.MCPServerConfig{Transport: "sse"}, "needs a url"},
		{"missing http url", config.MCPServerConfig{Transport: "streamable-http"}, "needs a url"},
		{"unknown transport", config.MCPServerConfig{Transport: "carrier-pigeon"}, "unsupported transport"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newClient(tc.cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}
