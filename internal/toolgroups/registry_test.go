package toolgroups

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/goswarm/internal/llm"
)

// fakeSource resolves every name it was given and nothing else.
type fakeSource struct {
	known map[string]bool
}

func newFakeSource(names ...string) *fakeSource {
	s := &fakeSource{known: make(map[string]bool)}
	for _, n := range names {
		s.known[n] = true
	}
	return s
}

func (s *fakeSource) Definition(name string) (llm.ToolDefinition, bool) {
	if !s.known[name] {
		return llm.ToolDefinition{}, false
	}
	return llm.ToolDefinition{
		Type:     "function",
		Function: llm.ToolFunctionSchema{Name: name},
	}, true
}

func defNames(defs []llm.ToolDefinition) []string {
	var out []string
	for _, d := range defs {
		out = append(out, d.Function.Name)
	}
	return out
}

func TestReservedGroupsPresent(t *testing.T) {
	r := NewRegistry(newFakeSource())
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("groups = %d, want 2", len(list))
	}
	if list[0].ID != GroupMessaging || !list[0].Reserved {
		t.Fatalf("first group = %+v, want reserved messaging", list[0])
	}
	if list[1].ID != GroupOrg || !list[1].Reserved {
		t.Fatalf("second group = %+v, want reserved org", list[1])
	}
}

func TestRegisterReservedRejected(t *testing.T) {
	r := NewRegistry(newFakeSource())
	if err := r.Register(GroupMessaging, []string{"x"}); !errors.Is(err, ErrReservedGroup) {
		t.Fatalf("register messaging err = %v, want ErrReservedGroup", err)
	}
	if err := r.Unregister(GroupOrg); !errors.Is(err, ErrReservedGroup) {
		t.Fatalf("unregister org err = %v, want ErrReservedGroup", err)
	}
}

func TestRegisterReplaceUnregister(t *testing.T) {
	r := NewRegistry(newFakeSource("alpha", "beta"))
	if err := r.Register("research", []string{"alpha"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("research", []string{"alpha", "beta"}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got := defNames(r.Definitions([]string{"research"}))
	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("definitions = %v, want %v", got, want)
	}

	if err := r.Unregister("research"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if defs := r.Definitions([]string{"research"}); len(defs) != 0 {
		t.Fatalf("definitions after unregister = %d, want 0", len(defs))
	}
	// Unknown groups are a no-op.
	if err := r.Unregister("research"); err != nil {
		t.Fatalf("unregister unknown: %v", err)
	}
}

func TestDefinitionsDedupeInsertionOrder(t *testing.T) {
	src := newFakeSource("send_message", "create_role", "create_agent", "terminate_agent", "set_agent_name", "list_org", "search", "fetch")
	r := NewRegistry(src)
	if err := r.Register("web", []string{"search", "fetch", "send_message"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := defNames(r.Definitions([]string{GroupMessaging, "web", GroupMessaging}))
	want := []string{"send_message", "search", "fetch"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("definitions = %v, want %v", got, want)
	}
}

func TestDefinitionsSkipsUnresolvableNames(t *testing.T) {
	// Only "search" has a live definition.
	r := NewRegistry(newFakeSource("search"))
	if err := r.Register("web", []string{"search", "ghost"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	got := defNames(r.Definitions([]string{"web"}))
	if !reflect.DeepEqual(got, []string{"search"}) {
		t.Fatalf("definitions = %v, want [search]", got)
	}
}

func TestEffectiveGroups(t *testing.T) {
	r := NewRegistry(newFakeSource())
	if err := r.Register("web", []string{"search"}); err != nil {
		t.Fatalf("register web: %v", err)
	}
	if err := r.Register("files", []string{"read"}); err != nil {
		t.Fatalf("register files: %v", err)
	}

	// Unspecified grants everything, reserved first.
	got := r.EffectiveGroups(nil)
	want := []string{GroupMessaging, GroupOrg, "web", "files"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("effective(nil) = %v, want %v", got, want)
	}

	// Named groups are appended to the reserved set; unknown ids dropped.
	got = r.EffectiveGroups([]string{"files", "nope", GroupOrg})
	want = []string{GroupMessaging, GroupOrg, "files"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("effective(named) = %v, want %v", got, want)
	}
}

func TestIsToolInGroups(t *testing.T) {
	r := NewRegistry(newFakeSource())
	if err := r.Register("web", []string{"search"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.IsToolInGroups("send_message", []string{GroupMessaging}) {
		t.Fatal("send_message not found in messaging group")
	}
	if r.IsToolInGroups("search", []string{GroupMessaging, GroupOrg}) {
		t.Fatal("search should not be in reserved groups")
	}
	if !r.IsToolInGroups("search", []string{GroupOrg, "web"}) {
		t.Fatal("search not found in web group")
	}
}
