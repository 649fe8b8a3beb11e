package org

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/clock"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "org.json")
	s, err := New(path, clock.NewFake())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, path
}

func TestCreateRoleReusesActiveName(t *testing.T) {
	s, _ := newTestStore(t)

	r1, err := s.CreateRole("writer", "write things", "", RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r2, err := s.CreateRole("writer", "different prompt", "", RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if r2.RoleID != r1.RoleID {
		t.Fatalf("expected existing role back, got %s vs %s", r2.RoleID, r1.RoleID)
	}
	if r2.RolePrompt != "write things" {
		t.Fatalf("existing role must be unchanged, got prompt %q", r2.RolePrompt)
	}

	// A deleted role does not block the name.
	if _, err := s.DeleteRole(r1.RoleID, "user", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	r3, err := s.CreateRole("writer", "v2", "", RootAgentID, "", nil)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if r3.RoleID == r1.RoleID {
		t.Fatal("expected a fresh role after deletion")
	}
}

func TestUpdateRolePatch(t *testing.T) {
	s, _ := newTestStore(t)
	r, _ := s.CreateRole("writer", "v1", "", "", "svc-a", []string{"g1"})

	prompt := "v2"
	empty := []string{}
	got, err := s.UpdateRole(r.RoleID, RolePatch{RolePrompt: &prompt, ToolGroups: &empty})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.RolePrompt != "v2" {
		t.Fatalf("prompt not updated: %q", got.RolePrompt)
	}
	if got.ToolGroups != nil {
		t.Fatalf("empty toolGroups must normalize to absent, got %v", got.ToolGroups)
	}
	if got.LlmServiceID != "svc-a" {
		t.Fatalf("untouched field changed: %q", got.LlmServiceID)
	}

	if _, err := s.UpdateRole("role-missing", RolePatch{}); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected role_not_found, got %v", err)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	s, _ := newTestStore(t)
	r, _ := s.CreateRole("writer", "p", "", "", "", nil)

	for _, parent := range []string{"", "  ", "null", "NULL", "undefined"} {
		if _, err := s.CreateAgent(r.RoleID, parent, ""); !errors.Is(err, ErrInvalidParentAgentID) {
			t.Fatalf("parent %q: expected invalid_parentAgentId, got %v", parent, err)
		}
	}

	if _, err := s.CreateAgent("role-missing", RootAgentID, ""); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected role_not_found, got %v", err)
	}
	if _, err := s.CreateAgent(r.RoleID, "agent-ghost", ""); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected agent_not_found for unknown parent, got %v", err)
	}

	a, err := s.CreateAgent(r.RoleID, RootAgentID, "  Ada  ")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.Name != "Ada" {
		t.Fatalf("name not trimmed: %q", a.Name)
	}
	if !strings.HasPrefix(a.AgentID, "agent-") {
		t.Fatalf("unexpected agent id %q", a.AgentID)
	}

	// Terminated parents remain valid parents.
	if _, err := s.RecordTermination(a.AgentID, RootAgentID, ""); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := s.CreateAgent(r.RoleID, a.AgentID, ""); err != nil {
		t.Fatalf("create under terminated parent: %v", err)
	}

	if _, err := s.DeleteRole(r.RoleID, "user", ""); err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if _, err := s.CreateAgent(r.RoleID, RootAgentID, ""); !errors.Is(err, ErrRoleAlreadyDeleted) {
		t.Fatalf("expected role_already_deleted, got %v", err)
	}
}

func TestSetAgentName(t *testing.T) {
	s, _ := newTestStore(t)
	r, _ := s.CreateRole("writer", "p", "", "", "", nil)
	a, _ := s.CreateAgent(r.RoleID, RootAgentID, "Ada")

	got, err := s.SetAgentName(a.AgentID, "   ")
	if err != nil {
		t.Fatalf("set name: %v", err)
	}
	if got.Name != "" {
		t.Fatalf("blank name must collapse, got %q", got.Name)
	}

	if _, err := s.SetAgentName(RootAgentID, "boss"); !errors.Is(err, ErrCannotDeleteSystemAgent) {
		t.Fatalf("expected system agent protection, got %v", err)
	}
	if _, err := s.SetAgentName("agent-ghost", "x"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected agent_not_found, got %v", err)
	}
}

// Mirrors the cascade shape root→P→{C1,C2}, C1→G1: terminating P flips
// all four with one shared timestamp and one record each.
func TestTerminationCascade(t *testing.T) {
	fake := clock.NewFake()
	path := filepath.Join(t.TempDir(), "org.json")
	s, err := New(path, fake)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	r, _ := s.CreateRole("worker", "p", "", "", "", nil)
	fake.Advance(time.Second)
	p, _ := s.CreateAgent(r.RoleID, RootAgentID, "P")
	fake.Advance(time.Second)
	c1, _ := s.CreateAgent(r.RoleID, p.AgentID, "C1")
	fake.Advance(time.Second)
	c2, _ := s.CreateAgent(r.RoleID, p.AgentID, "C2")
	fake.Advance(time.Second)
	g1, _ := s.CreateAgent(r.RoleID, c1.AgentID, "G1")
	fake.Advance(time.Second)

	rec, err := s.RecordTermination(p.AgentID, RootAgentID, "done")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if rec.AgentID != p.AgentID || rec.TerminatedBy != RootAgentID {
		t.Fatalf("unexpected head record %+v", rec)
	}

	recs := s.Terminations()
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	for _, tr := range recs {
		if !tr.TerminatedAt.Equal(rec.TerminatedAt.Time) {
			t.Fatalf("cascade timestamps differ: %v vs %v", tr.TerminatedAt, rec.TerminatedAt)
		}
		if tr.AgentID != p.AgentID && tr.TerminatedBy != p.AgentID {
			t.Fatalf("descendant record should name the cascade target, got %+v", tr)
		}
	}
	for _, id := range []string{p.AgentID, c1.AgentID, c2.AgentID, g1.AgentID} {
		a, ok := s.GetAgent(id)
		if !ok || a.Status != AgentStatusTerminated {
			t.Fatalf("agent %s not terminated", id)
		}
		if !a.TerminatedAt.Equal(rec.TerminatedAt.Time) {
			t.Fatalf("agent %s terminatedAt differs", id)
		}
	}

	if _, err := s.RecordTermination(p.AgentID, RootAgentID, ""); !errors.Is(err, ErrAgentAlreadyTerminated) {
		t.Fatalf("expected agent_already_terminated, got %v", err)
	}
	if _, err := s.RecordTermination(RootAgentID, "user", ""); !errors.Is(err, ErrCannotDeleteSystemAgent) {
		t.Fatalf("expected cannot_delete_system_agent, got %v", err)
	}
}

// Mirrors role R1 with agent A1 and child role R2 whose agent A2 hangs
// under A1: deleting R1 sweeps both roles and both agents.
func TestDeleteRoleSweepsChildRoles(t *testing.T) {
	s, _ := newTestStore(t)

	r1, _ := s.CreateRole("lead", "p", "", "", "", nil)
	r2, _ := s.CreateRole("helper", "p", "", "", "", nil)
	a1, _ := s.CreateAgent(r1.RoleID, RootAgentID, "A1")
	a2, _ := s.CreateAgent(r2.RoleID, a1.AgentID, "A2")

	res, err := s.DeleteRole(r1.RoleID, "user", "wrap up")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	wantAgents := map[string]bool{a1.AgentID: true, a2.AgentID: true}
	for _, id := range res.AffectedAgents {
		delete(wantAgents, id)
	}
	if len(wantAgents) != 0 {
		t.Fatalf("agents missing from sweep: %v (got %v)", wantAgents, res.AffectedAgents)
	}
	wantRoles := map[string]bool{r1.RoleID: true, r2.RoleID: true}
	for _, id := range res.AffectedRoles {
		delete(wantRoles, id)
	}
	if len(wantRoles) != 0 {
		t.Fatalf("roles missing from sweep: %v (got %v)", wantRoles, res.AffectedRoles)
	}

	for _, rid := range []string{r1.RoleID, r2.RoleID} {
		r, ok := s.GetRole(rid)
		if !ok || r.Status != RoleStatusDeleted {
			t.Fatalf("role %s not deleted", rid)
		}
		if r.DeletedBy != "user" || r.DeleteReason != "wrap up" {
			t.Fatalf("deletion metadata missing: %+v", r)
		}
	}
	if got, _ := s.GetAgent(a2.AgentID); got.Status != AgentStatusTerminated {
		t.Fatal("child-role agent survived the sweep")
	}

	if _, err := s.DeleteRole(r1.RoleID, "user", ""); !errors.Is(err, ErrRoleAlreadyDeleted) {
		t.Fatalf("expected role_already_deleted, got %v", err)
	}
	if _, err := s.DeleteRole(RootAgentID, "user", ""); !errors.Is(err, ErrCannotModifySystemRole) {
		t.Fatalf("expected cannot_modify_system_role, got %v", err)
	}
}

// A role whose agents hang under unrelated parents is not swept.
func TestDeleteRoleLeavesUnrelatedRoles(t *testing.T) {
	s, _ := newTestStore(t)

	r1, _ := s.CreateRole("lead", "p", "", "", "", nil)
	r3, _ := s.CreateRole("bystander", "p", "", "", "", nil)
	if _, err := s.CreateAgent(r1.RoleID, RootAgentID, "A1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateAgent(r3.RoleID, RootAgentID, "B1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := s.DeleteRole(r1.RoleID, "user", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
	r, _ := s.GetRole(r3.RoleID)
	if r.Status != RoleStatusActive {
		t.Fatal("unrelated role was swept")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "org.json")
	fake := clock.NewFake()

	s, err := New(path, fake)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	r, _ := s.CreateRole("writer", "p", "org-wide", "", "svc", []string{"g1", "g2"})
	a, _ := s.CreateAgent(r.RoleID, RootAgentID, "Ada")
	s.AddContact(a.AgentID, Contact{AgentID: RootAgentID, RoleName: "root"})
	if _, err := s.RecordTermination(a.AgentID, "user", "bye"); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	// The well-known identities never appear in the document.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc struct {
		Agents []map[string]interface{} `json:"agents"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, entry := range doc.Agents {
		if id := entry["agentId"]; id == RootAgentID || id == UserAgentID {
			t.Fatalf("reserved identity persisted: %v", id)
		}
	}

	s2, err := New(path, fake)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	r2, ok := s2.GetRole(r.RoleID)
	if !ok {
		t.Fatal("role lost on reload")
	}
	if r2.OrgPrompt != "org-wide" || len(r2.ToolGroups) != 2 {
		t.Fatalf("role fields lost: %+v", r2)
	}
	a2, ok := s2.GetAgent(a.AgentID)
	if !ok || a2.Status != AgentStatusTerminated {
		t.Fatalf("agent state lost: %+v", a2)
	}
	if len(s2.Terminations()) != 1 {
		t.Fatalf("terminations lost: %d", len(s2.Terminations()))
	}
	if got := s2.Contacts(a.AgentID); len(got) != 1 || got[0].AgentID != RootAgentID {
		t.Fatalf("contacts lost: %v", got)
	}
}

func TestLoadUnparseableStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "org.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := New(path, clock.NewFake())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(s.Roles()) != 0 || len(s.Agents()) != 0 {
		t.Fatal("expected empty store for unparseable document")
	}
}

func TestSystemIdentitiesResolve(t *testing.T) {
	s, _ := newTestStore(t)

	for _, id := range []string{RootAgentID, UserAgentID} {
		a, ok := s.GetAgent(id)
		if !ok || a.Status != AgentStatusActive {
			t.Fatalf("%s must resolve active", id)
		}
		r, ok := s.RoleForAgent(id)
		if !ok || r.RoleID != id {
			t.Fatalf("%s role must resolve, got %+v", id, r)
		}
	}
}
