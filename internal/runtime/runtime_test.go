package runtime

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goswarm/internal/bus"
	"github.com/nextlevelbuilder/goswarm/internal/cancel"
	"github.com/nextlevelbuilder/goswarm/internal/clock"
	"github.com/nextlevelbuilder/goswarm/internal/conversation"
	"github.com/nextlevelbuilder/goswarm/internal/engine"
	"github.com/nextlevelbuilder/goswarm/internal/events"
	"github.com/nextlevelbuilder/goswarm/internal/llm"
	"github.com/nextlevelbuilder/goswarm/internal/org"
	"github.com/nextlevelbuilder/goswarm/internal/scheduler"
	"github.com/nextlevelbuilder/goswarm/internal/tools"
)

// scriptedClient replies from a fixed script, one entry per call.
// Calls past the script end return plain "ok".
type scriptedClient struct {
	mu     sync.Mutex
	script []func(ctx context.Context, req llm.ChatRequest) (*llm.Message, error)
	reqs   []llm.ChatRequest
}

func (c *scriptedClient) Chat(ctx context.Context, req llm.ChatRequest) (*llm.Message, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	idx := len(c.reqs) - 1
	c.mu.Unlock()
	if idx < len(c.script) {
		return c.script[idx](ctx, req)
	}
	return &llm.Message{Role: "assistant", Content: "ok"}, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func (c *scriptedClient) request(i int) llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[i]
}

func replyText(text string) func(context.Context, llm.ChatRequest) (*llm.Message, error) {
	return func(context.Context, llm.ChatRequest) (*llm.Message, error) {
		return &llm.Message{
			Role:    "assistant",
			Content: text,
			Usage:   &llm.Usage{PromptTokens: 30, CompletionTokens: 6, TotalTokens: 36},
		}, nil
	}
}

func replyToolCall(id, name, args string) func(context.Context, llm.ChatRequest) (*llm.Message, error) {
	return func(context.Context, llm.ChatRequest) (*llm.Message, error) {
		return &llm.Message{
			Role:      "assistant",
			ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		}, nil
	}
}

func replyErr(err error) func(context.Context, llm.ChatRequest) (*llm.Message, error) {
	return func(context.Context, llm.ChatRequest) (*llm.Message, error) {
		return nil, err
	}
}

func blockUntilCancelled(started chan struct{}) func(context.Context, llm.ChatRequest) (*llm.Message, error) {
	return func(ctx context.Context, _ llm.ChatRequest) (*llm.Message, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type stubDispatcher struct {
	mu      sync.Mutex
	clients map[string]llm.Client
}

func (d *stubDispatcher) set(agentID string, c llm.Client) {
	d.mu.Lock()
	d.clients[agentID] = c
	d.mu.Unlock()
}

func (d *stubDispatcher) ClientForAgent(agentID string) llm.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[agentID]
}

func (d *stubDispatcher) Abort(string) bool { return false }

// eventLog records everything the broker publishes.
type eventLog struct {
	mu  sync.Mutex
	all []events.Event
}

func (l *eventLog) handle(e events.Event) {
	l.mu.Lock()
	l.all = append(l.all, e)
	l.mu.Unlock()
}

func (l *eventLog) named(name string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.all {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// userMessages returns the messages delivered to the user endpoint,
// optionally filtered by sender.
func (l *eventLog) userMessages(from string) []*bus.Message {
	var out []*bus.Message
	for _, e := range l.named(EventUserMessage) {
		msg, ok := e.Payload.(*bus.Message)
		if !ok {
			continue
		}
		if from == "" || msg.From == from {
			out = append(out, msg)
		}
	}
	return out
}

func (l *eventLog) errorInfos() []bus.ErrorInfo {
	var out []bus.ErrorInfo
	for _, e := range l.named(EventError) {
		payload, ok := e.Payload.(map[string]interface{})
		if !ok {
			continue
		}
		if info, ok := payload["error"].(bus.ErrorInfo); ok {
			out = append(out, info)
		}
	}
	return out
}

type rig struct {
	t    *testing.T
	rt   *Runtime
	disp *stubDispatcher
	log  *eventLog
}

// newRig assembles a runtime on a temp dir with a stub dispatcher and
// runs Start on its own goroutine until the test ends.
func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewFake()
	broker := events.NewBroker(clk)

	conv, err := conversation.NewManager(filepath.Join(dir, "conversations"), clk)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	orgStore, err := org.New(filepath.Join(dir, "org.json"), clk)
	if err != nil {
		t.Fatalf("org.New: %v", err)
	}

	disp := &stubDispatcher{clients: make(map[string]llm.Client)}
	rt := New(Config{
		Bus:           bus.New(clk, broker),
		Cancel:        cancel.NewManager(clk),
		Conversations: conv,
		Org:           orgStore,
		Dispatcher:    disp,
		Events:        broker,
		Clock:         clk,
		WaitTimeout:   2 * time.Millisecond,
	})

	log := &eventLog{}
	rt.Subscribe("test-log", log.handle)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	t.Cleanup(func() {
		stop()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime stopped with error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("runtime did not stop after cancel")
		}
	})

	return &rig{t: t, rt: rt, disp: disp, log: log}
}

// spawn creates a role and one agent bound to it, wiring the client
// when given.
func (r *rig) spawn(roleName, prompt, parent string, groups []string, client llm.Client) *org.Agent {
	r.t.Helper()
	role, err := r.rt.CreateRole(roleName, prompt, "", "", "", groups)
	if err != nil {
		r.t.Fatalf("CreateRole(%s): %v", roleName, err)
	}
	agent, err := r.rt.CreateAgent(role.RoleID, parent, "")
	if err != nil {
		r.t.Fatalf("CreateAgent(%s): %v", roleName, err)
	}
	if client != nil {
		r.disp.set(agent.AgentID, client)
	}
	return agent
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// artifactTool is a minimal custom tool for round-trip tests.
type artifactTool struct {
	mu   sync.Mutex
	args []map[string]interface{}
}

func (a *artifactTool) Name() string        { return "put_artifact" }
func (a *artifactTool) Description() string { return "Store an artifact." }
func (a *artifactTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}

func (a *artifactTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	a.mu.Lock()
	a.args = append(a.args, args)
	a.mu.Unlock()
	return tools.NewResult(map[string]interface{}{"ok": true, "ref": "a1"})
}

func (a *artifactTool) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.args)
}

func TestSubmitRequirementPingPong(t *testing.T) {
	r := newRig(t)

	a1Client := &scriptedClient{script: []func(context.Context, llm.ChatRequest) (*llm.Message, error){
		replyText("hello"),
	}}
	a1 := r.spawn("writer", "You write.", org.RootAgentID, nil, a1Client)

	rootClient := &scriptedClient{script: []func(context.Context, llm.ChatRequest) (*llm.Message, error){
		replyToolCall("c1", "send_message", fmt.Sprintf(`{"to":%q,"content":"hi"}`, a1.AgentID)),
		replyText("delegated"),
	}}
	r.disp.set(org.RootAgentID, rootClient)

	taskID, err := r.rt.SubmitRequirement("hi")
	if err != nil {
		t.Fatalf("SubmitRequirement: %v", err)
	}
	if !strings.HasPrefix(taskID, "task-") {
		t.Fatalf("taskID = %q, want task- prefix", taskID)
	}

	waitFor(t, "reply from A1", func() bool { return len(r.log.userMessages(a1.AgentID)) > 0 })

	replies := r.log.userMessages(a1.AgentID)
	if len(replies) != 1 {
		t.Fatalf("A1 sent %d user messages, want 1", len(replies))
	}
	if got := replies[0].Payload.Text; got != "hello" {
		t.Errorf("reply text = %q, want %q", got, "hello")
	}
	if replies[0].TaskID != taskID {
		t.Errorf("reply taskId = %q, want %q (propagated through tool and bus)", replies[0].TaskID, taskID)
	}

	waitFor(t, "both agents idle", func() bool {
		return r.rt.Status(org.RootAgentID) == scheduler.StatusIdle &&
			r.rt.Status(a1.AgentID) == scheduler.StatusIdle
	})
	if infos := r.log.errorInfos(); len(infos) != 0 {
		t.Errorf("unexpected error notifications: %+v", infos)
	}
}

func TestToolRoundTripThroughRegistry(t *testing.T) {
	r := newRig(t)

	artifact := &artifactTool{}
	r.rt.ToolRegistry().Register(artifact)
	if err := r.rt.GroupRegistry().Register("artifacts", []string{"put_artifact"}); err != nil {
		t.Fatalf("Register group: %v", err)
	}

	client := &scriptedClient{script: []func(context.Context, llm.ChatRequest) (*llm.Message, error){
		replyToolCall("c1", "put_artifact", `{"k":1}`),
		replyText("done"),
	}}
	a2 := r.spawn("packer", "You pack artifacts.", org.RootAgentID, []string{"artifacts"}, client)

	if _, err := r.rt.SendToAgent(a2.AgentID, "pack it", nil, "task-b"); err != nil {
		t.Fatalf("SendToAgent: %v", err)
	}

	waitFor(t, "final reply", func() bool { return len(r.log.userMessages(a2.AgentID)) > 0 })

	if artifact.callCount() != 1 {
		t.Fatalf("tool executed %d times, want 1", artifact.callCount())
	}

	msgs := r.rt.Conversation(a2.AgentID).Messages
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{"system", "user", "assistant", "tool", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("conversation roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("conversation roles = %v, want %v", roles, want)
		}
	}
	if len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Name != "put_artifact" {
		t.Errorf("assistant entry missing tool call: %+v", msgs[2])
	}
	if infos := r.log.errorInfos(); len(infos) != 0 {
		t.Errorf("unexpected error notifications: %+v", infos)
	}

	// The request that produced the tool call carried the group's
	// definition alongside the reserved builtins.
	var sawTool bool
	for _, def := range client.request(0).Tools {
		if def.Function.Name == "put_artifact" {
			sawTool = true
		}
	}
	if !sawTool {
		t.Error("put_artifact definition missing from chat request")
	}
}

func TestInterruptionMergesIntoRetry(t *testing.T) {
	r := newRig(t)

	started := make(chan struct{}, 1)
	client := &scriptedClient{script: []func(context.Context, llm.ChatRequest) (*llm.Message, error){
		blockUntilCancelled(started),
		replyText("merged"),
	}}
	a3 := r.spawn("analyst", "You analyze.", org.RootAgentID, nil, client)

	if _, err := r.rt.SendToAgent(a3.AgentID, "first", nil, ""); err != nil {
		t.Fatalf("SendToAgent: %v", err)
	}
	<-started

	if _, err := r.rt.SendToAgent(a3.AgentID, "second", nil, ""); err != nil {
		t.Fatalf("SendToAgent interruption: %v", err)
	}

	waitFor(t, "merged reply", func() bool { return len(r.log.userMessages(a3.AgentID)) > 0 })

	if client.calls() != 2 {
		t.Fatalf("llm calls = %d, want 2", client.calls())
	}
	var merged string
	for _, m := range client.request(1).Messages {
		if m.Role == "user" && strings.Contains(m.Content, "插话") {
			merged = m.Content
		}
	}
	if merged == "" {
		t.Fatal("retry request has no interruption entry")
	}
	if !strings.Contains(merged, "second") {
		t.Errorf("interruption entry %q does not carry the new text", merged)
	}
	if infos := r.log.errorInfos(); len(infos) != 0 {
		t.Errorf("interruption produced error notifications: %+v", infos)
	}
}

func TestAbortAgentDiscardsInFlight(t *testing.T) {
	r := newRig(t)

	started := make(chan struct{}, 1)
	client := &scriptedClient{script: []func(context.Context, llm.ChatRequest) (*llm.Message, error){
		blockUntilCancelled(started),
	}}
	a := r.spawn("worker", "You work.", org.RootAgentID, nil, client)

	if _, err := r.rt.SendToAgent(a.AgentID, "work", nil, ""); err != nil {
		t.Fatalf("SendToAgent: %v", err)
	}
	<-started

	if !r.rt.AbortAgent(a.AgentID) {
		t.Fatal("AbortAgent reported nothing in flight")
	}

	waitFor(t, "discard notification", func() bool {
		for _, info := range r.log.errorInfos() {
			if info.Code == engine.CodeLlmResultDiscarded {
				return true
			}
		}
		return false
	})

	// The aborted call must not have appended to the conversation:
	// system prompt and user message only.
	msgs := r.rt.Conversation(a.AgentID).Messages
	if len(msgs) != 2 {
		t.Fatalf("conversation has %d entries after abort, want 2: %+v", len(msgs), msgs)
	}
	waitFor(t, "agent idle after abort", func() bool {
		return r.rt.Status(a.AgentID) == scheduler.StatusIdle
	})
}

func TestTerminateAgentCascades(t *testing.T) {
	r := newRig(t)

	parent := r.spawn("manager", "You manage.", org.RootAgentID, nil, nil)
	workerRole, err := r.rt.CreateRole("worker", "You work.", "", "", "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	c1, err := r.rt.CreateAgent(workerRole.RoleID, parent.AgentID, "w1")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	c2, err := r.rt.CreateAgent(workerRole.RoleID, parent.AgentID, "w2")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	affected, err := r.rt.TerminateAgent(parent.AgentID, "user", "done")
	if err != nil {
		t.Fatalf("TerminateAgent: %v", err)
	}
	wantAffected := map[string]bool{parent.AgentID: true, c1.AgentID: true, c2.AgentID: true}
	if len(affected) != len(wantAffected) {
		t.Fatalf("affected = %v, want the full subtree", affected)
	}
	for _, id := range affected {
		if !wantAffected[id] {
			t.Fatalf("affected contains unexpected id %s", id)
		}
	}

	for _, v := range r.rt.Agents() {
		if wantAffected[v.AgentID] && v.Agent.Status != org.AgentStatusTerminated {
			t.Errorf("agent %s status = %s, want terminated", v.AgentID, v.Agent.Status)
		}
	}

	if _, err := r.rt.SendToAgent(parent.AgentID, "hi", nil, ""); !errors.Is(err, org.ErrAgentAlreadyTerminated) {
		t.Errorf("SendToAgent to terminated = %v, want ErrAgentAlreadyTerminated", err)
	}
	if _, ok := r.rt.Statuses()[parent.AgentID]; ok {
		t.Error("terminated agent still tracked by the scheduler")
	}

	if _, err := r.rt.TerminateAgent(parent.AgentID, "user", "again"); !errors.Is(err, org.ErrAgentAlreadyTerminated) {
		t.Errorf("second terminate = %v, want ErrAgentAlreadyTerminated", err)
	}
	if _, err := r.rt.TerminateAgent("agent-missing", "user", ""); !errors.Is(err, org.ErrAgentNotFound) {
		t.Errorf("terminate unknown = %v, want ErrAgentNotFound", err)
	}
}

func TestDeleteRoleSweepsChildRoles(t *testing.T) {
	r := newRig(t)

	mgr := r.spawn("manager", "You manage.", org.RootAgentID, nil, nil)
	mgrRole, _ := r.rt.CreateRole("manager", "", "", "", "", nil)

	workerRole, err := r.rt.CreateRole("worker", "You work.", "", "", "", nil)
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	w, err := r.rt.CreateAgent(workerRole.RoleID, mgr.AgentID, "")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	res, err := r.rt.DeleteRole(mgrRole.RoleID, "user", "re-org")
	if err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if len(res.AffectedRoles) != 2 {
		t.Fatalf("affected roles = %v, want manager and its child role", res.AffectedRoles)
	}
	if len(res.AffectedAgents) != 2 {
		t.Fatalf("affected agents = %v, want manager and worker agents", res.AffectedAgents)
	}

	for _, role := range r.rt.Roles() {
		if role.RoleID == mgrRole.RoleID || role.RoleID == workerRole.RoleID {
			if role.Status != org.RoleStatusDeleted {
				t.Errorf("role %s status = %s, want deleted", role.RoleID, role.Status)
			}
		}
	}
	if _, err := r.rt.SendToAgent(w.AgentID, "hi", nil, ""); !errors.Is(err, org.ErrAgentAlreadyTerminated) {
		t.Errorf("SendToAgent to swept agent = %v, want ErrAgentAlreadyTerminated", err)
	}
	if _, err := r.rt.DeleteRole(mgrRole.RoleID, "user", ""); !errors.Is(err, org.ErrRoleAlreadyDeleted) {
		t.Errorf("second delete = %v, want ErrRoleAlreadyDeleted", err)
	}
}

func TestTurnFailureNotifiesParent(t *testing.T) {
	r := newRig(t)

	rootClient := &scriptedClient{}
	r.disp.set(org.RootAgentID, rootClient)

	failing := &scriptedClient{script: []func(context.Context, llm.ChatRequest) (*llm.Message, error){
		replyErr(&llm.HTTPError{Status: 401, Body: "invalid api key"}),
	}}
	a := r.spawn("writer", "You write.", org.RootAgentID, nil, failing)

	if _, err := r.rt.SendToAgent(a.AgentID, "work", nil, "task-9"); err != nil {
		t.Fatalf("SendToAgent: %v", err)
	}

	waitFor(t, "error event", func() bool { return len(r.log.errorInfos()) > 0 })

	info := r.log.errorInfos()[0]
	if info.Code != engine.CodeLlmCallFailed {
		t.Errorf("error code = %s, want %s", info.Code, engine.CodeLlmCallFailed)
	}
	if info.UserMessage != "LLM authentication failed. Check the API key." {
		t.Errorf("userMessage = %q", info.UserMessage)
	}
	if info.Agent == nil || info.Agent.AgentID != a.AgentID || info.Agent.RoleID != a.RoleID {
		t.Errorf("agent context = %+v", info.Agent)
	}

	// The parent received the notification and ran a turn over it.
	waitFor(t, "root processed the notification", func() bool { return rootClient.calls() > 0 })
	var sawNotification bool
	for _, m := range rootClient.request(0).Messages {
		if m.Role == "user" && strings.Contains(m.Content, "error notification") &&
			strings.Contains(m.Content, engine.CodeLlmCallFailed) {
			sawNotification = true
		}
	}
	if !sawNotification {
		t.Error("root conversation does not carry the error notification")
	}
}

func TestFacadeViews(t *testing.T) {
	r := newRig(t)
	r.disp.set(org.RootAgentID, &scriptedClient{})

	a := r.spawn("writer", "You write.", org.RootAgentID, nil, &scriptedClient{})

	views := r.rt.Agents()
	if len(views) != 1 {
		t.Fatalf("Agents() = %d entries, want 1", len(views))
	}
	if views[0].RoleName != "writer" {
		t.Errorf("roleName = %q, want writer", views[0].RoleName)
	}
	if views[0].ComputeStatus != scheduler.StatusIdle {
		t.Errorf("computeStatus = %q, want idle", views[0].ComputeStatus)
	}

	tree := r.rt.OrgTree()
	if tree.AgentID != org.RootAgentID || len(tree.Children) != 1 {
		t.Fatalf("tree = %+v, want root with one child", tree)
	}
	if tree.Children[0].AgentID != a.AgentID || tree.Children[0].RoleName != "writer" {
		t.Errorf("child node = %+v", tree.Children[0])
	}

	groups := r.rt.Groups()
	ids := make(map[string]bool, len(groups))
	for _, g := range groups {
		ids[g.ID] = true
	}
	if !ids["messaging"] || !ids["org"] {
		t.Errorf("groups = %v, want reserved messaging and org", ids)
	}

	schedID, err := r.rt.ScheduleRecurring(org.RootAgentID, "*/5 * * * *", "tick")
	if err != nil {
		t.Fatalf("ScheduleRecurring: %v", err)
	}
	scheds := r.rt.Schedules()
	if len(scheds) != 1 || scheds[0].ID != schedID {
		t.Errorf("Schedules() = %+v, want the one just added", scheds)
	}

	if _, err := r.rt.MessageHistory(context.Background(), a.AgentID, 10); err == nil {
		t.Error("MessageHistory without archive should fail")
	}
	if _, err := r.rt.SendToAgent(org.UserAgentID, "hi", nil, ""); !errors.Is(err, org.ErrInvalidAgentID) {
		t.Errorf("SendToAgent(user) = %v, want ErrInvalidAgentID", err)
	}
}
