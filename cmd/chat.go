package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		agentID string
		message string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the swarm through the running gateway",
		Long: `Connects to the running gateway over WebSocket. Without --agent,
input is submitted to the root agent as a new requirement; with --agent,
messages go straight to that agent. Replies and tool activity stream back
as they happen.

Examples:
  goswarm chat                         # interactive, requirements to root
  goswarm chat -a agent-1f3c           # interactive, direct to one agent
  goswarm chat -m "summarize inbox"    # one-shot requirement, wait for reply`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(agentID, message)
		},
	}

	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "send to this agent instead of submitting to root")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	return cmd
}

func runChat(agentID, message string) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", effectiveHost(cfg.Gateway.Host), cfg.Gateway.Port)

	if !isGatewayRunning(addr) {
		fmt.Fprintf(os.Stderr, "Gateway not reachable at %s — start it with `goswarm serve`.\n", addr)
		os.Exit(1)
	}

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	sess := newChatSession(conn)
	if err := sess.connect(cfg.Gateway.Token); err != nil {
		fmt.Fprintf(os.Stderr, "Gateway auth failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Connected to gateway at %s\n", addr)

	if message != "" {
		runOneShot(sess, agentID, message)
		return
	}
	runRepl(sess, agentID)
}

func isGatewayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// chatSession owns the socket. Replies to RPCs and pushed events arrive
// interleaved, so a single reader goroutine routes responses to waiting
// calls by request id, prints events, and forwards agent replies (bus
// messages addressed to the user) on the replies channel.
type chatSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.ResponseFrame

	quiet   bool // drop pushed events (list commands, not chat)
	replies chan string
	readErr chan error
}

func newChatSession(conn *websocket.Conn) *chatSession {
	s := &chatSession{
		conn:    conn,
		pending: make(map[string]chan protocol.ResponseFrame),
		replies: make(chan string, 16),
		readErr: make(chan error, 1),
	}
	go s.readLoop()
	return s
}

func (s *chatSession) connect(token string) error {
	params := map[string]string{}
	if token != "" {
		params["token"] = token
	}
	_, err := s.call(protocol.MethodConnect, params)
	return err
}

// call sends one request and blocks until its response arrives.
func (s *chatSession) call(method string, params interface{}) (interface{}, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()[:8]

	ch := make(chan protocol.ResponseFrame, 1)
	s.mu.Lock()
	s.pending[reqID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	err = s.conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     reqID,
		Method: method,
		Params: paramsJSON,
	})
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s rejected", method)
		}
		return resp.Payload, nil
	case err := <-s.readErr:
		return nil, fmt.Errorf("connection lost: %w", err)
	}
}

func (s *chatSession) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr <- err
			close(s.replies)
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			continue
		}
		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			s.mu.Lock()
			ch, ok := s.pending[resp.ID]
			s.mu.Unlock()
			if ok {
				ch <- resp
			}

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			s.handleEvent(evt)
		}
	}
}

// handleEvent prints swarm activity. Agent replies (text to the user
// endpoint) go to stdout and the replies channel; everything else is
// one-line progress on stderr.
func (s *chatSession) handleEvent(evt protocol.EventFrame) {
	if s.quiet {
		return
	}
	payload, _ := evt.Payload.(map[string]interface{})

	switch evt.Event {
	case protocol.EventBusSend, protocol.EventBusDelayed:
		from, _ := payload["from"].(string)
		to, _ := payload["to"].(string)
		inner, _ := payload["payload"].(map[string]interface{})
		kind, _ := inner["kind"].(string)
		if kind == "" {
			kind = "text"
		}
		text, _ := inner["text"].(string)

		switch {
		case to == "user" && kind == "text":
			fmt.Printf("\n%s: %s\n\n", from, text)
			select {
			case s.replies <- text:
			default:
			}
		case kind == "error":
			if errInfo, ok := inner["error"].(map[string]interface{}); ok {
				msg, _ := errInfo["userMessage"].(string)
				code, _ := errInfo["code"].(string)
				fmt.Fprintf(os.Stderr, "  [error] %s: %s\n", code, msg)
			}
		default:
			fmt.Fprintf(os.Stderr, "  [msg] %s -> %s: %s\n", from, to, preview(text, 60))
		}

	case protocol.EventToolCall:
		name, _ := payload["tool"].(string)
		agent, _ := payload["agentId"].(string)
		fmt.Fprintf(os.Stderr, "  [tool] %s (%s)\n", name, agent)

	case protocol.EventToolResult:
		if isErr, _ := payload["isError"].(bool); isErr {
			name, _ := payload["tool"].(string)
			fmt.Fprintf(os.Stderr, "  [tool] %s -> error\n", name)
		}

	case protocol.EventLlmRetrying:
		attempt, _ := payload["attempt"].(float64)
		reason, _ := payload["reason"].(string)
		fmt.Fprintf(os.Stderr, "  [retry] attempt %d (%s)\n", int(attempt), reason)

	case protocol.EventError:
		code, _ := payload["code"].(string)
		msg, _ := payload["userMessage"].(string)
		fmt.Fprintf(os.Stderr, "  [error] %s: %s\n", code, msg)

	case protocol.EventShutdown:
		fmt.Fprintln(os.Stderr, "\nGateway is shutting down.")
	}
}

// send routes input: agent.send when a target agent is set, org.submit
// otherwise.
func (s *chatSession) send(agentID, text string) error {
	if agentID == "" {
		payload, err := s.call(protocol.MethodOrgSubmit, map[string]string{"text": text})
		if err != nil {
			return err
		}
		if m, ok := payload.(map[string]interface{}); ok {
			if taskID, _ := m["taskId"].(string); taskID != "" {
				fmt.Fprintf(os.Stderr, "  [task] %s\n", taskID)
			}
		}
		return nil
	}

	payload, err := s.call(protocol.MethodAgentSend, map[string]string{
		"agentId": agentID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	if m, ok := payload.(map[string]interface{}); ok {
		if dup, _ := m["duplicate"].(bool); dup {
			fmt.Fprintln(os.Stderr, "  (duplicate suppressed)")
		}
	}
	return nil
}

func runOneShot(sess *chatSession, agentID, message string) {
	if err := sess.send(agentID, message); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Replies are asynchronous; wait for the first text addressed to the
	// user. handleEvent already printed it.
	select {
	case _, ok := <-sess.replies:
		if !ok {
			fmt.Fprintln(os.Stderr, "Connection closed before a reply arrived.")
			os.Exit(1)
		}
	case err := <-sess.readErr:
		fmt.Fprintf(os.Stderr, "Connection lost: %v\n", err)
		os.Exit(1)
	}
}

func runRepl(sess *chatSession, agentID string) {
	target := "root (requirements)"
	if agentID != "" {
		target = agentID
	}
	fmt.Fprintf(os.Stderr, "\ngoswarm chat — talking to %s\n", target)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/agents\" to list agents")
	if agentID != "" {
		fmt.Fprintf(os.Stderr, ", \"/abort\" to abort the agent")
	}
	fmt.Fprintf(os.Stderr, "\n\n")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		switch input {
		case "exit", "quit":
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		case "/agents":
			printAgentList(sess)
			continue
		case "/abort":
			if agentID == "" {
				fmt.Fprintln(os.Stderr, "  /abort needs --agent")
				continue
			}
			if _, err := sess.call(protocol.MethodAgentAbort, map[string]string{"agentId": agentID}); err != nil {
				fmt.Fprintf(os.Stderr, "  abort failed: %v\n", err)
			}
			continue
		}

		if err := sess.send(agentID, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		}
	}
}

func printAgentList(sess *chatSession) {
	payload, err := sess.call(protocol.MethodOrgAgents, map[string]string{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "  list failed: %v\n", err)
		return
	}
	agents, ok := payload.([]interface{})
	if !ok {
		return
	}
	for _, a := range agents {
		m, ok := a.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["agentId"].(string)
		name, _ := m["name"].(string)
		role, _ := m["roleName"].(string)
		status, _ := m["computeStatus"].(string)
		if orgStatus, _ := m["status"].(string); orgStatus == "terminated" {
			status = orgStatus
		}
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(os.Stderr, "  %s  %s  role=%s  %s\n", id, name, role, status)
	}
}

func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
