package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goswarm/internal/config"
	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Inspect the running organization",
		Long:  "Reads agents, roles, tool groups and schedules from the running gateway.",
	}
	cmd.AddCommand(orgTreeCmd(), orgAgentsCmd(), orgRolesCmd(), orgGroupsCmd(), orgSchedulesCmd())
	return cmd
}

func orgTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Print the agent hierarchy",
		Run: func(cmd *cobra.Command, args []string) {
			sess, closeFn := dialGatewaySession()
			defer closeFn()
			payload := mustCall(sess, protocol.MethodOrgTree, nil)
			node, ok := payload.(map[string]interface{})
			if !ok {
				fmt.Println("(empty)")
				return
			}
			printTree(node, "", true, true)
		},
	}
}

func orgAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents with role and status",
		Run: func(cmd *cobra.Command, args []string) {
			sess, closeFn := dialGatewaySession()
			defer closeFn()
			payload := mustCall(sess, protocol.MethodOrgAgents, nil)
			rows := [][]string{{"AGENT", "NAME", "ROLE", "STATUS"}}
			for _, a := range asSlice(payload) {
				m, ok := a.(map[string]interface{})
				if !ok {
					continue
				}
				status, _ := m["computeStatus"].(string)
				if s, _ := m["status"].(string); s == "terminated" {
					status = s
				}
				rows = append(rows, []string{
					str(m, "agentId"), orDash(str(m, "name")), orDash(str(m, "roleName")), status,
				})
			}
			printColumns(rows)
		},
	}
}

func orgRolesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List roles",
		Run: func(cmd *cobra.Command, args []string) {
			sess, closeFn := dialGatewaySession()
			defer closeFn()
			payload := mustCall(sess, protocol.MethodOrgRoles, nil)
			rows := [][]string{{"ROLE", "NAME", "SERVICE", "GROUPS", "STATUS"}}
			for _, r := range asSlice(payload) {
				m, ok := r.(map[string]interface{})
				if !ok {
					continue
				}
				groups := make([]string, 0, 4)
				for _, g := range asSlice(m["toolGroups"]) {
					if s, ok := g.(string); ok {
						groups = append(groups, s)
					}
				}
				groupCol := strings.Join(groups, ",")
				if groupCol == "" {
					groupCol = "(all)"
				}
				rows = append(rows, []string{
					str(m, "roleId"), str(m, "name"), orDash(str(m, "llmServiceId")), groupCol, str(m, "status"),
				})
			}
			printColumns(rows)
		},
	}
}

func orgGroupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List tool groups",
		Run: func(cmd *cobra.Command, args []string) {
			sess, closeFn := dialGatewaySession()
			defer closeFn()
			payload := mustCall(sess, protocol.MethodGroupsList, nil)
			rows := [][]string{{"GROUP", "TOOLS", "RESERVED"}}
			for _, g := range asSlice(payload) {
				m, ok := g.(map[string]interface{})
				if !ok {
					continue
				}
				tools := make([]string, 0, 8)
				for _, t := range asSlice(m["tools"]) {
					if s, ok := t.(string); ok {
						tools = append(tools, s)
					}
				}
				reserved := ""
				if b, _ := m["reserved"].(bool); b {
					reserved = "yes"
				}
				rows = append(rows, []string{str(m, "id"), strings.Join(tools, ","), reserved})
			}
			printColumns(rows)
		},
	}
}

func orgSchedulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List recurring schedules",
		Run: func(cmd *cobra.Command, args []string) {
			sess, closeFn := dialGatewaySession()
			defer closeFn()
			payload := mustCall(sess, protocol.MethodSchedulesList, nil)
			rows := [][]string{{"ID", "TO", "CRON", "NEXT", "TEXT"}}
			for _, sc := range asSlice(payload) {
				m, ok := sc.(map[string]interface{})
				if !ok {
					continue
				}
				text := ""
				if p, ok := m["payload"].(map[string]interface{}); ok {
					text, _ = p["text"].(string)
				}
				rows = append(rows, []string{
					str(m, "id"), str(m, "to"), str(m, "expr"), str(m, "nextAt"), preview(text, 40),
				})
			}
			printColumns(rows)
		},
	}
}

// dialGatewaySession connects and authenticates a quiet session for
// one-shot queries. Errors are fatal: these commands only make sense
// against a running gateway.
func dialGatewaySession() (*chatSession, func()) {
	cfg, err := config.Load(resolveConfigPath())
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
	sess := newChatSession(conn)
	sess.quiet = true
	if err := sess.connect(cfg.Gateway.Token); err != nil {
		conn.Close()
		fmt.Fprintf(os.Stderr, "Gateway auth failed: %v\n", err)
		os.Exit(1)
	}
	return sess, func() { conn.Close() }
}

func mustCall(sess *chatSession, method string, params interface{}) interface{} {
	if params == nil {
		params = map[string]string{}
	}
	payload, err := sess.call(method, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return payload
}

// printTree renders the hierarchy with box-drawing branches.
func printTree(node map[string]interface{}, prefix string, isLast, isRoot bool) {
	label := str(node, "agentId")
	if name := str(node, "name"); name != "" {
		label += "  " + name
	}
	if role := str(node, "roleName"); role != "" {
		label += "  [" + role + "]"
	}
	status := str(node, "computeStatus")

	line := label
	if status != "" && status != "idle" {
		line = label + "  (" + status + ")"
	}

	if isRoot {
		fmt.Println(line)
	} else {
		branch := "├── "
		if isLast {
			branch = "└── "
		}
		fmt.Println(prefix + branch + line)
	}

	children := asSlice(node["children"])
	childPrefix := prefix
	if !isRoot {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}
	for i, c := range children {
		child, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		printTree(child, childPrefix, i == len(children)-1, false)
	}
}

// printColumns left-aligns each column by display width so CJK agent
// and role names line up.
func printColumns(rows [][]string) {
	if len(rows) <= 1 {
		fmt.Println("(none)")
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Println(strings.TrimRight(b.String(), " "))
	}
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
