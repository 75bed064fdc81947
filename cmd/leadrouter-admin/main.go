// ABOUTME: Admin CLI for the leadrouter distribution engine and agent roster
// ABOUTME: Talks to the HTTP API with an optional JWT bearer token

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/leadrouter/internal/api"
	"github.com/2389/leadrouter/internal/distribution"
)

const banner = `
  _                _                 _                  _           _
 | | ___  __ _  __| |_ __ ___  _   _| |_ ___ _ __      __ _  __| |_ __ ___ (_)_ __
 | |/ _ \/ _' |/ _' | '__/ _ \| | | | __/ _ \ '__|____/ _' |/ _' | '_ ' _ \| | '_ \
 | |  __/ (_| | (_| | | | (_) | |_| | ||  __/ | |_____| (_| | (_| | | | | | | | | | |
 |_|\___|\__,_|\__,_|_|  \___/ \__,_|\__\___|_|       \__,_|\__,_|_| |_| |_|_|_| |_|
`

type command func(ctx context.Context, c *apiClient, args []string, w io.Writer) error

var commands = map[string]command{
	"state":        cmdState,
	"stats":        cmdStats,
	"next":         cmdNext,
	"reset":        cmdReset,
	"agents":       cmdAgents,
	"agent-add":    cmdAgentAdd,
	"agent-status": cmdAgentStatus,
	"assignments":  cmdAssignments,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", name)
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("LEADROUTER_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	client := newAPIClient(baseURL, getToken())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := cmd(ctx, client, os.Args[2:], os.Stdout); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: leadrouter-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  state                               Show the cursor and the rotation snapshot")
	fmt.Println("  stats                               Show per-agent assignment statistics")
	fmt.Println("  next <agent-id>                     Make an agent receive the next lead")
	fmt.Println("  reset                               Reset the cursor and all assignment counters")
	fmt.Println("  agents                              List the agent roster")
	fmt.Println("  agent-add --id ID --name NAME [--role R] [--status S]")
	fmt.Println("                                      Create or update an agent")
	fmt.Println("  agent-status <agent-id> <active|inactive>")
	fmt.Println("                                      Change an agent's status")
	fmt.Println("  assignments [--limit N]             Show the assignment activity log")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  LEADROUTER_URL      Server URL (default: http://127.0.0.1:8080)")
	fmt.Println("  LEADROUTER_TOKEN    JWT token (falls back to ~/.config/leadrouter/token)")
	fmt.Println()
}

// getToken reads LEADROUTER_TOKEN, then the token file next to the config.
func getToken() string {
	if token := os.Getenv("LEADROUTER_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "leadrouter", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("Jan 02 15:04")
}

func cmdState(ctx context.Context, c *apiClient, _ []string, w io.Writer) error {
	var st distribution.State
	if err := c.do(ctx, "GET", "/api/distribution/state", nil, &st); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Fprintln(w)
	cyan.Fprintln(w, "  Distribution")
	cyan.Fprintln(w, "  ------------")
	if st.Current != nil {
		fmt.Fprintf(w, "  Current:  %s (%s)\n", st.Current.DisplayName, st.Current.ID)
	} else {
		fmt.Fprintln(w, "  Current:  (none)")
	}
	if st.Next != nil {
		color.New(color.FgGreen).Fprintf(w, "  Next:     %s (%s)\n", st.Next.DisplayName, st.Next.ID)
	} else {
		fmt.Fprintln(w, "  Next:     (no eligible agents)")
	}
	fmt.Fprintf(w, "  Index:    %d of %d\n", st.CursorIndex, len(st.Snapshot))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  #\tID\tNAME")
	fmt.Fprintln(tw, "  -\t--\t----")
	for i, m := range st.Snapshot {
		fmt.Fprintf(tw, "  %d\t%s\t%s\n", i, truncate(m.ID, 20), truncate(m.DisplayName, 24))
	}
	return tw.Flush()
}

func cmdStats(ctx context.Context, c *apiClient, _ []string, w io.Writer) error {
	var stats []distribution.AgentStat
	if err := c.do(ctx, "GET", "/api/distribution/stats", nil, &stats); err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(w, "No eligible agents.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  #\tID\tNAME\tLEADS\tLAST ASSIGNED\t")
	fmt.Fprintln(tw, "  -\t--\t----\t-----\t-------------\t")
	for _, s := range stats {
		marker := ""
		switch {
		case s.IsCurrent:
			marker = "current"
		case s.IsNext:
			marker = "next"
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%s\n",
			s.Position, truncate(s.AgentID, 20), truncate(s.DisplayName, 24),
			s.AssignmentCount, formatTime(s.LastAssignedAt), marker)
	}
	return tw.Flush()
}

func cmdNext(ctx context.Context, c *apiClient, args []string, w io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: leadrouter-admin next <agent-id>")
	}

	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.do(ctx, "POST", "/api/distribution/next", api.SetNextRequest{AgentID: args[0]}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("agent %s is not in the rotation", args[0])
	}
	color.New(color.FgGreen).Fprintf(w, "  ✓ %s will receive the next lead\n", args[0])
	return nil
}

func cmdReset(ctx context.Context, c *apiClient, _ []string, w io.Writer) error {
	if err := c.do(ctx, "POST", "/api/distribution/reset", nil, nil); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintln(w, "  ✓ Rotation and assignment counters reset")
	return nil
}

func cmdAgents(ctx context.Context, c *apiClient, _ []string, w io.Writer) error {
	var agents []api.AgentResponse
	if err := c.do(ctx, "GET", "/api/agents", nil, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tNAME\tROLE\tSTATUS\tLEADS\tLAST ASSIGNED")
	fmt.Fprintln(tw, "  --\t----\t----\t------\t-----\t-------------")
	for _, a := range agents {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%d\t%s\n",
			truncate(a.ID, 20), truncate(a.DisplayName, 24), a.Role, a.Status,
			a.AssignmentCount, formatTime(a.LastAssignedAt))
	}
	return tw.Flush()
}

func cmdAgentAdd(ctx context.Context, c *apiClient, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("agent-add", flag.ContinueOnError)
	fs.SetOutput(w)
	var req api.UpsertAgentRequest
	fs.StringVar(&req.ID, "id", "", "agent ID")
	fs.StringVar(&req.DisplayName, "name", "", "display name")
	fs.StringVar(&req.Role, "role", "sales_agent", "role: sales_agent, manager or admin")
	fs.StringVar(&req.Status, "status", "active", "status: active or inactive")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if req.ID == "" || req.DisplayName == "" {
		return fmt.Errorf("--id and --name are required")
	}

	var agent api.AgentResponse
	if err := c.do(ctx, "POST", "/api/agents", req, &agent); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(w, "  ✓ Saved %s (%s), eligible: %t\n", agent.DisplayName, agent.ID, agent.Eligible)
	return nil
}

func cmdAgentStatus(ctx context.Context, c *apiClient, args []string, w io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: leadrouter-admin agent-status <agent-id> <active|inactive>")
	}
	id, status := args[0], args[1]
	if err := c.do(ctx, "POST", "/api/agents/"+id+"/status", api.SetStatusRequest{Status: status}, nil); err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(w, "  ✓ %s is now %s\n", id, status)
	return nil
}

func cmdAssignments(ctx context.Context, c *apiClient, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("assignments", flag.ContinueOnError)
	fs.SetOutput(w)
	limit := fs.Int("limit", 20, "number of records to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var recs []api.AssignmentResponse
	if err := c.do(ctx, "GET", "/api/assignments?limit="+strconv.Itoa(*limit), nil, &recs); err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "No assignments yet.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  WHEN\tLEAD\tAGENT\tMETHOD\tREASON")
	fmt.Fprintln(tw, "  ----\t----\t-----\t------\t------")
	for _, r := range recs {
		agent := r.AgentID
		if agent == "" {
			agent = "-"
		}
		at := r.CreatedAt
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n",
			formatTime(&at), truncate(r.LeadID, 12), truncate(agent, 20), r.Method, r.Reason)
	}
	return tw.Flush()
}
