// Command foreman is the CLI client for the foreman supervisor daemon.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/forgecrew/foreman/internal/version"
)

const defaultServer = "http://localhost:7478"

func main() {
	serverURL := flag.String("server", defaultServer, "foreman server URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cli := &Client{
		BaseURL:    strings.TrimRight(*serverURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		err = cmdVersion(rest)
	case "status":
		err = cli.cmdStatus(rest)
	case "tasks":
		err = cli.cmdTasks(rest)
	case "task":
		err = cli.cmdTask(rest)
	case "memory":
		err = cli.cmdMemory(rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `foreman — supervisor CLI

Usage:
  foreman [flags] <command> [args]

Flags:
  --server <url>   server URL (default: http://localhost:7478)

Commands:
  version                        print version
  status                         show server status
  tasks                          list tasks
  task create <agent> <name>     submit a task
  task show <id>                 show one task
  task cancel <id>               cancel a task
  memory stats                   show memory store stats
`)
}

// --- version ---

func cmdVersion(_ []string) error {
	fmt.Printf("foreman %s (commit %s, built %s)\n",
		version.Version, version.Commit, version.BuildDate)
	return nil
}

// Client holds HTTP client state for CLI commands.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// get performs a GET and decodes JSON into v.
func (c *Client) get(path string, v any) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// post performs a POST and decodes the JSON response into v (may be nil).
func (c *Client) post(path string, body io.Reader, v any) error {
	resp, err := c.HTTPClient.Post(c.BaseURL+path, "application/json", body)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if v != nil && resp.ContentLength != 0 {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// --- status ---

func (c *Client) cmdStatus(_ []string) error {
	var result map[string]any
	if err := c.get("/api/status", &result); err != nil {
		return err
	}
	fmt.Printf("status:  %s\n", strVal(result["status"]))
	fmt.Printf("version: %s\n", strVal(result["version"]))
	fmt.Printf("project: %s\n", strVal(result["project"]))
	fmt.Printf("storage: %s\n", strVal(result["storage_mode"]))
	return nil
}

// --- tasks ---

func (c *Client) cmdTasks(_ []string) error {
	var tasks []map[string]any
	if err := c.get("/api/tasks", &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	fmt.Printf("%-36s %-25s %-14s %-10s\n", "ID", "NAME", "AGENT", "STATUS")
	fmt.Println(strings.Repeat("-", 90))
	for _, t := range tasks {
		fmt.Printf("%-36s %-25s %-14s %-10s\n",
			strVal(t["id"]),
			truncate(strVal(t["name"]), 24),
			truncate(strVal(t["agent_type"]), 13),
			strVal(t["status"]),
		)
	}
	return nil
}

// --- task subcommands ---

func (c *Client) cmdTask(args []string) error {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: foreman task <create|show|cancel> ...")
		os.Exit(1)
	}
	switch sub := args[0]; sub {
	case "create":
		if len(args) < 3 {
			return fmt.Errorf("usage: foreman task create <agent> <name>")
		}
		agentType := args[1]
		name := strings.Join(args[2:], " ")
		body := fmt.Sprintf(`{"name":%q,"agent_type":%q,"priority":1}`, name, agentType)
		var result map[string]any
		if err := c.post("/api/tasks", strings.NewReader(body), &result); err != nil {
			return err
		}
		fmt.Printf("created task %s\n", strVal(result["id"]))
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: foreman task show <id>")
		}
		var t map[string]any
		if err := c.get("/api/tasks/"+args[1], &t); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(t, "", "  ")
		fmt.Println(string(out))
	case "cancel":
		if len(args) < 2 {
			return fmt.Errorf("usage: foreman task cancel <id>")
		}
		if err := c.post("/api/tasks/"+args[1]+"/cancel", nil, nil); err != nil {
			return err
		}
		fmt.Printf("cancellation requested for %s\n", args[1])
	default:
		return fmt.Errorf("unknown task subcommand: %s", sub)
	}
	return nil
}

// --- memory ---

func (c *Client) cmdMemory(args []string) error {
	if len(args) < 1 || args[0] != "stats" {
		return fmt.Errorf("usage: foreman memory stats")
	}
	var stats map[string]any
	if err := c.get("/api/memory/stats", &stats); err != nil {
		return err
	}
	fmt.Printf("mode:    %s\n", strVal(stats["storage_mode"]))
	fmt.Printf("nodes:   %v\n", stats["nodes"])
	fmt.Printf("edges:   %v\n", stats["edges"])
	fmt.Printf("vectors: %v\n", stats["vectors"])
	return nil
}

func strVal(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
