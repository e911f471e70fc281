package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/msageha/tempvoice/internal/daemon"
	"github.com/msageha/tempvoice/internal/events"
	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/setup"
	"github.com/msageha/tempvoice/internal/status"
	"github.com/msageha/tempvoice/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "cancel":
		runCancel(os.Args[2:])
	case "lock":
		runLock(os.Args[2:])
	case "unlock":
		runUnlock(os.Args[2:])
	case "force-release":
		runForceRelease(os.Args[2:])
	case "estimate":
		runEstimate(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "audit-verify":
		runAuditVerify(os.Args[2:])
	case "ping", "peek", "locks", "save", "shutdown":
		call(os.Args[1], nil)
	case "version":
		fmt.Printf("tempvoice %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tempvoice setup <dir> [--webhook <url>] [--token <token>]")
		os.Exit(1)
	}
	var opts setup.Options
	flags := parseFlags(args[1:], "--webhook", "--token")
	opts.WebhookURL = flags["--webhook"]
	opts.AuthToken = flags["--token"]

	base, err := setup.Run(args[0], opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Initialized %s\n", base)
}

func runDaemon(_ []string) {
	baseDir := requireBaseDir()

	cfg, err := model.LoadConfig(filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(baseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runEnqueue(args []string) {
	flags := parseFlags(args,
		"--action", "--resource", "--guild", "--priority", "--payload",
		"--ttl", "--max-attempts", "--cost", "--parent", "--id")

	req := daemon.IntentRequest{
		ID:         flags["--id"],
		Action:     flags["--action"],
		ResourceID: flags["--resource"],
		GuildID:    flags["--guild"],
		Priority:   flags["--priority"],
		ParentID:   flags["--parent"],
	}
	if req.Action == "" || req.ResourceID == "" || req.GuildID == "" {
		fmt.Fprintln(os.Stderr, "usage: tempvoice enqueue --action <action> --resource <id> --guild <id> [--priority <p>] [--payload <json>] [--ttl <sec>] [--max-attempts <n>] [--cost <n>] [--parent <id>] [--id <id>]")
		os.Exit(1)
	}
	if raw := flags["--payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Payload); err != nil {
			fmt.Fprintf(os.Stderr, "invalid --payload: %v\n", err)
			os.Exit(1)
		}
	}
	req.TTLSec = intFlag(flags, "--ttl")
	req.MaxAttempts = intFlag(flags, "--max-attempts")
	req.Cost = intFlag(flags, "--cost")

	call("enqueue", req)
}

func runCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tempvoice cancel <intent_id>")
		os.Exit(1)
	}
	call("cancel", map[string]string{"id": args[0]})
}

func runLock(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tempvoice lock <resource> --holder <name> [--duration-ms <ms>] [--reason <text>]")
		os.Exit(1)
	}
	flags := parseFlags(args[1:], "--holder", "--duration-ms", "--reason")
	call("lock", daemon.LockParams{
		Resource:   args[0],
		Holder:     flags["--holder"],
		DurationMs: intFlag(flags, "--duration-ms"),
		Reason:     flags["--reason"],
	})
}

func runUnlock(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tempvoice unlock <resource> --holder <name>")
		os.Exit(1)
	}
	flags := parseFlags(args[1:], "--holder")
	call("unlock", daemon.LockParams{Resource: args[0], Holder: flags["--holder"]})
}

func runForceRelease(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: tempvoice force-release <resource>")
		os.Exit(1)
	}
	call("force_release", daemon.LockParams{Resource: args[0]})
}

func runEstimate(args []string) {
	params := map[string]string{}
	if len(args) > 0 {
		params["priority"] = args[0]
	}
	call("estimate", params)
}

func runStats(args []string) {
	asJSON := len(args) > 0 && args[0] == "--json"
	resp := send("stats", nil)
	if asJSON {
		printJSON(resp.Data)
		return
	}
	var m daemon.Metrics
	if err := resp.Decode(&m); err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		os.Exit(1)
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(out))
}

func runStatus(args []string) {
	jsonOutput := len(args) > 0 && args[0] == "--json"
	if err := status.Run(requireBaseDir(), os.Stdout, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func runAuditVerify(args []string) {
	path := filepath.Join(requireBaseDir(), "logs", "intents.jsonl")
	if len(args) > 0 {
		path = args[0]
	}
	total, valid, err := events.VerifyLogIntegrity(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit-verify: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s: %d entries, %d valid\n", path, total, valid)
	if valid != total {
		os.Exit(2)
	}
}

// call sends command and prints the response data, exiting non-zero on failure.
func call(command string, params any) {
	resp := send(command, params)
	printJSON(resp.Data)
}

func send(command string, params any) *uds.Response {
	client := uds.NewClient(filepath.Join(requireBaseDir(), uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
	if err := resp.Decode(nil); err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) {
			fmt.Fprintf(os.Stderr, "%s failed [%s]: %s\n", command, detail.Code, detail.Message)
			if detail.Code == uds.ErrCodeBackpressure {
				os.Exit(2)
			}
		} else {
			fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		}
		os.Exit(1)
	}
	return resp
}

func printJSON(data json.RawMessage) {
	if len(data) == 0 {
		fmt.Println("null")
		return
	}
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(string(out))
}

// parseFlags collects "--name value" pairs for the allowed names.
func parseFlags(args []string, allowed ...string) map[string]string {
	known := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		known[a] = true
	}
	flags := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if !known[args[i]] {
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
		if i+1 >= len(args) {
			fmt.Fprintf(os.Stderr, "%s requires a value\n", args[i])
			os.Exit(1)
		}
		flags[args[i]] = args[i+1]
		i++
	}
	return flags
}

func intFlag(flags map[string]string, name string) int {
	v, ok := flags[name]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return n
}

func requireBaseDir() string {
	if dir := os.Getenv("TEMPVOICE_DIR"); dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
		os.Exit(1)
	}
	baseDir := setup.FindDir(wd)
	if baseDir == "" {
		fmt.Fprintln(os.Stderr, "error: .tempvoice/ directory not found. Run 'tempvoice setup <dir>' first.")
		os.Exit(1)
	}
	return baseDir
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `tempvoice %s - rate-aware intent queue for temporary voice channels

Usage: tempvoice <command> [options]

Setup:
  setup <dir> [--webhook <url>]   Initialize .tempvoice/ directory
  daemon                          Run daemon process

Intents (CLI -> Daemon):
  enqueue --action <a> --resource <id> --guild <id> [options]
  cancel <intent_id>              Cancel a queued intent
  peek                            Show the next intent to dispatch
  estimate [priority]             Estimated wait for a new intent

Locks:
  locks                           List active resource locks
  lock <resource> --holder <h>    Lease a resource
  unlock <resource> --holder <h>  Release a lease
  force-release <resource>        Drop a lease regardless of holder

Utilities:
  status [--json]                 Daemon, inbox and last metrics (works offline)
  stats [--json]                  Queue, governor and dispatcher counters
  save                            Write the queue snapshot now
  audit-verify [file]             Check audit log checksums
  ping                            Check the daemon is up
  shutdown                        Graceful shutdown
  version                         Show version
  help                            Show this help

The base directory is $TEMPVOICE_DIR or the nearest .tempvoice/ above the
working directory.
`, version)
}
