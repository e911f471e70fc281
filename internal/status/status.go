// Package status reports daemon health without requiring the daemon to be up.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/tempvoice/internal/daemon"
	"github.com/msageha/tempvoice/internal/lock"
	"github.com/msageha/tempvoice/internal/uds"
)

type Status struct {
	Daemon  DaemonStatus    `json:"daemon"`
	Inbox   InboxStatus     `json:"inbox"`
	Metrics *daemon.Metrics `json:"metrics,omitempty"`
	// MetricsAge is how long ago the daemon last refreshed metrics.yaml.
	MetricsAge string `json:"metrics_age,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

type InboxStatus struct {
	Pending     int `json:"pending"`
	Quarantined int `json:"quarantined"`
}

// Collect gathers the status of the daemon rooted at baseDir.
func Collect(baseDir string, now time.Time) Status {
	var s Status
	s.Daemon = checkDaemon(baseDir)
	s.Inbox = countInbox(filepath.Join(baseDir, "inbox"))

	data, err := os.ReadFile(filepath.Join(baseDir, "state", "metrics.yaml"))
	if err == nil {
		var m daemon.Metrics
		if yaml.Unmarshal(data, &m) == nil {
			s.Metrics = &m
			if t, err := time.Parse(time.RFC3339, m.DaemonHeartbeat); err == nil {
				s.MetricsAge = now.Sub(t).Round(time.Second).String()
			}
		}
	}
	return s
}

// Run prints the status of baseDir to w.
func Run(baseDir string, w io.Writer, jsonOutput bool) error {
	s := Collect(baseDir, time.Now())
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printStatus(w, s)
	return nil
}

func checkDaemon(baseDir string) DaemonStatus {
	client := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)
	if err := client.Call("ping", nil, nil); err != nil {
		return DaemonStatus{Running: false}
	}
	pid, _ := lock.ReadPID(filepath.Join(baseDir, "locks", "daemon.lock"))
	return DaemonStatus{Running: true, Pid: pid}
}

func countInbox(dir string) InboxStatus {
	var s InboxStatus
	if entries, err := os.ReadDir(dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") && !strings.HasPrefix(e.Name(), ".") {
				s.Pending++
			}
		}
	}
	if entries, err := os.ReadDir(filepath.Join(dir, "quarantine")); err == nil {
		s.Quarantined = len(entries)
	}
	return s
}

func printStatus(w io.Writer, s Status) {
	if s.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", s.Daemon.Pid)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	fmt.Fprintf(w, "\nInbox: %d pending, %d quarantined\n", s.Inbox.Pending, s.Inbox.Quarantined)

	if s.Metrics == nil {
		fmt.Fprintln(w, "\nMetrics: none")
		return
	}
	m := s.Metrics
	fmt.Fprintf(w, "\nMetrics (as of %s", m.DaemonHeartbeat)
	if s.MetricsAge != "" {
		fmt.Fprintf(w, ", %s ago", s.MetricsAge)
	}
	fmt.Fprintln(w, "):")
	fmt.Fprintf(w, "  queue       %d/%d (%.1f%%)\n", m.Queue.Size, m.Queue.Capacity, m.Queue.PressurePct)
	fmt.Fprintf(w, "  dispatched  %d ok, %d retried, %d failed\n", m.Dispatcher.Succeeded, m.Dispatcher.Retried, m.Dispatcher.Failed)
	fmt.Fprintf(w, "  dropped     %d, expired %d\n", m.Queue.Dropped, m.Queue.Expired)
	fmt.Fprintf(w, "  locks       %d\n", m.ActiveLocks)
	if m.Governor.Emergency {
		fmt.Fprintln(w, "  governor    EMERGENCY")
	}
}
