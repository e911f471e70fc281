package daemon

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/tempvoice/internal/atomicfile"
	"github.com/msageha/tempvoice/internal/dispatcher"
	"github.com/msageha/tempvoice/internal/governor"
	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/queue"
)

// Metrics is the content of state/metrics.yaml.
type Metrics struct {
	SchemaVersion   int               `json:"schema_version" yaml:"schema_version"`
	FileType        string            `json:"file_type" yaml:"file_type"`
	DaemonHeartbeat string            `json:"daemon_heartbeat" yaml:"daemon_heartbeat"`
	StartedAt       string            `json:"started_at" yaml:"started_at"`
	Queue           queue.Stats       `json:"queue" yaml:"queue"`
	Governor        governor.Snapshot `json:"governor" yaml:"governor"`
	Dispatcher      dispatcher.Stats  `json:"dispatcher" yaml:"dispatcher"`
	ActiveLocks     int               `json:"active_locks" yaml:"active_locks"`
	EventsDropped   uint64            `json:"events_dropped" yaml:"events_dropped"`
}

// collectMetrics gathers a consistent-enough view for the metrics file and
// the stats command.
func (d *Daemon) collectMetrics(now time.Time) Metrics {
	return Metrics{
		SchemaVersion:   1,
		FileType:        "state_metrics",
		DaemonHeartbeat: now.UTC().Format(time.RFC3339),
		StartedAt:       d.startedAt.UTC().Format(time.RFC3339),
		Queue:           d.queue.Stats(),
		Governor:        d.governor.Snapshot(),
		Dispatcher:      d.dispatcher.Stats(),
		ActiveLocks:     d.locks.Count(),
		EventsDropped:   d.bus.Dropped(),
	}
}

// writeMetrics refreshes state/metrics.yaml and dashboard.md.
func (d *Daemon) writeMetrics() error {
	m := d.collectMetrics(time.Now())
	if err := atomicfile.WriteYAML(d.paths.metrics, m); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := atomicfile.Write(d.paths.dashboard, []byte(renderDashboard(m)), nil); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	return nil
}

func renderDashboard(m Metrics) string {
	var sb strings.Builder
	sb.WriteString("# tempvoice Dashboard\n\n")
	sb.WriteString(fmt.Sprintf("Updated: %s\n\n", m.DaemonHeartbeat))

	sb.WriteString("## Queue\n\n")
	sb.WriteString(fmt.Sprintf("- size: %d / %d (%.1f%%)\n", m.Queue.Size, m.Queue.Capacity, m.Queue.PressurePct))
	sb.WriteString(fmt.Sprintf("- oldest: %s\n", (time.Duration(m.Queue.OldestAgeMs) * time.Millisecond).String()))
	sb.WriteString(fmt.Sprintf("- dropped: %d, expired: %d\n", m.Queue.Dropped, m.Queue.Expired))

	sb.WriteString("\n| Priority | Queued |\n")
	sb.WriteString("|----------|-------:|\n")
	for _, p := range model.Priorities {
		sb.WriteString(fmt.Sprintf("| %s | %d |\n", p, m.Queue.ByPriority[p.String()]))
	}

	sb.WriteString("\n## Guilds\n\n")
	if len(m.Queue.ByGuild) == 0 {
		sb.WriteString("_No queued intents_\n")
	} else {
		guilds := make([]string, 0, len(m.Queue.ByGuild))
		for g := range m.Queue.ByGuild {
			guilds = append(guilds, g)
		}
		sort.Slice(guilds, func(i, j int) bool {
			a, b := m.Queue.ByGuild[guilds[i]], m.Queue.ByGuild[guilds[j]]
			if a != b {
				return a > b
			}
			return guilds[i] < guilds[j]
		})
		for _, g := range guilds {
			sb.WriteString(fmt.Sprintf("- **%s**: %d\n", g, m.Queue.ByGuild[g]))
		}
	}

	sb.WriteString("\n## Dispatch\n\n")
	sb.WriteString(fmt.Sprintf("- executed: %d (ok %d, retried %d, failed %d), in flight: %d\n",
		m.Dispatcher.Executed, m.Dispatcher.Succeeded, m.Dispatcher.Retried, m.Dispatcher.Failed, m.Dispatcher.InFlight))
	sb.WriteString(fmt.Sprintf("- active locks: %d\n", m.ActiveLocks))
	if m.Governor.Emergency {
		sb.WriteString(fmt.Sprintf("- **EMERGENCY MODE** (%dms remaining)\n", m.Governor.EmergencyRemainingMs))
	}
	return sb.String()
}
