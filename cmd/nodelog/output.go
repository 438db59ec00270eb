package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/modoterra/nodelog/pkg/core"
)

func renderWorkers(w io.Writer, workers []core.WorkerInfo) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Kind", "Status", "PID", "CPU", "Memory", "Uptime", "Restarts"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, info := range workers {
		status := string(info.Status)
		if status == "" {
			status = "registered"
		}
		pid := "-"
		if info.PID > 0 {
			pid = strconv.Itoa(info.PID)
		}
		table.Append([]string{
			info.ID,
			string(info.Kind),
			status,
			pid,
			fmt.Sprintf("%.1f%%", info.CPUPct),
			formatBytes(info.MemBytes),
			(time.Duration(info.UptimeSec) * time.Second).String(),
			strconv.Itoa(info.Restarts),
		})
	}
	table.Render()
}

// formatEntry renders one stored log entry as a single line.
func formatEntry(e core.LogEntry) string {
	var b strings.Builder
	b.WriteString(time.UnixMilli(e.TsUnixMs).Format("15:04:05.000"))
	switch e.Kind {
	case core.EntryEvent:
		fmt.Fprintf(&b, " %-8s", strings.ToUpper(string(e.Level)))
	case core.EntryOpaque:
		fmt.Fprintf(&b, " %-8s", "RAW")
	default:
		fmt.Fprintf(&b, " %-8s", "")
	}
	if e.Namespace != "" {
		b.WriteString(" [" + e.Namespace + "]")
	}
	b.WriteString(" " + e.Text)
	return b.String()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return abs, nil
}
