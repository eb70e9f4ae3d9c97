package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/loykin/procwatch/pkg/client"
)

type outputFormat string

const (
	outputTable outputFormat = "table"
	outputJSON  outputFormat = "json"
	outputYAML  outputFormat = "yaml"
)

func parseOutput(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case outputTable, outputJSON, outputYAML:
		return f, nil
	case "":
		return outputTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

// printer renders API results. table is only consulted for outputTable.
type printer struct {
	w      io.Writer
	format outputFormat
}

func (p printer) print(v any, table func(*tablewriter.Table)) error {
	switch p.format {
	case outputJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// round-trip through JSON so yaml keys follow the json tags
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		t := tablewriter.NewWriter(p.w)
		table(t)
		return t.Render()
	}
}

func (p printer) targets(ts []client.Target) error {
	return p.print(ts, func(t *tablewriter.Table) {
		t.Header("Name", "Status", "PID", "Restarts", "CPU %", "Mem MB", "Uptime", "Next Restart")
		for _, tg := range ts {
			st := tg.State
			_ = t.Append(
				st.Name,
				st.Status,
				pidString(st.PID),
				fmt.Sprintf("%d/%d", st.RestartCount, st.MaxRestarts),
				strconv.FormatFloat(st.LastStats.CPUPercent, 'f', 1, 64),
				strconv.FormatFloat(st.LastStats.MemoryMB, 'f', 1, 64),
				dash(st.LastStats.Uptime),
				nextRestart(st.NextScheduledRestartAt),
			)
		}
	})
}

func (p printer) state(st client.RuntimeState) error {
	return p.print(st, func(t *tablewriter.Table) {
		t.Header("Name", "Status", "PID", "Restarts", "Error")
		_ = t.Append(st.Name, st.Status, pidString(st.PID),
			fmt.Sprintf("%d/%d", st.RestartCount, st.MaxRestarts), dash(st.LastError))
	})
}

func (p printer) stats(pts []client.StatPoint) error {
	return p.print(pts, func(t *tablewriter.Table) {
		t.Header("Time", "CPU %", "Mem MB", "Restarts", "Uptime")
		for _, pt := range pts {
			_ = t.Append(
				pt.At.Local().Format(time.TimeOnly),
				strconv.FormatFloat(pt.Sample.CPUPercent, 'f', 1, 64),
				strconv.FormatFloat(pt.Sample.MemoryMB, 'f', 1, 64),
				strconv.Itoa(pt.Sample.RestartCount),
				pt.Sample.Uptime,
			)
		}
	})
}

func (p printer) history(recs []client.HistoryRecord) error {
	return p.print(recs, func(t *tablewriter.Table) {
		t.Header("Time", "Target", "Kind", "Status", "Message")
		for _, r := range recs {
			_ = t.Append(r.OccurredAt.Local().Format(time.DateTime), r.Target, r.Kind, dash(r.Status), dash(r.Message))
		}
	})
}

func (p printer) system(s client.SystemStats) error {
	return p.print(s, func(t *tablewriter.Table) {
		t.Header("CPU %", "Memory %", "Used MB", "Total MB", "CPUs")
		_ = t.Append(
			strconv.FormatFloat(s.CPUPercent, 'f', 1, 64),
			strconv.FormatFloat(s.MemoryPercent, 'f', 1, 64),
			strconv.FormatFloat(s.MemoryUsedMB, 'f', 0, 64),
			strconv.FormatFloat(s.MemoryTotalMB, 'f', 0, 64),
			strconv.Itoa(s.NumCPU),
		)
	})
}

// eventLine formats one stream event for terminal output.
func eventLine(ev client.Event) string {
	ts := ev.Time.Local().Format(time.TimeOnly)
	switch ev.Kind {
	case "status":
		if ev.Error != "" {
			return fmt.Sprintf("%s [%s] status=%s error=%q", ts, ev.Target, ev.Status, ev.Error)
		}
		return fmt.Sprintf("%s [%s] status=%s", ts, ev.Target, ev.Status)
	case "stats":
		return fmt.Sprintf("%s [%s] cpu=%.1f%% mem=%.1fMB restarts=%d uptime=%s",
			ts, ev.Target, ev.Stats.CPUPercent, ev.Stats.MemoryMB, ev.Stats.RestartCount, ev.Stats.Uptime)
	default:
		return fmt.Sprintf("%s [%s] %s", ts, ev.Target, ev.Text)
	}
}

func pidString(pid int) string {
	if pid == 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func nextRestart(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
