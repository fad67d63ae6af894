// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
)

// Aleutian palette, deep ocean teals.
var (
	colorTealBright = lipgloss.Color("#2CD7C7")
	colorTealDeep   = lipgloss.Color("#16858E")
	colorSlate      = lipgloss.Color("#2C4A54")
	colorWarning    = lipgloss.Color("#F4D03F")
	colorError      = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorTealBright),
	Label:   lipgloss.NewStyle().Bold(true).Width(14),
	Muted:   lipgloss.NewStyle().Foreground(colorSlate),
	Success: lipgloss.NewStyle().Foreground(colorTealBright),
	Warning: lipgloss.NewStyle().Foreground(colorWarning),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorTealDeep).
		Padding(0, 1),
}

func row(label, value string) string {
	return styles.Label.Render(label) + value
}

func decisionStyle(d guardrail.Decision) lipgloss.Style {
	switch d {
	case guardrail.DecisionFinalize:
		return styles.Success
	case guardrail.DecisionRerun:
		return styles.Warning
	}
	return styles.Muted
}

// renderResult formats every iteration of a lineage run.
func renderResult(res loop.Result) string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("Loop "+res.BaseLoopID) + "\n")

	for _, run := range res.Runs {
		lines := []string{row("iteration", run.LoopID), row("state", string(run.State))}
		for _, step := range run.Steps {
			status := string(step.Status)
			if step.Skipped {
				status = "skipped"
			}
			line := fmt.Sprintf("%2d %-10s %-10s %s", step.Index, step.State, step.WorkerKey, status)
			if step.Error != "" {
				line += " " + styles.Error.Render(step.Error)
			}
			lines = append(lines, styles.Muted.Render(line))
		}
		if run.Decision != "" {
			lines = append(lines, row("decision", decisionStyle(run.Decision).Render(string(run.Decision))+" "+string(run.Reason)))
		}
		if run.NextLoopID != "" {
			lines = append(lines, row("next", run.NextLoopID))
		}
		if run.Err != nil {
			lines = append(lines, row("error", styles.Error.Render(run.Err.Code+": "+run.Err.Message)))
		}
		b.WriteString(styles.Box.Render(strings.Join(lines, "\n")) + "\n")
	}

	if res.Decision != "" {
		b.WriteString(row("final", res.FinalLoopID) + " " + decisionStyle(res.Decision).Render(string(res.Reason)) + "\n")
	}
	return b.String()
}

// renderStatus formats a status report.
func renderStatus(r guardrail.StatusReport) string {
	lines := []string{
		styles.Title.Render("Loop " + r.LoopID),
		row("base", r.BaseLoopID),
		row("status", string(r.Status)),
		row("reruns", fmt.Sprintf("%d / %d", r.RerunCount, r.MaxReruns)),
		row("alignment", fmt.Sprintf("%.3f", r.AlignmentScore)),
		row("drift", fmt.Sprintf("%.3f", r.DriftScore)),
		row("fatigue", fmt.Sprintf("%.2f (critical %.2f)", r.Fatigue, r.FatigueThreshold)),
	}
	if r.BiasEcho {
		lines = append(lines, row("bias echo", styles.Warning.Render(strings.Join(r.RepeatedTags, ", "))))
	}
	if r.ControllerState != "" {
		lines = append(lines, row("controller", r.ControllerState))
	}
	if r.LastDecision != "" {
		lines = append(lines, row("decision", decisionStyle(r.LastDecision).Render(string(r.LastDecision))))
	}
	if r.LastReasoning != nil {
		lines = append(lines, row("reason", string(r.LastReasoning.Reason)))
		if r.LastReasoning.OverrideBy != "" {
			lines = append(lines, row("by", r.LastReasoning.OverrideBy))
		}
	}
	if r.LastError != "" {
		lines = append(lines, row("last error", styles.Error.Render(r.LastError)))
	}
	if r.PendingOverride != nil {
		lines = append(lines, row("override", "pending"))
	}
	return styles.Box.Render(strings.Join(lines, "\n")) + "\n"
}
