package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/testorch/internal/models"
	"github.com/mpataki/testorch/internal/orchestrator"
	"github.com/mpataki/testorch/internal/storage"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle  = lipgloss.NewStyle().Bold(true)
	badgeWidth  = len(string(models.StateGenerating)) + 2
)

func stateBadge(state models.LifecycleState) string {
	style := dimStyle
	switch {
	case state == models.StatePassed:
		style = passStyle
	case state == models.StateFailed || state == models.StateExhausted:
		style = errorStyle
	case state == models.StateBlocked:
		style = warnStyle
	case state.InFlight():
		style = activeStyle
	}
	return style.Width(badgeWidth).Render("[" + string(state) + "]")
}

func runStatus(run *models.RunResult) string {
	if run.Passed() {
		return passStyle.Render("PASS")
	}
	return errorStyle.Render("FAIL")
}

func printRun(run *models.RunResult) {
	fmt.Printf("%s run %s: %d passed, %d failed, %d errors (reward %.2f, %s)\n",
		runStatus(run), run.ID, run.PassCount, run.FailCount, run.ErrorCount, run.Reward, run.Duration)
}

func printHeal(res *orchestrator.HealResult) {
	fmt.Printf("%s heal %s\n", stateBadge(res.State), res.Outcome)
	if res.PatchedArtifactID != "" {
		fmt.Printf("  %s %s\n", labelStyle.Render("Patched artifact:"), res.PatchedArtifactID)
	}
	if res.DiagnosisText != "" {
		fmt.Printf("  %s\n", labelStyle.Render("Diagnosis:"))
		for _, line := range strings.Split(strings.TrimSpace(res.DiagnosisText), "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
	if res.ReRun != nil {
		fmt.Print("  ")
		printRun(res.ReRun)
	}
	if res.Reason != "" {
		fmt.Printf("  %s\n", dimStyle.Render(res.Reason))
	}
}

func printCycle(report *orchestrator.CycleReport) {
	fmt.Printf("%s %s\n", stateBadge(report.State), report.ProjectID)
	if report.Artifact != nil {
		fmt.Printf("  artifact %s\n", report.Artifact.ID)
	}
	if report.Run != nil {
		fmt.Print("  ")
		printRun(report.Run)
	}
	if report.Heal != nil {
		fmt.Print("  ")
		printHeal(report.Heal)
	}
	if report.Reason != "" && report.Heal == nil {
		fmt.Printf("  %s\n", dimStyle.Render(report.Reason))
	}
}

func printHistory(rec *models.HistoryRecord) {
	fmt.Printf("#%-5d %s %-20s %-5s %3d/%-3d reward %.2f  %s\n",
		rec.Seq, runStatus(&rec.RunResult), rec.ProjectName, rec.Phase,
		rec.PassCount, rec.PassCount+rec.FailCount+rec.ErrorCount, rec.Reward,
		dimStyle.Render(storage.FormatTimeAgo(rec.Timestamp)))
}

func printStats(stats *models.Stats) {
	fmt.Printf("%s %d\n", labelStyle.Render("Total runs:     "), stats.TotalRuns)
	fmt.Printf("%s %d\n", labelStyle.Render("Passed runs:    "), stats.PassedRuns)
	fmt.Printf("%s %.3f\n", labelStyle.Render("Average reward: "), stats.AvgReward)
	fmt.Printf("%s %d\n", labelStyle.Render("Active projects:"), stats.ActiveProjects)
}

func printProject(p *models.Project) {
	fmt.Printf("%s %s (%s)\n", stateBadge(p.State), p.ID, p.Name)
	if p.TargetBaseURL != "" {
		fmt.Printf("Target: %s\n", p.TargetBaseURL)
	}
	fmt.Printf("Endpoints:\n")
	for _, e := range p.Endpoints {
		fmt.Printf("  %s\n", e)
	}
	if p.CurrentArtifactID != "" {
		fmt.Printf("Artifact: %s\n", p.CurrentArtifactID)
	}
	if p.LastRunID != "" {
		fmt.Printf("Last run: %s\n", p.LastRunID)
	}
	if p.StateReason != "" {
		fmt.Printf("Reason: %s\n", p.StateReason)
	}
	if p.BlockedUntil != nil {
		fmt.Printf("Blocked until: %s\n", p.BlockedUntil.Local().Format("15:04:05 Jan 2"))
	}
	fmt.Printf("Updated: %s\n", storage.FormatTimeAgo(p.UpdatedAt))
}
