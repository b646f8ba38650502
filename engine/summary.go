package engine

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

const summaryRule = "----------------------------------------------------------------"

// WriteSummary writes summary.txt: one line per module plus each complete
// module's own summary, and for a failed run the failing module, its log
// tail, its temp dir and how to restart.
func WriteSummary(p *Pipeline, failure error) (string, error) {
	var sb strings.Builder
	status := "Complete"
	if failure != nil {
		status = "Failed"
	}
	fmt.Fprintf(&sb, "Pipeline: %s\n", p.Name())
	fmt.Fprintf(&sb, "Root:     %s\n", p.Root)
	fmt.Fprintf(&sb, "Backend:  %s\n", p.Config.Pipeline.Backend)
	fmt.Fprintf(&sb, "Attempt:  %d\n", p.Attempts())
	fmt.Fprintf(&sb, "Status:   %s\n", status)
	sb.WriteString(summaryRule + "\n")
	for _, t := range p.Tasks {
		st := p.State.Status(t)
		line := fmt.Sprintf("%-32s %-10s", t.Name, st)
		if t.Run != nil && t.Run.Stats.Duration > 0 {
			line += fmt.Sprintf(" %.1fs", t.Run.Stats.Duration)
		}
		sb.WriteString(line + "\n")
		if st != StatusComplete {
			continue
		}
		text, err := t.Module.Summary(t)
		if err != nil {
			text = fmt.Sprintf("summary unavailable: %v", err)
		}
		for _, l := range strings.Split(strings.TrimSpace(text), "\n") {
			if l != "" {
				sb.WriteString("    " + l + "\n")
			}
		}
	}
	if failure != nil {
		sb.WriteString(summaryRule + "\n")
		sb.WriteString(failureText(p, failure))
	}
	text := sb.String()
	if err := writeFileAtomic(filepath.Join(p.Root, summaryFile), []byte(text), 0664); err != nil {
		return text, err
	}
	return text, nil
}

func failureText(p *Pipeline, failure error) string {
	var sb strings.Builder
	var modErr *ModuleExecutionError
	if errors.As(failure, &modErr) {
		fmt.Fprintf(&sb, "Failed module: %s\n", modErr.Module)
		fmt.Fprintf(&sb, "Error:         %v\n", modErr.Err)
		fmt.Fprintf(&sb, "Temp dir:      %s\n", modErr.TempDir)
		if len(modErr.LogTail) > 0 {
			sb.WriteString("Log tail:\n")
			for _, l := range modErr.LogTail {
				sb.WriteString("    " + l + "\n")
			}
		}
	} else {
		fmt.Fprintf(&sb, "Error: %v\n", failure)
	}
	fmt.Fprintf(&sb, "Pipeline log:  %s\n", p.LogPath())
	fmt.Fprintf(&sb, "\nFix the problem, then resume from the failed module with:\n    bosun restart %s\n", p.Root)
	return sb.String()
}
