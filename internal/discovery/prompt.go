package discovery

import (
	"fmt"
	"sort"
	"strings"
)

// Inputs bundles the human-authored documents the discovery prompt is
// built from.
type Inputs struct {
	Sprint       string
	Vision       string
	PRD          string
	Architecture string // empty if ARCHITECTURE.md is absent
}

// RenderDiscoveryPrompt assembles the first prompt sent under
// RoleReasoner: the human-authored documents plus the pre-computed
// environment context, asking the agent to return an initial task plan via
// create_task calls.
func RenderDiscoveryPrompt(in Inputs, env Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Sprint: %s\n\n", in.Sprint)
	b.WriteString("## Vision\n\n")
	b.WriteString(strings.TrimSpace(in.Vision))
	b.WriteString("\n\n## PRD\n\n")
	b.WriteString(strings.TrimSpace(in.PRD))
	if strings.TrimSpace(in.Architecture) != "" {
		b.WriteString("\n\n## Architecture\n\n")
		b.WriteString(strings.TrimSpace(in.Architecture))
	}

	b.WriteString("\n\n## Environment\n\n")
	renderToolVersions(&b, env.ToolVersions)
	renderMarkers(&b, env.ProjectMarkers)
	renderServices(&b, env.Services)
	renderFileTree(&b, env.Files, env.Truncated)

	b.WriteString("\nCall create_task for each unit of work in the initial plan. ")
	b.WriteString("Set dependencies using task ids, or \"research:<topic>\" / \"service:<name>\" for ")
	b.WriteString("external prerequisites.\n")

	return b.String()
}

func renderToolVersions(b *strings.Builder, versions map[string]string) {
	b.WriteString("Tool versions:\n")
	if len(versions) == 0 {
		b.WriteString("- none detected\n")
		return
	}
	names := sortedKeys(versions)
	for _, name := range names {
		fmt.Fprintf(b, "- %s: %s\n", name, versions[name])
	}
}

func renderMarkers(b *strings.Builder, markers []string) {
	b.WriteString("Project markers:")
	if len(markers) == 0 {
		b.WriteString(" none\n")
		return
	}
	b.WriteString(" " + strings.Join(markers, ", ") + "\n")
}

func renderServices(b *strings.Builder, services map[string]bool) {
	b.WriteString("Configured service indicators:")
	if len(services) == 0 {
		b.WriteString(" none\n")
		return
	}
	names := make([]string, 0, len(services))
	for name, ok := range services {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	b.WriteString(" " + strings.Join(names, ", ") + "\n")
}

func renderFileTree(b *strings.Builder, files []FileEntry, truncated bool) {
	fmt.Fprintf(b, "File tree (%d files%s):\n", len(files), trailingNote(truncated))
	limit := len(files)
	if limit > 200 {
		limit = 200
	}
	for _, f := range files[:limit] {
		fmt.Fprintf(b, "- %s (%d lines)\n", f.Path, f.Lines)
	}
	if limit < len(files) {
		fmt.Fprintf(b, "- ... %d more not shown\n", len(files)-limit)
	}
}

func trailingNote(truncated bool) string {
	if truncated {
		return ", truncated"
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
