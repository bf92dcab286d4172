package render

import (
	"fmt"
	"html"
	"io"
	"sort"
	"strings"
)

// IndexPage describes the HTML summary written next to the DOT output.
type IndexPage struct {
	Title          string
	Stats          Stats
	EntryPoints    []string
	ReachableCount int
	HasCallgraph   bool
	HasReachable   bool
	CFGs           []string // function names with a cfg/<name>.dot file
}

// WriteIndexHTML writes a small HTML page summarizing a partition run.
func WriteIndexHTML(w io.Writer, p IndexPage) {
	stats := p.Stats
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: "Helvetica Neue", Helvetica, Arial, sans-serif; font-size: 14px; color: #1A1A1A; background: #F5F5F5; margin: 2em; max-width: 900px; }
h1 { font-size: 18px; font-weight: 600; margin-bottom: 0.5em; }
h2 { font-size: 14px; font-weight: 600; margin-top: 1.5em; border-bottom: 1px solid #ddd; padding-bottom: 4px; }
table { border-collapse: collapse; margin: 0.5em 0; }
th, td { text-align: left; padding: 3px 12px 3px 0; font-size: 13px; }
th { font-weight: 600; }
td.num { text-align: right; font-variant-numeric: tabular-nums; }
a { color: #0B3D91; }
.bar { height: 8px; border-radius: 2px; display: inline-block; vertical-align: middle; background: #00695C; }
.ep { font-family: "Courier New", monospace; font-size: 12px; }
</style>
</head>
<body>
`, html.EscapeString(p.Title))

	fmt.Fprintf(w, "<h1>%s</h1>\n", html.EscapeString(p.Title))

	fmt.Fprintln(w, "<h2>Summary</h2>")
	fmt.Fprintln(w, "<table>")
	row := func(name string, v any) {
		fmt.Fprintf(w, "<tr><td>%s</td><td class=\"num\">%v</td></tr>\n", name, v)
	}
	row("Functions", stats.Functions)
	row("Basic blocks", stats.Blocks)
	row("Instructions", stats.Instructions)
	row("Edges", stats.Edges)
	row("Call edges", stats.CallEdges)
	row("Dead-code blocks", stats.DeadBlocks)
	row("Failed placeholders", stats.Failed)
	row("Functions needing attention", stats.Attention)
	row("Diagnostics", stats.Diags)
	row("Entry points", len(p.EntryPoints))
	row("Reachable functions", p.ReachableCount)
	fmt.Fprintln(w, "</table>")

	if len(stats.DataKinds) > 0 {
		fmt.Fprintln(w, "<h2>Data Blocks</h2>")
		fmt.Fprintln(w, "<table>")
		fmt.Fprintln(w, "<tr><th>Kind</th><th>Count</th><th></th></tr>")
		kinds := make([]string, 0, len(stats.DataKinds))
		total := 0
		for k, n := range stats.DataKinds {
			kinds = append(kinds, k)
			total += n
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			n := stats.DataKinds[k]
			barW := n * 200 / total
			if barW < 2 {
				barW = 2
			}
			fmt.Fprintf(w, "<tr><td>%s</td><td class=\"num\">%d</td><td><span class=\"bar\" style=\"width:%dpx\"></span></td></tr>\n",
				html.EscapeString(k), n, barW)
		}
		fmt.Fprintf(w, "<tr><td>Bytes</td><td class=\"num\">%d</td><td></td></tr>\n", stats.DataBytes)
		fmt.Fprintln(w, "</table>")
	}

	// Graphs: only link SVGs, dot files can't be opened in a browser.
	fmt.Fprintln(w, "<h2>Graphs</h2>")
	fmt.Fprint(w, "<p>")
	var links []string
	if p.HasReachable {
		links = append(links, `<a href="reachable.svg">Reachable call tree</a>`)
	}
	if p.HasCallgraph {
		links = append(links, `<a href="callgraph.svg">Call graph</a>`)
	}
	if len(p.CFGs) > 0 {
		links = append(links, `<a href="cfg/">Per-function CFGs</a>`)
	}
	if len(links) == 0 {
		fmt.Fprint(w, `<span style="color:#9E9E9E">No graphs generated</span>`)
	}
	fmt.Fprint(w, strings.Join(links, " | "))
	fmt.Fprintln(w, "</p>")

	if len(p.EntryPoints) > 0 {
		hasCFG := make(map[string]bool, len(p.CFGs))
		for _, n := range p.CFGs {
			hasCFG[n] = true
		}
		fmt.Fprintln(w, "<h2>Entry Points</h2>")
		fmt.Fprintf(w, "<p>%d functions with no incoming calls (roots of the call tree):</p>\n", len(p.EntryPoints))
		fmt.Fprintln(w, "<table>")
		fmt.Fprintln(w, "<tr><th>Function</th></tr>")
		limit := min(50, len(p.EntryPoints))
		for _, ep := range p.EntryPoints[:limit] {
			cfgLink := ""
			if hasCFG[ep] {
				cfgLink = fmt.Sprintf(` <a href="cfg/%s.svg" style="font-size:11px">[cfg]</a>`, SafeFileName(ep))
			}
			fmt.Fprintf(w, "<tr><td class=\"ep\">%s%s</td></tr>\n", html.EscapeString(ep), cfgLink)
		}
		if len(p.EntryPoints) > limit {
			fmt.Fprintf(w, "<tr><td>... and %d more</td></tr>\n", len(p.EntryPoints)-limit)
		}
		fmt.Fprintln(w, "</table>")
	}

	writeTop := func(title, col string, list []NameCount) {
		if len(list) == 0 {
			return
		}
		fmt.Fprintf(w, "<h2>%s</h2>\n", title)
		fmt.Fprintln(w, "<table>")
		fmt.Fprintf(w, "<tr><th>Function</th><th>%s</th></tr>\n", col)
		for _, nc := range list[:min(15, len(list))] {
			fmt.Fprintf(w, "<tr><td>%s</td><td class=\"num\">%d</td></tr>\n", html.EscapeString(nc.Name), nc.Count)
		}
		fmt.Fprintln(w, "</table>")
	}
	writeTop("Top Callers", "Outgoing", stats.TopCallers)
	writeTop("Top Callees", "Incoming", stats.TopCallees)

	fmt.Fprintln(w, "</body></html>")
}
