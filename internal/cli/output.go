package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/harun/threadline/pkg/parser"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

// printResult writes each entry as "name: response" followed by any extra
// fields. Elements that are not objects are written as JSON.
func printResult(w io.Writer, result parser.Result, fallback bool) {
	if fallback {
		fmt.Fprintln(w, yellow("(reply was not structured, shown verbatim)"))
	}
	for _, elem := range result {
		entry, ok := parser.AsEntry(elem)
		if !ok {
			data, err := json.Marshal(elem)
			if err != nil {
				fmt.Fprintf(w, "%v\n", elem)
				continue
			}
			fmt.Fprintln(w, string(data))
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", bold(entry.Name()), entry.Response())

		var extra []string
		for k := range entry {
			if k == parser.FieldName || k == parser.FieldResponse {
				continue
			}
			extra = append(extra, k)
		}
		sort.Strings(extra)
		for _, k := range extra {
			fmt.Fprintf(w, "  %s %v\n", gray(k+":"), entry[k])
		}
	}
}

// printMappings writes agent to session id pairs sorted by agent.
func printMappings(w io.Writer, mappings map[string]string) {
	if len(mappings) == 0 {
		fmt.Fprintln(w, "No stored sessions.")
		return
	}
	names := make([]string, 0, len(mappings))
	width := 0
	for name := range mappings {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s%s  %s\n", bold(name), strings.Repeat(" ", width-len(name)), mappings[name])
	}
}
