package commands

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"goa.design/clue/health"
	"gopkg.in/yaml.v3"

	"github.com/Epistimio/kleio/store"
	"github.com/Epistimio/kleio/trial"
)

var statusColors = map[string]*color.Color{
	trial.StatusCompleted:   color.New(color.FgGreen),
	trial.StatusBroken:      color.New(color.FgRed),
	trial.StatusInterrupted: color.New(color.FgRed),
	trial.StatusRunning:     color.New(color.FgYellow),
	trial.StatusReserved:    color.New(color.FgYellow),
	trial.StatusSuspended:   color.New(color.FgCyan),
	trial.StatusFailover:    color.New(color.FgMagenta),
	trial.StatusSwitchover:  color.New(color.FgMagenta),
	trial.StatusBranched:    color.New(color.Faint),
}

func colorStatus(status string) string {
	if c, ok := statusColors[status]; ok {
		return c.Sprint(status)
	}
	return status
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(os.Stdout)
	tbl.SetStyle(table.StyleLight)
	return tbl
}

// NewStatusCommand creates the status command: trial counts per status.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize the registry: how many trials per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			if pinger, ok := se.s.(health.Pinger); ok {
				if _, healthy := health.NewChecker(pinger).Check(ctx); !healthy {
					return fmt.Errorf("database %s at %s is unreachable", se.s.Name(), se.s.Address())
				}
			}

			docs, err := se.s.Read(ctx, trial.CollectionReports, store.Document{},
				&store.ReadOptions{Projection: store.Document{"registry.status": 1}})
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for _, doc := range docs {
				counts[reportStatus(doc)]++
			}
			statuses := make([]string, 0, len(counts))
			for status := range counts {
				statuses = append(statuses, status)
			}
			sort.Strings(statuses)

			tbl := newTable()
			tbl.AppendHeader(table.Row{"STATUS", "TRIALS"})
			for _, status := range statuses {
				tbl.AppendRow(table.Row{colorStatus(status), counts[status]})
			}
			tbl.AppendFooter(table.Row{"total", len(docs)})
			tbl.Render()
			return nil
		},
	}
}

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	var tags []string
	cmd := &cobra.Command{
		Use:   "list [flags]",
		Short: "List trials, optionally filtered by tags",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			query := store.Document{}
			if len(tags) > 0 {
				all := make([]any, len(tags))
				for i, tag := range tags {
					all[i] = tag
				}
				query["tags"] = store.Document{"$all": all}
			}
			docs, err := se.s.Read(ctx, trial.CollectionReports, query, &store.ReadOptions{
				Sort: []store.Key{{Field: "registry.start_time", Order: 1}},
			})
			if err != nil {
				return err
			}

			tbl := newTable()
			tbl.AppendHeader(table.Row{"ID", "STATUS", "TAGS", "START", "DURATION"})
			for _, doc := range docs {
				id := fmt.Sprintf("%v", doc["_id"])
				if len(id) > 7 {
					id = id[:7]
				}
				start, end := reportTimes(doc)
				started, duration := "", ""
				if !start.IsZero() {
					started = humanize.Time(start)
				}
				if !start.IsZero() && !end.IsZero() {
					duration = end.Sub(start).Round(time.Second).String()
				}
				tbl.AppendRow(table.Row{
					id,
					colorStatus(reportStatus(doc)),
					strings.Join(reportTags(doc), ","),
					started,
					duration,
				})
			}
			tbl.AppendFooter(table.Row{fmt.Sprintf("%d trials", len(docs))})
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "only list trials carrying all these tags")
	return cmd
}

// NewInfoCommand creates the info command.
func NewInfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <trial-id>",
		Short: "Show a trial in full: header, lineage, configuration, statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			node, err := se.resolveNode(ctx, args[0])
			if err != nil {
				return err
			}
			t := node.Trial()

			fmt.Printf("id: %s\n", t.ID())
			fmt.Printf("status: %s\n", colorStatus(t.Status()))
			if tags := t.Tags(); len(tags) > 0 {
				fmt.Printf("tags: %s\n", strings.Join(tags, ", "))
			}
			if parentID := t.ParentID(); parentID != "" {
				lineage := fmt.Sprintf("branched from: %s", parentID[:7])
				if ts := t.RefersTimestamp(); ts != nil {
					lineage += " at " + ts.Format(time.RFC3339)
				}
				fmt.Println(lineage)
			}
			if start := t.StartTime(); start != nil {
				fmt.Printf("started: %s\n", humanize.Time(*start))
			}
			if end := t.EndTime(); end != nil {
				fmt.Printf("last event: %s\n", humanize.Time(*end))
			}
			fmt.Printf("commandline: %s\n", strings.Join(t.Commandline(), " "))

			configuration, err := node.Configuration(ctx)
			if err != nil {
				return err
			}
			printSection("configuration", configuration)
			hosts, err := node.Hosts(ctx)
			if err != nil {
				return err
			}
			printSection("host", hosts)
			versions, err := node.Versions(ctx)
			if err != nil {
				return err
			}
			printSection("version", versions)

			stats, err := node.Statistics(ctx)
			if err != nil {
				return err
			}
			if stats.Len() > 0 {
				fmt.Printf("statistics (%d measurements):\n", stats.Len())
				for _, key := range stats.Keys() {
					if last, ok := stats.Last(key); ok {
						fmt.Printf("  %s: %v\n", key, last)
					}
				}
			}
			return nil
		},
	}
}

// NewCatCommand creates the cat command.
func NewCatCommand() *cobra.Command {
	var useStderr bool
	cmd := &cobra.Command{
		Use:   "cat <trial-id>",
		Short: "Print a trial's journalled output, parent history included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			se, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer se.close(ctx)

			node, err := se.resolveNode(ctx, args[0])
			if err != nil {
				return err
			}
			lines, err := node.Stdout(ctx)
			if useStderr {
				lines, err = node.Stderr(ctx)
			}
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&useStderr, "stderr", false, "print the journalled stderr instead of stdout")
	return cmd
}

func printSection(name string, doc store.Document) {
	if len(doc) == 0 {
		return
	}
	out, err := yaml.Marshal(map[string]any(doc))
	if err != nil {
		fmt.Printf("%s: %v\n", name, doc)
		return
	}
	fmt.Printf("%s:\n", name)
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		fmt.Printf("  %s\n", line)
	}
}

func reportStatus(doc store.Document) string {
	if registry, ok := doc["registry"].(store.Document); ok {
		return fmt.Sprintf("%v", registry["status"])
	}
	return "unknown"
}

func reportTimes(doc store.Document) (start, end time.Time) {
	registry, ok := doc["registry"].(store.Document)
	if !ok {
		return
	}
	if t, ok := registry["start_time"].(time.Time); ok {
		start = t
	}
	if t, ok := registry["end_time"].(time.Time); ok {
		end = t
	}
	return
}

func reportTags(doc store.Document) []string {
	raw, ok := doc["tags"].([]any)
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(raw))
	for _, v := range raw {
		tags = append(tags, fmt.Sprintf("%v", v))
	}
	return tags
}
