// Command evobench-evaluator turns captured probe logs into human-facing
// reports: per-run tables and flamegraphs ("single"), combined statistics
// across several runs ("summary"), and one call path's value tracked across
// a commit history ("trend").
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"evobench-jobs/internal/evalpipeline"
	"evobench-jobs/internal/spantree"
	"evobench-jobs/internal/stats"
	"evobench-jobs/internal/table"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "evobench-evaluator",
		Usage: "turn captured probe logs into tables, flamegraphs, and trends",
		Commands: []*cli.Command{
			singleCommand(),
			summaryCommand(),
			trendCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "evobench-evaluator: %v\n", err)
		os.Exit(1)
	}
}

func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "excel", Usage: "write an Excel workbook to this path"},
		&cli.StringFlag{Name: "flame", Usage: "write folded-stack flamegraph files with this prefix"},
		&cli.StringFlag{Name: "csv", Usage: "write CSV file(s) with this base path"},
		&cli.StringFlag{Name: "format", Value: "terminal", Usage: "terminal output format: terminal or none"},
		&cli.BoolFlag{Name: "show-thread-number", Usage: "additionally index call paths per numbered thread"},
		&cli.BoolFlag{Name: "show-reversed", Usage: "render call paths leaf-first"},
	}
}

func renderOptions(c *cli.Context) evalpipeline.RenderOptions {
	return evalpipeline.RenderOptions{Reversed: c.Bool("show-reversed")}
}

func foldedOptions(c *cli.Context) table.FoldedOptions {
	return table.FoldedOptions{Reversed: c.Bool("show-reversed")}
}

func renderViews(c *cli.Context, views []table.View) error {
	if path := c.String("excel"); path != "" {
		if err := table.WriteExcel(path, views); err != nil {
			return fmt.Errorf("writing excel workbook: %w", err)
		}
	}
	if base := c.String("csv"); base != "" {
		if err := table.WriteCSV(base, views); err != nil {
			return fmt.Errorf("writing csv: %w", err)
		}
	}
	if c.String("format") == "terminal" {
		for _, v := range views {
			if err := table.WriteTerminal(os.Stdout, v); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout)
		}
	}
	return nil
}

// writeSingleFlame emits one folded-stack file per measured field and
// indexed call-path variant, named "<prefix>.<field>.folded" for the
// across-threads variant and "<prefix>.<variant>.<field>.folded" for any
// additional variant.
func writeSingleFlame(c *cli.Context, result *evalpipeline.SingleResult) error {
	prefix := c.String("flame")
	if prefix == "" {
		return nil
	}
	for _, idx := range result.Indexes {
		for _, f := range evalpipeline.Fields {
			path := fmt.Sprintf("%s.%s.folded", prefix, f)
			if idx.Variant.Name != "across" {
				path = fmt.Sprintf("%s.%s.%s.folded", prefix, idx.Variant.Name, f)
			}
			out, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("creating %s: %w", path, err)
			}
			field := f
			err = table.WriteFoldedStacks(out, idx, func(ids []spantree.SpanID) uint64 {
				return result.SumForField(ids, field)
			}, foldedOptions(c))
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("writing %s: %w", path, err)
			}
		}
	}
	return nil
}

func singleCommand() *cli.Command {
	return &cli.Command{
		Name:      "single",
		Usage:     "analyze one run's probe log",
		ArgsUsage: "<evobench.log path>",
		Flags:     outputFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: evobench-evaluator single <path>")
			}
			logPath := c.Args().First()
			result, err := evalpipeline.AnalyzeSingle(logPath, evalpipeline.AnalyzeOptions{
				ShowThreadNumber: c.Bool("show-thread-number"),
			})
			if err != nil {
				return err
			}
			if err := evalpipeline.WriteSidecar(filepath.Dir(logPath), result.Values); err != nil {
				return fmt.Errorf("writing sidecar: %w", err)
			}
			if err := writeSingleFlame(c, result); err != nil {
				return err
			}
			return renderViews(c, result.Tables(renderOptions(c)))
		},
	}
}

func readRuns(c *cli.Context) ([]evalpipeline.PathValues, error) {
	runs := make([]evalpipeline.PathValues, 0, c.NArg())
	for i := 0; i < c.NArg(); i++ {
		values, err := evalpipeline.ReadSidecar(c.Args().Get(i))
		if err != nil {
			return nil, fmt.Errorf("reading sidecar for %s: %w", c.Args().Get(i), err)
		}
		runs = append(runs, values)
	}
	return runs, nil
}

func summaryCommand() *cli.Command {
	flags := append(outputFlags(),
		&cli.StringFlag{Name: "summary-field", Value: "average", Usage: "n|sum|average|median|sd|0..1"})
	return &cli.Command{
		Name:      "summary",
		Usage:     "combine several runs' sidecars into one summary",
		ArgsUsage: "<run dir>...",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("usage: evobench-evaluator summary <run dir>...")
			}
			statsField, err := stats.ParseField(c.String("summary-field"))
			if err != nil {
				return err
			}

			runs, err := readRuns(c)
			if err != nil {
				return err
			}

			fields := []stats.Field{stats.N, stats.Sum, stats.Average, stats.Median, stats.SD}
			if c.IsSet("summary-field") {
				fields = []stats.Field{statsField}
			}
			views, err := evalpipeline.SummaryAcross(runs, fields, evalpipeline.FieldReal, renderOptions(c))
			if err != nil {
				return err
			}

			if prefix := c.String("flame"); prefix != "" {
				folded, err := evalpipeline.SummaryFolded(runs, statsField, evalpipeline.FieldReal)
				if err != nil {
					return err
				}
				path := prefix + ".folded"
				out, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("creating %s: %w", path, err)
				}
				err = table.WriteFoldedMap(out, folded, foldedOptions(c))
				if closeErr := out.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return fmt.Errorf("writing %s: %w", path, err)
				}
			}
			return renderViews(c, views)
		},
	}
}

func trendCommand() *cli.Command {
	flags := append(outputFlags(),
		&cli.StringFlag{Name: "trend-field", Value: "average", Usage: "n|sum|average|median|sd|0..1"},
		&cli.StringFlag{Name: "path", Required: true, Usage: "call path to track"})
	return &cli.Command{
		Name:      "trend",
		Usage:     "track one call path's value across a commit history",
		ArgsUsage: "[<run dir>]+",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			field, err := stats.ParseField(c.String("trend-field"))
			if err != nil {
				return err
			}

			// Run directories live at <...>/<commit>/<timestamp>, so the
			// commit is each argument's parent directory name.
			runsByCommit := make(map[string][]evalpipeline.PathValues)
			var commits []string
			for i := 0; i < c.NArg(); i++ {
				dir := c.Args().Get(i)
				commit := filepath.Base(filepath.Dir(dir))
				values, err := evalpipeline.ReadSidecar(dir)
				if err != nil {
					return fmt.Errorf("reading sidecar for %s: %w", dir, err)
				}
				if _, seen := runsByCommit[commit]; !seen {
					commits = append(commits, commit)
				}
				runsByCommit[commit] = append(runsByCommit[commit], values)
			}

			v, err := evalpipeline.Trend(commits, runsByCommit, c.String("path"), field, evalpipeline.FieldReal)
			if err != nil {
				return err
			}
			views := []table.View{v}
			if change, ok, err := evalpipeline.Changes(commits, runsByCommit, c.String("path"), field, evalpipeline.FieldReal); err != nil {
				return err
			} else if ok {
				views = append(views, change)
			}
			return renderViews(c, views)
		},
	}
}
