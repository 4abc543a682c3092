// cfgdraw renders the control flow graphs described by a method file and
// prints per-method pipeline statistics.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/i-sz/jop/app"
	"github.com/i-sz/jop/cfg"
	"github.com/i-sz/jop/wcet"
)

var (
	inputFlag = &cli.StringFlag{
		Name:     "input",
		Aliases:  []string{"i"},
		Usage:    "method file describing the program",
		Required: true,
	}
	methodFlag = &cli.StringFlag{
		Name:  "method",
		Usage: "fully qualified method to process (default: all)",
	}
	outDirFlag = &cli.StringFlag{
		Name:  "outdir",
		Usage: "directory for the generated .dot files",
		Value: ".",
	}
	rawFlag = &cli.BoolFlag{
		Name:  "raw",
		Usage: "draw the graph as built, without the transform passes",
	}
	formatFlag = &cli.StringFlag{
		Name:  "format",
		Usage: "output format: dot, or any graphviz -T format (needs dot in PATH)",
		Value: "dot",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "number of methods processed concurrently (default: one per CPU)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=silent, 5=trace)",
		Value: 3,
	}
)

func main() {
	cliApp := &cli.App{
		Name:  "cfgdraw",
		Usage: "control flow graph toolbox for WCET analysis",
		Flags: []cli.Flag{verbosityFlag},
		Before: func(ctx *cli.Context) error {
			handler := log.LvlFilterHandler(log.Lvl(ctx.Int(verbosityFlag.Name)),
				log.StreamHandler(os.Stderr, log.TerminalFormat(false)))
			log.Root().SetHandler(handler)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "draw",
				Usage:  "export method graphs as Graphviz DOT",
				Flags:  []cli.Flag{inputFlag, methodFlag, outDirFlag, rawFlag, formatFlag},
				Action: draw,
			},
			{
				Name:   "stats",
				Usage:  "run the pipeline and tabulate per-method structure",
				Flags:  []cli.Flag{inputFlag, workersFlag},
				Action: stats,
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func draw(ctx *cli.Context) error {
	program, err := app.LoadFile(ctx.String(inputFlag.Name))
	if err != nil {
		return err
	}
	methods, err := selectMethods(program, ctx.String(methodFlag.Name))
	if err != nil {
		return err
	}
	outDir := ctx.String(outDirFlag.Name)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	format := ctx.String(formatFlag.Name)
	for _, m := range methods {
		g, err := cfg.New(program, m)
		if err != nil {
			return err
		}
		if !ctx.Bool(rawFlag.Name) {
			if err := applyPasses(g); err != nil {
				return err
			}
		}
		path := filepath.Join(outDir, graphFileName(m, format))
		if format == "dot" {
			err = writeDOT(g, path)
		} else {
			err = renderGraphviz(g, path, format)
		}
		if err != nil {
			return err
		}
		log.Info("Wrote graph", "method", m.FQName(), "file", path)
	}
	return nil
}

func stats(ctx *cli.Context) error {
	program, err := app.LoadFile(ctx.String(inputFlag.Name))
	if err != nil {
		return err
	}
	driver, err := wcet.NewDriver(program, wcet.Config{Workers: ctx.Int(workersFlag.Name)})
	if err != nil {
		return err
	}
	results, err := driver.Run()
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Method", "Leaf", "Nodes", "Edges", "Loops", "Default-bounded", "Error"})
	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			table.Append([]string{r.Method.FQName(), "", "", "", "", "", r.Err.Error()})
			continue
		}
		table.Append([]string{
			r.Method.FQName(),
			strconv.FormatBool(r.Leaf),
			strconv.Itoa(r.Nodes),
			strconv.Itoa(r.Edges),
			strconv.Itoa(r.Loops),
			strings.Join(r.DefaultBounded, ", "),
			"",
		})
	}
	table.Render()
	if failures > 0 {
		return fmt.Errorf("%d of %d methods failed", failures, len(results))
	}
	return nil
}

func selectMethods(program *app.AppInfo, fqName string) ([]*app.MethodInfo, error) {
	if fqName == "" {
		return program.Methods(), nil
	}
	m := program.Method(fqName)
	if m == nil {
		return nil, fmt.Errorf("method %q not found in method file", fqName)
	}
	return []*app.MethodInfo{m}, nil
}

func applyPasses(g *cfg.CFG) error {
	passes := []func() error{
		func() error { return g.ResolveVirtualInvokes(app.EmptyCallString) },
		g.InsertSplitNodes,
		g.InsertReturnNodes,
		g.InsertContinueLoopNodes,
		g.InsertSummaryNodes,
	}
	for _, pass := range passes {
		if err := pass(); err != nil {
			return err
		}
	}
	return nil
}

func writeDOT(g *cfg.CFG, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return g.ExportDOT(f, nil, nil)
}

// renderGraphviz pipes the DOT text through the graphviz dot tool.
func renderGraphviz(g *cfg.CFG, path, format string) error {
	var dot strings.Builder
	if err := g.ExportDOT(&dot, nil, nil); err != nil {
		return err
	}
	cmd := exec.Command("dot", "-T"+format, "-o", path)
	cmd.Stdin = strings.NewReader(dot.String())
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("graphviz dot: %w", err)
	}
	return nil
}

func graphFileName(m *app.MethodInfo, format string) string {
	name := m.FQName()
	replacer := strings.NewReplacer("/", "_", "(", "_", ")", "_", ";", "_", "<", "_", ">", "_")
	return replacer.Replace(name) + "." + format
}
