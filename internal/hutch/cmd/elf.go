package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hutch/internal/analysis"
	"hutch/internal/elfx"
	hlog "hutch/internal/hutch/log"
	"hutch/internal/sla"
	"hutch/internal/ui/colorize"
)

var elfCmd = &cobra.Command{
	Use:   "elf <file> [symbol...]",
	Short: "Decode functions from an ELF executable",
	Long: `Decode the named functions of an ELF executable, or every function it
defines when none are named. Calls, branches and string literals are
annotated with the symbols and data they refer to.`,
	Example: `
# List the functions hutch can see
hutch elf --list ./a.out

# Decode two functions with their p-code
hutch elf --pcode ./a.out main _Z3addii
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		hlog.Setup(cfg.Debug)
		img, err := elfx.Open(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		out := cmd.OutOrStdout()
		if list, _ := cmd.Flags().GetBool("list"); list {
			for _, fn := range img.Funcs {
				fmt.Fprintf(out, "%08x %6d %s\n", fn.Addr, fn.Size, fn.Display())
			}
			return nil
		}

		spec, err := elfSpec(cmd, cfg, img)
		if err != nil {
			return err
		}
		funcs, err := pickFunctions(img, args[1:])
		if err != nil {
			return err
		}
		jobs, _ := cmd.Flags().GetInt("jobs")
		results, err := traceAll(analysis.NewTracer(spec, img), funcs, jobs)
		if err != nil {
			return err
		}
		showPcode, _ := cmd.Flags().GetBool("pcode")
		color := useColor(out, cfg)
		for i, fn := range funcs {
			writeTrace(out, fn, results[i], showPcode, color)
		}
		return nil
	},
}

// elfSpec picks the processor from the ELF header unless one was asked for.
func elfSpec(cmd *cobra.Command, cfg *HutchConfig, img *elfx.Image) (*sla.Spec, error) {
	if cfg.Spec == "" && !cmd.Flags().Changed("processor") {
		name, err := img.Processor()
		if err != nil {
			return nil, err
		}
		cfg.Processor = name
	}
	return loadSpec(cfg)
}

func pickFunctions(img *elfx.Image, names []string) ([]elfx.Func, error) {
	if len(names) == 0 {
		if len(img.Funcs) == 0 {
			return nil, fmt.Errorf("%s has no function symbols", img.Path)
		}
		return img.Funcs, nil
	}
	funcs := make([]elfx.Func, 0, len(names))
	for _, name := range names {
		fn, ok := img.FindFunction(name)
		if !ok {
			return nil, fmt.Errorf("no function named %q in %s", name, img.Path)
		}
		funcs = append(funcs, fn)
	}
	return funcs, nil
}

// traceAll traces funcs concurrently. Results keep the order of funcs.
func traceAll(tr *analysis.Tracer, funcs []elfx.Func, jobs int) ([]*analysis.Result, error) {
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}
	results := make([]*analysis.Result, len(funcs))
	var g errgroup.Group
	g.SetLimit(jobs)
	for i, fn := range funcs {
		g.Go(func() error {
			res, err := tr.Trace(fn)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	names, hits := analysis.DemangleCacheStats()
	slog.Debug("Traced functions", "count", len(funcs), "jobs", jobs, "demangled", names, "cacheHits", hits)
	return results, nil
}

func writeTrace(w io.Writer, fn elfx.Func, res *analysis.Result, showPcode, color bool) {
	fmt.Fprintf(w, "\n%08x <%s>:\n", fn.Addr, fn.Display())
	for _, a := range res.Listing {
		line := a.String()
		if color {
			line = colorize.Line(line)
		}
		fmt.Fprintln(w, line)
		if !showPcode {
			continue
		}
		for _, op := range a.Pcode {
			op = "    " + op
			if color {
				op = colorize.Pcode(op)
			}
			fmt.Fprintln(w, op)
		}
	}
}

func init() {
	elfCmd.Flags().Bool("list", false, "List function symbols and exit")
	elfCmd.Flags().Bool("pcode", false, "Print p-code under each instruction")
	elfCmd.Flags().IntP("jobs", "J", 0, "Functions traced in parallel (default one per CPU)")
	rootCmd.AddCommand(elfCmd)
}
