package cmd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	hlog "hutch/internal/hutch/log"
	"hutch/internal/logging"
	"hutch/internal/pcode"
	"hutch/internal/processors"
	"hutch/internal/session"
	"hutch/internal/sla"
	"hutch/internal/ui/colorize"
	"hutch/internal/xcheck"
)

func init() {
	rootCmd.PersistentFlags().StringP("cwd", "c", "", "Current working directory")
	rootCmd.PersistentFlags().StringP("data-dir", "D", "", "Directory for the compiled specification cache")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().String("config", "", "JSON configuration file (see hutch schema)")
	rootCmd.PersistentFlags().StringP("processor", "p", "x86", "Bundled processor description: "+strings.Join(processors.Names(), ", "))
	rootCmd.PersistentFlags().StringP("spec", "s", "", "Processor description document to load instead of a bundled one")
	rootCmd.PersistentFlags().StringP("address", "a", "", "Load address of the first byte (default 0)")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().Bool("addr", false, "Print instruction addresses")
	rootCmd.Flags().Bool("pcode", false, "Print raw p-code")
	rootCmd.Flags().Bool("asm", false, "Print assembly")
	rootCmd.Flags().StringP("output", "o", "", "Output selection such as addr|pcode|asm")
	rootCmd.Flags().Bool("skip-errors", false, "Skip undecodable bytes instead of stopping")
	rootCmd.Flags().IntP("count", "n", 0, "Stop after this many instructions")
	rootCmd.Flags().Int("max-bytes", 0, "Stop before decoding past this many bytes")
	rootCmd.Flags().BoolP("json", "j", false, "Output results as JSON")
	rootCmd.Flags().Bool("crosscheck", false, "Compare x86 instruction lengths with golang.org/x/arch")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
}

var rootCmd = &cobra.Command{
	Use:   "hutch [flags] <hex-bytes|@file|->",
	Short: "Decode machine code into assembly and p-code",
	Long: `Hutch decodes raw machine code with a processor description, printing
addresses, assembly and raw p-code for every instruction it recognises.`,
	Example: `
# Decode an x86 prologue loaded at 0x1000
hutch -a 0x1000 55 89 e5 b8 78 56 34 12

# Print p-code only and keep going past undecodable bytes
hutch --pcode --skip-errors @code.bin

# Decode with your own processor description
hutch -s ./z80.yaml 3e 01

# Decode raw bytes piped on stdin
head -c 64 code.bin | hutch -a 0x8048000
  `,
	Args: cobra.ArbitraryArgs,
	RunE: runDecode,
}

func runDecode(cmd *cobra.Command, args []string) error {
	if _, err := ResolveCwd(cmd); err != nil {
		return err
	}
	if len(args) == 0 {
		if !stdinPiped(cmd.InOrStdin()) {
			return cmd.Help()
		}
		args = []string{"-"}
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	hlog.Setup(cfg.Debug)

	stop, err := startProfile(cmd, cfg)
	if err != nil {
		return err
	}
	defer stop()

	spec, err := loadSpec(cfg)
	if err != nil {
		return err
	}
	opts, err := decodeOptions(cmd, cfg)
	if err != nil {
		return err
	}
	start, err := startAddress(cmd, cfg)
	if err != nil {
		return err
	}
	buf, err := readInput(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	logger := logging.NewLogger()
	defer logger.Close()
	sess := session.New(spec, opts, session.WithLogger(logger.Logger))
	res, decodeErr := sess.Decode(buf, start)

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if err := writeJSON(out, spec, res, start); err != nil {
			return err
		}
	} else {
		writeListing(out, spec, res, useColor(out, cfg))
	}

	if check, _ := cmd.Flags().GetBool("crosscheck"); check {
		if spec.Name != "x86" {
			return fmt.Errorf("--crosscheck needs the x86 processor, not %s", spec.Name)
		}
		if mismatches := xcheck.X86(res, buf, 32); len(mismatches) > 0 {
			for _, m := range mismatches {
				fmt.Fprintln(cmd.ErrOrStderr(), "crosscheck:", m)
			}
			return fmt.Errorf("crosscheck: %d instruction lengths differ", len(mismatches))
		}
	}
	return decodeErr
}

// loadSpec returns the --spec document, compiled through the cache in
// the data directory, or the bundled processor.
func loadSpec(cfg *HutchConfig) (*sla.Spec, error) {
	if cfg.Spec == "" {
		return processors.Load(cfg.Processor)
	}
	spec, hit, err := sla.LoadCached(cfg.Spec, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	slog.Debug("Loaded specification", "path", cfg.Spec, "cached", hit, "dir", cfg.DataDir)
	return spec, nil
}

func startAddress(cmd *cobra.Command, cfg *HutchConfig) (uint64, error) {
	s, _ := cmd.Flags().GetString("address")
	if s == "" {
		return cfg.Address, nil
	}
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad address %q: %w", s, err)
	}
	return addr, nil
}

// readInput accepts "-" for raw bytes on stdin, "@path" for a raw file,
// or hex bytes spread over any number of arguments.
func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 1 {
		switch arg := args[0]; {
		case arg == "-":
			return io.ReadAll(stdin)
		case strings.HasPrefix(arg, "@"):
			data, err := os.ReadFile(arg[1:])
			if err != nil {
				return nil, fmt.Errorf("read input: %w", err)
			}
			return data, nil
		}
	}
	return parseHex(strings.Join(args, " "))
}

func parseHex(s string) ([]byte, error) {
	s = strings.ReplaceAll(s, `\x`, " ")
	var digits strings.Builder
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n' || r == '\r'
	}) {
		if rest, ok := strings.CutPrefix(strings.ToLower(f), "0x"); ok {
			f = rest
		}
		digits.WriteString(f)
	}
	if digits.Len() == 0 {
		return nil, fmt.Errorf("no input bytes")
	}
	if digits.Len()%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits in %q", s)
	}
	data, err := hex.DecodeString(digits.String())
	if err != nil {
		return nil, fmt.Errorf("bad hex input: %w", err)
	}
	return data, nil
}

// stdinPiped reports whether r is a pipe or a file rather than a terminal.
// Readers that are not files, as in tests, count as piped.
func stdinPiped(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return true
	}
	if term.IsTerminal(f.Fd()) {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&(os.ModeNamedPipe|os.ModeCharDevice) == os.ModeNamedPipe || fi.Mode().IsRegular()
}

func useColor(w io.Writer, cfg *HutchConfig) bool {
	if cfg.Color != nil && !*cfg.Color {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd()) && colorize.Enabled()
}

// writeListing prints one line per instruction followed by its p-code,
// indented under the instruction when there is one. Offsets skipped under
// --skip-errors are listed in place.
func writeListing(w io.Writer, spec *sla.Spec, res *session.Result, color bool) {
	paint := func(s string) string { return s }
	paintOp := paint
	if color {
		paint, paintOp = colorize.Line, colorize.Pcode
	}
	final := res.Err()
	errs := res.Errors
	skipped := func(upTo int) {
		for len(errs) > 0 && errs[0].Offset < upTo {
			if e := errs[0]; e != final {
				fmt.Fprintln(w, paint(fmt.Sprintf("%s ?? (%s)", e.Address, e.Kind)))
			}
			errs = errs[1:]
		}
	}
	for _, insn := range res.Instructions {
		skipped(insn.Offset)
		var parts []string
		if insn.AddressText != "" {
			parts = append(parts, insn.AddressText)
		}
		if insn.Text != "" {
			parts = append(parts, insn.Text)
		}
		indent := ""
		if len(parts) > 0 {
			fmt.Fprintln(w, paint(strings.Join(parts, " ")))
			indent = "    "
		}
		for _, op := range insn.Pcode {
			fmt.Fprintln(w, paintOp(indent+op.Format(spec)))
		}
	}
	skipped(int(^uint(0) >> 1))
}

type jsonResult struct {
	Processor    string            `json:"processor"`
	Start        string            `json:"start"`
	Instructions []jsonInstruction `json:"instructions"`
	Errors       []jsonError       `json:"errors,omitempty"`
	Stop         string            `json:"stop"`
	Consumed     int               `json:"consumed"`
}

type jsonInstruction struct {
	session.Instruction
	Hex     string   `json:"bytes"`
	Ops     []string `json:"pcode,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

type jsonError struct {
	Offset  int    `json:"offset"`
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

func writeJSON(w io.Writer, spec *sla.Spec, res *session.Result, start uint64) error {
	out := jsonResult{
		Processor:    spec.Name,
		Start:        fmt.Sprintf("%#x", start),
		Instructions: make([]jsonInstruction, 0, len(res.Instructions)),
		Stop:         res.Stop.String(),
		Consumed:     res.Consumed,
	}
	for _, insn := range res.Instructions {
		ji := jsonInstruction{Instruction: insn, Hex: hex.EncodeToString(insn.Bytes)}
		for _, op := range insn.Pcode {
			ji.Ops = append(ji.Ops, op.Format(spec))
		}
		for _, t := range insn.Targets {
			ji.Targets = append(ji.Targets, formatTarget(t))
		}
		out.Instructions = append(out.Instructions, ji)
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, jsonError{
			Offset:  e.Offset,
			Address: e.Address.String(),
			Kind:    e.Kind.String(),
			Error:   e.Err.Error(),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return nil
}

func formatTarget(t pcode.Target) string {
	if t.Indirect || t.Address == nil {
		return t.Flow.String() + " indirect"
	}
	return fmt.Sprintf("%s %s:%#x", t.Flow, t.Address.Space.Name, t.Address.Offset)
}

func startProfile(cmd *cobra.Command, cfg *HutchConfig) (func(), error) {
	path, _ := cmd.Flags().GetString("cpuprofile")
	if path == "" {
		path = cfg.ProfilePath
	}
	if path == "" {
		return func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not start CPU profile: %w", err)
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}, nil
}

func Execute() {
	// JSON output and pipes bypass fang's markdown rendering
	plain := !term.IsTerminal(os.Stdout.Fd())
	for _, arg := range os.Args[1:] {
		if arg == "--json" || arg == "-j" {
			plain = true
			break
		}
	}
	if plain {
		colorize.Disable()
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
		return
	}
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		os.Exit(1)
	}
}

func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd != "" {
		if err := os.Chdir(cwd); err != nil {
			return "", fmt.Errorf("failed to change directory: %w", err)
		}
		return cwd, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return cwd, nil
}
