package cmd

import (
	"errors"
	"io"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"hutch/internal/emulate"
	hlog "hutch/internal/hutch/log"
	"hutch/internal/logging"
	"hutch/internal/sla"
)

var emulateCmd = &cobra.Command{
	Use:   "emulate [flags] <hex-bytes|@file|->",
	Short: "Execute machine code on the p-code emulator",
	Long: `Load code at the start address, execute its p-code and print the
registers when execution halts. Execution halts at a halt instruction, at
--stop-at, or when the pc reaches the end of the loaded bytes.`,
	Example: `
# Run the x86 prologue and look at eax
hutch emulate -a 0x1000 --show eax,esp 55 89 e5 b8 78 56 34 12

# Seed a register and stop at an address
hutch emulate -p 8085 --set a=0x10 --stop-at 0x4 3c 3c 3c 3c
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		hlog.Setup(cfg.Debug)
		spec, err := loadSpec(cfg)
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
		emu := emulate.New(spec, emulate.WithLogger(logger.Logger))
		emu.Load(start, buf)
		emu.SetPC(start)

		sets, _ := cmd.Flags().GetStringArray("set")
		for _, kv := range sets {
			name, v, err := parseAssignment(kv)
			if err != nil {
				return err
			}
			if err := emu.SetRegister(name, v); err != nil {
				return err
			}
		}
		halt := func(*emulate.Emulator) bool { return true }
		emu.OnAddress(start+uint64(len(buf)), halt)
		if s, _ := cmd.Flags().GetString("stop-at"); s != "" {
			addr, err := strconv.ParseUint(s, 0, 64)
			if err != nil {
				return fmt.Errorf("bad --stop-at %q: %w", s, err)
			}
			emu.OnAddress(addr, halt)
		}

		steps, _ := cmd.Flags().GetInt("steps")
		runErr := emu.Run(cmd.Context(), steps)
		if runErr != nil && !errors.Is(runErr, emulate.ErrStepLimit) {
			return runErr
		}

		show, _ := cmd.Flags().GetStringSlice("show")
		if err := writeRegisters(cmd.OutOrStdout(), spec, emu, show); err != nil {
			return err
		}
		status := "halted"
		if runErr != nil {
			status = runErr.Error()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pc = %#x (%s after %d steps)\n", emu.PC(), status, emu.Steps())
		return nil
	},
}

// parseAssignment splits "reg=value"; value may be decimal, 0x hex or 0b binary.
func parseAssignment(s string) (string, uint64, error) {
	name, val, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return "", 0, fmt.Errorf("bad --set %q, want reg=value", s)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(val), 0, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad --set %q: %w", s, err)
	}
	return strings.TrimSpace(name), v, nil
}

// writeRegisters prints the named registers, or every non-zero register
// when names is empty.
func writeRegisters(w io.Writer, spec *sla.Spec, emu *emulate.Emulator, names []string) error {
	if len(names) == 0 {
		for _, r := range spec.Registers {
			if v, err := emu.Register(r.Name); err == nil && v != 0 {
				names = append(names, r.Name)
			}
		}
	}
	for _, name := range names {
		v, err := emu.Register(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s = %#x\n", name, v)
	}
	return nil
}

func init() {
	emulateCmd.Flags().Int("steps", 1000, "Stop after this many instructions (0 for no limit)")
	emulateCmd.Flags().StringArray("set", nil, "Set a register before running, as reg=value")
	emulateCmd.Flags().String("stop-at", "", "Halt when the pc reaches this address")
	emulateCmd.Flags().StringSlice("show", nil, "Registers to print (default every non-zero register)")
	rootCmd.AddCommand(emulateCmd)
}
