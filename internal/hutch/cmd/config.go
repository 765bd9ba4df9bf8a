package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"hutch/internal/session"
)

// HutchConfig is the optional JSON configuration read with --config.
// Flags given on the command line win over it.
type HutchConfig struct {
	Debug       bool   `json:"debug,omitempty" jsonschema:"title=Debug,description=Enable debug logging"`
	DataDir     string `json:"dataDir,omitempty" jsonschema:"title=Data Directory,description=Directory for the compiled specification cache"`
	ProfilePath string `json:"profilePath,omitempty" jsonschema:"title=Profile Path,description=Path for CPU profile output"`

	Processor string `json:"processor,omitempty" jsonschema:"title=Processor,description=Bundled processor description,enum=x86,enum=8085"`
	Spec      string `json:"spec,omitempty" jsonschema:"title=Specification,description=Path to a processor description document"`
	Address   uint64 `json:"address,omitempty" jsonschema:"title=Load Address,description=Address of the first byte"`

	Output          string `json:"output,omitempty" jsonschema:"title=Output,description=Artifacts to print such as addr|pcode|asm,example=addr|asm"`
	SkipErrors      bool   `json:"skipErrors,omitempty" jsonschema:"title=Skip Errors,description=Resume one byte later after an undecodable offset"`
	MaxInstructions int    `json:"maxInstructions,omitempty" jsonschema:"title=Instruction Limit,minimum=0"`
	MaxBytes        int    `json:"maxBytes,omitempty" jsonschema:"title=Byte Limit,minimum=0"`
	Color           *bool  `json:"color,omitempty" jsonschema:"title=Color,description=Highlight listings on terminals"`
}

func readConfig(path string) (*HutchConfig, error) {
	cfg := &HutchConfig{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// loadConfig reads --config and folds the persistent flags into it.
func loadConfig(cmd *cobra.Command) (*HutchConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("data-dir") || cfg.DataDir == "" {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if flags.Changed("processor") || cfg.Processor == "" {
		cfg.Processor, _ = flags.GetString("processor")
	}
	if flags.Changed("spec") {
		cfg.Spec, _ = flags.GetString("spec")
	}
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "hutch")
	}
	return filepath.Join(os.TempDir(), "hutch")
}

// decodeOptions merges the output and error-policy flags of the root
// command with cfg. With no output selected anywhere, the session
// defaults apply.
func decodeOptions(cmd *cobra.Command, cfg *HutchConfig) (session.Options, error) {
	opts := session.DefaultOptions()
	if cfg.Output != "" {
		f, err := session.ParseFlags(cfg.Output)
		if err != nil {
			return opts, fmt.Errorf("config output: %w", err)
		}
		opts = opts.WithFlags(f)
	}

	flags := cmd.Flags()
	if flags.Changed("output") {
		s, _ := flags.GetString("output")
		f, err := session.ParseFlags(s)
		if err != nil {
			return opts, err
		}
		opts = opts.WithFlags(f)
	}
	var picked session.Flags
	for name, f := range map[string]session.Flags{
		"addr":  session.FlagAddress,
		"pcode": session.FlagPcode,
		"asm":   session.FlagAssembly,
	} {
		if on, _ := flags.GetBool(name); on {
			picked |= f
		}
	}
	if picked != 0 {
		opts = opts.WithFlags(picked)
	}

	opts.StopOnError = !cfg.SkipErrors
	if flags.Changed("skip-errors") {
		skip, _ := flags.GetBool("skip-errors")
		opts.StopOnError = !skip
	}
	opts.MaxInstructions = cfg.MaxInstructions
	if flags.Changed("count") {
		opts.MaxInstructions, _ = flags.GetInt("count")
	}
	opts.MaxBytes = cfg.MaxBytes
	if flags.Changed("max-bytes") {
		opts.MaxBytes, _ = flags.GetInt("max-bytes")
	}
	if opts.MaxInstructions < 0 || opts.MaxBytes < 0 {
		return opts, fmt.Errorf("limits must not be negative")
	}
	return opts, nil
}
