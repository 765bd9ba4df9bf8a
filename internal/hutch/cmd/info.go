package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	hlog "hutch/internal/hutch/log"
	"hutch/internal/hutch/styles"
	"hutch/internal/sla"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarise the loaded processor description",
	Long: `Print the address spaces, registers, context fields, tables and user
operations of the selected processor description.`,
	Example: `
# Summarise the bundled 8085 description
hutch info -p 8085

# Print the markdown source instead of rendering it
hutch info --markdown -s ./z80.yaml
  `,
	Args: cobra.NoArgs,
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
		md := specMarkdown(spec)
		out := cmd.OutOrStdout()
		if raw, _ := cmd.Flags().GetBool("markdown"); raw {
			fmt.Fprint(out, md)
			return nil
		}
		width, _ := cmd.Flags().GetInt("width")
		render := styles.PlainRenderer
		if useColor(out, cfg) {
			render = styles.MarkdownRenderer
		}
		r, err := render(width)
		if err != nil {
			return err
		}
		rendered, err := r.Render(md)
		if err != nil {
			return fmt.Errorf("render summary: %w", err)
		}
		fmt.Fprint(out, rendered)
		return nil
	},
}

// specMarkdown lays a specification out as markdown tables.
func specMarkdown(s *sla.Spec) string {
	var b strings.Builder
	endian := "little"
	if s.BigEndian {
		endian = "big"
	}
	fmt.Fprintf(&b, "# %s\n\n", s.Name)
	if s.Source != "" {
		fmt.Fprintf(&b, "Loaded from `%s`. ", s.Source)
	}
	fmt.Fprintf(&b, "%s endian, alignment %d, instructions up to %d bytes.\n\n", endian, s.Alignment, s.MaxLength)

	b.WriteString("## Spaces\n\n| Name | Kind | Address size | Word size | Default |\n| --- | --- | --- | --- | --- |\n")
	for i, sp := range s.Spaces {
		def := ""
		if i == s.DefaultSpace {
			def = "yes"
		}
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %s |\n", sp.Name, sp.Kind, sp.AddrSize, sp.WordSize, def)
	}

	if len(s.Registers) > 0 {
		b.WriteString("\n## Registers\n\n| Name | Offset | Size |\n| --- | --- | --- |\n")
		for _, r := range s.Registers {
			fmt.Fprintf(&b, "| %s | %#x | %d |\n", r.Name, r.Offset, r.Size)
		}
	}

	if len(s.Context) > 0 {
		b.WriteString("\n## Context\n\n| Field | Bits | Signed | Default |\n| --- | --- | --- | --- |\n")
		for _, f := range s.Context {
			fmt.Fprintf(&b, "| %s | %d-%d | %t | %d |\n", f.Name, f.LSB, f.MSB, f.Signed, f.Default)
		}
	}

	b.WriteString("\n## Tables\n\n| Table | Constructors |\n| --- | --- |\n")
	for i, t := range s.Tables {
		name := t.Name
		if i == s.Root {
			name += " (root)"
		}
		fmt.Fprintf(&b, "| %s | %d |\n", name, len(t.Constructors))
	}

	if len(s.UserOps) > 0 {
		b.WriteString("\n## User operations\n\n")
		for i, op := range s.UserOps {
			fmt.Fprintf(&b, "- `%d` %s\n", i, op)
		}
	}
	return b.String()
}

func init() {
	infoCmd.Flags().Bool("markdown", false, "Print markdown without rendering it")
	infoCmd.Flags().Int("width", 100, "Wrap width for rendered output")
	rootCmd.AddCommand(infoCmd)
}
