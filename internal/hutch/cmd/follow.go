package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nxadm/tail"
	"github.com/spf13/cobra"

	hlog "hutch/internal/hutch/log"
	"hutch/internal/logging"
	"hutch/internal/session"
)

var followCmd = &cobra.Command{
	Use:   "follow [flags] <file>",
	Short: "Decode hex lines as they are appended to a file",
	Long: `Follow a file of hex-encoded machine code, decoding every new line
where the previous one ended. Context set by one line carries into the next.
A line may start with "address:" to move the decode address.`,
	Example: `
# Decode a capture as it grows
hutch follow -a 0x8048000 capture.hex

# Decode a finished capture once
hutch follow --no-follow --pcode capture.hex
  `,
	Args: cobra.ExactArgs(1),
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
		opts, err := decodeOptions(cmd, cfg)
		if err != nil {
			return err
		}
		opts.PersistContext = true
		start, err := startAddress(cmd, cfg)
		if err != nil {
			return err
		}

		noFollow, _ := cmd.Flags().GetBool("no-follow")
		t, err := tail.TailFile(args[0], tail.Config{
			Follow:    !noFollow,
			ReOpen:    !noFollow,
			MustExist: true,
			Logger:    tail.DiscardingLogger,
		})
		if err != nil {
			return fmt.Errorf("follow %s: %w", args[0], err)
		}
		if !noFollow {
			defer t.Cleanup()
		}
		defer t.Stop()

		logger := logging.NewLogger()
		defer logger.Close()
		sess := session.New(spec, opts, session.WithLogger(logger.Logger))
		out := cmd.OutOrStdout()
		return followLines(cmd.Context(), t.Lines, sess, start, out, useColor(out, cfg))
	},
}

// followLines decodes each line at the address where the previous line
// stopped, until lines closes or ctx is done. Bad lines are reported and
// skipped.
func followLines(ctx context.Context, lines <-chan *tail.Line, sess *session.Session, start uint64, w io.Writer, color bool) error {
	addr := start
	for {
		var line *tail.Line
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}
		if line.Err != nil {
			return line.Err
		}
		text := strings.TrimSpace(line.Text)
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if head, rest, ok := strings.Cut(text, ":"); ok {
			a, err := strconv.ParseUint(strings.TrimSpace(head), 0, 64)
			if err != nil {
				fmt.Fprintf(w, "line %d: bad address %q\n", line.Num, head)
				continue
			}
			addr, text = a, rest
		}
		buf, err := parseHex(text)
		if err != nil {
			fmt.Fprintf(w, "line %d: %v\n", line.Num, err)
			continue
		}
		res, err := sess.Decode(buf, addr)
		writeListing(w, sess.Spec(), res, color)
		if err != nil {
			fmt.Fprintf(w, "line %d: %v\n", line.Num, err)
		}
		slog.Debug("Decoded line", "line", line.Num, "address", addr, "consumed", res.Consumed)
		addr += uint64(res.Consumed)
	}
}

func init() {
	followCmd.Flags().Bool("no-follow", false, "Decode the file once and exit")
	followCmd.Flags().Bool("addr", false, "Print instruction addresses")
	followCmd.Flags().Bool("pcode", false, "Print raw p-code")
	followCmd.Flags().Bool("asm", false, "Print assembly")
	followCmd.Flags().StringP("output", "o", "", "Output selection such as addr|pcode|asm")
	followCmd.Flags().Bool("skip-errors", false, "Skip undecodable bytes instead of stopping")
	followCmd.Flags().IntP("count", "n", 0, "Stop each line after this many instructions")
	followCmd.Flags().Int("max-bytes", 0, "Stop each line before decoding past this many bytes")
	rootCmd.AddCommand(followCmd)
}
