package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"z-novel-narrator/internal/application/narration/parser"
)

// ParseOptions parse 命令参数
type ParseOptions struct {
	*RootOptions
	Tag         string
	Markers     []string
	LastSpeaker string
	Render      bool
}

// NewParseCommand 解析一段模型原始输出并打印日志条目
func NewParseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ParseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "parse [file]",
		Short: "Parse raw model output into log items",
		Long: `Parse raw narration output and print the resulting log items.

Reads from the given file, or from stdin when no file is given.

Example:
  narrator parse response.txt
  cat response.txt | narrator parse --last-speaker Sarah --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return &exitError{code: 2, msg: "open input", err: err}
				}
				defer f.Close()
				in = f
			}
			return runParse(opts, in, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Tag, "tag", parser.DefaultTag, "narration block tag")
	cmd.Flags().StringSliceVar(&opts.Markers, "marker", nil, "structural marker names to exclude (repeatable)")
	cmd.Flags().StringVar(&opts.LastSpeaker, "last-speaker", "", "speaker of the previous log item")
	cmd.Flags().BoolVar(&opts.Render, "render", false, "print the canonical text form instead of coloured items")

	return cmd
}

func runParse(opts *ParseOptions, in io.Reader, out io.Writer) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return &exitError{code: 2, msg: "read input", err: err}
	}
	p := parser.New(parser.Options{Tag: opts.Tag, Markers: opts.Markers})
	items, err := p.Parse(string(raw), opts.LastSpeaker)
	if err != nil {
		return &exitError{code: 3, msg: "parse failed", err: err}
	}
	if opts.Render {
		_, err := io.WriteString(out, parser.Render(items))
		return err
	}
	NewPrinter(out, opts.JSON).Items(items)
	return nil
}
