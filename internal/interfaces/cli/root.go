// Package cli 本地命令行入口：不依赖 PostgreSQL 与 Redis 运行章节
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"z-novel-narrator/internal/config"
)

// RootOptions 全局参数
type RootOptions struct {
	ConfigDir string
	NoColor   bool
	JSON      bool
}

// NewRootCommand 创建 narrator 根命令
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "narrator",
		Short: "Narrative continuity engine",
		Long:  "Generate chapters beat by beat while keeping an append-only narration log and a fact base in sync.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.NoColor || opts.JSON {
				color.NoColor = true
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config", config.DefaultDir, "configuration directory")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable coloured output")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print log items as JSON lines")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewParseCommand(opts))

	return cmd
}

// exitError 带退出码的错误
type exitError struct {
	code int
	msg  string
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *exitError) Unwrap() error { return e.err }

// ExitCode 错误对应的进程退出码
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := err.(*exitError); ok {
		return e.code
	}
	return 1
}
