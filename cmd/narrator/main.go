// Package main 本地叙事命令行
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"z-novel-narrator/internal/interfaces/cli"
)

func main() {
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
