package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/breadboard/internal/build"
	"github.com/michaelbrown/breadboard/internal/compile"
	"github.com/michaelbrown/breadboard/internal/config"
)

var headerFlags []string

var compileCmd = &cobra.Command{
	Use:   "compile <sketch.ino>",
	Short: "Compile a sketch locally and print diagnostics",
	Long: `Run the front-end compile pipeline on a local sketch file
without a server: validate the required setup/loop functions, inline
header tabs, and syntax-check through the toolchain.

Examples:
  breadboard compile blink.ino
  breadboard compile blink.ino --header util.h`,
	Args: cobra.ExactArgs(1),
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().StringArrayVar(&headerFlags, "header", nil, "Header file to inline (repeatable, tab order)")
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading sketch: %w", err)
	}

	var headers []compile.Header
	for _, path := range headerFlags {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading header %s: %w", path, err)
		}
		headers = append(headers, compile.Header{Name: path, Content: string(content)})
	}

	ctx := context.Background()
	probe := build.DetectMode(ctx, cfg)
	builder := build.NewBuilder(cfg, probe)
	svc := compile.NewService(builder, cfg.Cache.TTL)

	result, err := svc.Compile(ctx, string(code), headers)
	if err != nil {
		return err
	}

	if !result.Success {
		fmt.Fprintln(os.Stderr, result.Output)
		os.Exit(1)
	}
	if result.Output != "" {
		fmt.Fprintln(os.Stderr, result.Output)
	}
	fmt.Printf("ok (%s mode)\n", builder.Mode())
	return nil
}
