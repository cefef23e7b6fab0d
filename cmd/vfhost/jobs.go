package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/cuemby/vfhost/pkg/cache"
	"github.com/cuemby/vfhost/pkg/types"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare FILE",
	Short: "Compile a validation function into the artifact cache",
	Long: `Compile a WebAssembly validation function in a prepare worker and store
the artifact in the cache. Compiling the same code again is served from
the cache.

Examples:
  vfhost prepare validate.wasm
  vfhost prepare --secure validate.wasm`,
	Args: cobra.ExactArgs(1),
	RunE: runPrepare,
}

var executeCmd = &cobra.Command{
	Use:   "execute FILE",
	Short: "Run a validation function against an input",
	Long: `Run a validation function in an execute worker. The function is
compiled first when its artifact is not cached.

Examples:
  vfhost execute validate.wasm --input block.bin
  cat block.bin | vfhost execute validate.wasm --input -`,
	Args: cobra.ExactArgs(1),
	RunE: runExecute,
}

func init() {
	for _, cmd := range []*cobra.Command{prepareCmd, executeCmd} {
		cmd.Flags().Bool("secure", false, "Refuse workers without every hardening feature")
		rootCmd.AddCommand(cmd)
	}
	executeCmd.Flags().StringP("input", "i", "", "Input file, or - for stdin")
	executeCmd.Flags().Bool("hex", false, "Print the output as hex")
}

func runPrepare(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read code: %w", err)
	}
	secure, _ := cmd.Flags().GetBool("secure")

	env, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := env.host.Submit(ctx, &types.Job{
		Prepare:       &types.PrepareJob{Code: code},
		RequireSecure: secure,
	})
	if err != nil {
		return err
	}

	p := out.Prepare
	if !p.OK() {
		return fmt.Errorf("compilation failed: %s", p.CompileError)
	}
	fmt.Printf("✓ Artifact %s\n", p.Artifact)
	fmt.Printf("  Size: %d bytes\n", p.Size)
	if p.Cached {
		fmt.Println("  Cached: yes")
	} else {
		fmt.Printf("  Compiled in: %s\n", p.Duration)
	}
	return nil
}

func runExecute(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read code: %w", err)
	}
	inputPath, _ := cmd.Flags().GetString("input")
	input, err := readInput(inputPath)
	if err != nil {
		return err
	}
	secure, _ := cmd.Flags().GetBool("secure")
	asHex, _ := cmd.Flags().GetBool("hex")

	env, err := openHost(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := execute(ctx, env, code, input, secure)
	if err != nil {
		return err
	}

	e := out.Execute
	fmt.Printf("Result: %s\n", e.Result)
	if e.Limit != "" {
		fmt.Printf("Limit: %s\n", e.Limit)
	}
	if e.Message != "" {
		fmt.Printf("Message: %s\n", e.Message)
	}
	fmt.Printf("Duration: %s\n", e.Duration)
	if len(e.Output) > 0 {
		if asHex || !utf8.Valid(e.Output) {
			fmt.Printf("Output: %s\n", hex.EncodeToString(e.Output))
		} else {
			fmt.Printf("Output: %s\n", e.Output)
		}
	}
	if e.Result != types.ExecValid {
		return fmt.Errorf("validation function did not succeed: %s", e.Result)
	}
	return nil
}

func execute(ctx context.Context, env *runtimeEnv, code, input []byte, secure bool) (*types.Outcome, error) {
	return env.host.Submit(ctx, &types.Job{
		Execute: &types.ExecuteJob{
			Artifact: cache.Handle(code, env.host.Version()),
			Code:     code,
			Input:    input,
		},
		RequireSecure: secure,
	})
}

func readInput(path string) ([]byte, error) {
	switch path {
	case "":
		return nil, nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input: %w", err)
		}
		return data, nil
	}
}
