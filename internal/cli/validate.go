package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/compiler"
	"github.com/roach88/lockstep/internal/graph"
)

// ValidationResult holds the outcome of validating one program.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Program  string                     `json:"program,omitempty"`
	Hash     string                     `json:"hash,omitempty"`
	Counts   *graph.Counts              `json:"counts,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Fatal    string                     `json:"fatal,omitempty"`
	Warnings []compiler.CycleWarning    `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <program>",
		Short: "Check a program without running it",
		Long: `Compile a reactor program and report every problem found.

Three layers run in order: declaration validation (types, widths,
policies, durations), zero-delay loop analysis (warnings pointing at
wiring that can only be proven safe or cyclic by the full build), and
the dependency graph build itself (fatal cycles, unknown references,
type and width mismatches).

Exit codes:
  0 - Program valid
  1 - Validation or build errors
  2 - Command error (file missing, CUE unreadable)

Examples:
  lockstep validate ./program.cue
  lockstep validate ./reactors/ --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	prog, err := LoadProgram(path)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
			return NewExitError(ExitCommandError, loadErr.Message)
		}
		// CUE parsed but the descriptor shape is wrong.
		_ = formatter.Error(ErrCodeBuildFailed, err.Error(), nil)
		return NewExitError(ExitFailure, err.Error())
	}

	formatter.VerboseLog("compiled %s: %d reactor classes", path, len(prog.Reactors))

	result := ValidationResult{Program: prog.Name}
	result.Errors = compiler.Validate(prog)
	result.Warnings = compiler.AnalyzeCycles(prog)

	if len(result.Errors) == 0 {
		asm, err := graph.Build(prog)
		var buildErr *graph.BuildError
		switch {
		case errors.As(err, &buildErr):
			result.Fatal = buildErr.Error()
		case err != nil:
			result.Fatal = err.Error()
		default:
			result.Hash = asm.Hash
			result.Counts = &asm.Counts
		}
	}

	result.Valid = len(result.Errors) == 0 && result.Fatal == ""
	return outputValidation(formatter, result)
}

func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    ErrCodeGeneric,
				Message: validationFailureMessage(result),
			}
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		if !result.Valid {
			return NewExitError(ExitFailure, validationFailureMessage(result))
		}
		return nil
	}

	w := formatter.Writer
	if result.Valid {
		fmt.Fprintf(w, "✓ %s valid\n", result.Program)
		if result.Counts != nil {
			fmt.Fprintf(w, "  %d reactors, %d reactions, %d ports, max level %d\n",
				result.Counts.Reactors, result.Counts.Reactions,
				result.Counts.Ports, result.Counts.MaxLevel)
		}
		printWarnings(formatter, result.Warnings)
		return nil
	}

	fmt.Fprintln(w, "✗ Validation failed")
	fmt.Fprintln(w)
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
	if result.Fatal != "" {
		fmt.Fprintf(w, "  %s\n", result.Fatal)
	}
	printWarnings(formatter, result.Warnings)

	return NewExitError(ExitFailure, validationFailureMessage(result))
}

func printWarnings(formatter *OutputFormatter, warnings []compiler.CycleWarning) {
	for _, warn := range warnings {
		fmt.Fprintf(formatter.Writer, "  warning: %s\n", warn.Message)
	}
}

func validationFailureMessage(result ValidationResult) string {
	n := len(result.Errors)
	if result.Fatal != "" {
		n++
	}
	return fmt.Sprintf("validation failed with %d error(s)", n)
}
