package app

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/Zephyr271828/foundation-model-stack/internal/comparison"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

type verifyReport struct {
	Positions  int     `json:"positions" yaml:"positions"`
	MaxAbsDiff float64 `json:"max_abs_diff" yaml:"max_abs_diff"`
	Tolerance  float64 `json:"tolerance" yaml:"tolerance"`
	SignatureA float64 `json:"signature_a" yaml:"signature_a"`
	SignatureB float64 `json:"signature_b" yaml:"signature_b"`
	Consistent bool    `json:"consistent" yaml:"consistent"`
}

func (a *App) newVerifyCommand() *cobra.Command {
	var (
		mf      modelFlags
		sourceB string
		atol    float64
		seqLen  int
	)
	cmd := &cobra.Command{
		Use:   "verify <architecture> <variant> <path-a> <path-b>",
		Short: "Check that two checkpoints produce the same outputs",
		Long: `Verify loads the same architecture and variant from two checkpoints, runs
both on the token ids 1..--seq-len and compares the per-position sums of
their outputs within --atol. --source applies to path-a, and to path-b
unless --source-b is given.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, variant := args[0], args[1]
			if seqLen < 1 {
				return fmt.Errorf("--seq-len must be positive, got %d", seqLen)
			}
			ids := make([]int64, seqLen)
			for i := range ids {
				ids[i] = int64(i + 1)
			}
			input, err := tensor.FromInt64(tensor.Shape{1, seqLen}, ids)
			if err != nil {
				return err
			}

			var sigs [2][]float64
			for i, path := range args[2:] {
				side := mf
				side.modelPath = path
				if i == 1 && sourceB != "" {
					side.source = sourceB
				}
				opts, err := a.options(cmd, &side)
				if err != nil {
					return err
				}
				m, err := a.resolver.GetModel(cmd.Context(), arch, variant, opts...)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if sigs[i], err = comparison.Signature(m, input); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}

			cmpErr := comparison.Compare(sigs[0], sigs[1], atol)
			report := verifyReport{
				Positions:  len(sigs[0]),
				Tolerance:  atol,
				SignatureA: floats.Sum(sigs[0]),
				SignatureB: floats.Sum(sigs[1]),
				Consistent: cmpErr == nil,
			}
			if len(sigs[0]) == len(sigs[1]) {
				report.MaxAbsDiff = floats.Distance(sigs[0], sigs[1], math.Inf(1))
			}
			t := tableData{
				headers: []string{"Positions", "Max abs diff", "Tolerance", "Consistent"},
				rows: [][]string{{
					fmt.Sprint(report.Positions), fmt.Sprintf("%g", report.MaxAbsDiff),
					fmt.Sprintf("%g", atol), fmt.Sprint(report.Consistent),
				}},
			}
			if err := a.render(report, t); err != nil {
				return err
			}
			return cmpErr
		},
	}
	mf.register(cmd, false)
	cmd.Flags().StringVar(&sourceB, "source-b", "", "checkpoint naming convention of path-b")
	cmd.Flags().Float64Var(&atol, "atol", comparison.DefaultTolerance, "absolute tolerance")
	cmd.Flags().IntVar(&seqLen, "seq-len", 8, "number of input tokens")
	return cmd
}
