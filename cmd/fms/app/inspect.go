package app

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

type inspectReport struct {
	Architecture string         `json:"architecture" yaml:"architecture"`
	Variant      string         `json:"variant" yaml:"variant"`
	ModelPath    string         `json:"model_path,omitempty" yaml:"model_path,omitempty"`
	Parameters   int            `json:"parameters" yaml:"parameters"`
	DTypes       map[string]int `json:"dtypes" yaml:"dtypes"`
	Pending      []string       `json:"pending,omitempty" yaml:"pending,omitempty"`
	Config       map[string]any `json:"config" yaml:"config"`
}

func (a *App) newInspectCommand() *cobra.Command {
	var mf modelFlags
	cmd := &cobra.Command{
		Use:   "inspect <architecture> <variant>",
		Short: "Show the resolved config, parameter count and dtypes of a model",
		Long: `Inspect builds the model without allocating weights, unless --model-path
is given, in which case the checkpoint is loaded as get_model would.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, variant := args[0], args[1]
			m, err := a.inspectModel(cmd, arch, variant, &mf)
			if err != nil {
				return err
			}
			report, err := newInspectReport(arch, variant, mf.modelPath, m)
			if err != nil {
				return err
			}
			return a.render(report, report.table())
		},
	}
	mf.register(cmd, true)
	return cmd
}

// inspectModel loads through the resolver when weights or the hub are
// involved and otherwise returns the lazy instance.
func (a *App) inspectModel(cmd *cobra.Command, arch, variant string, mf *modelFlags) (models.Model, error) {
	if mf.modelPath != "" || models.IsRemote(arch) {
		opts, err := a.options(cmd, mf)
		if err != nil {
			return nil, err
		}
		return a.resolver.GetModel(cmd.Context(), arch, variant, opts...)
	}
	args, err := parseArgs(mf.args)
	if err != nil {
		return nil, err
	}
	m, err := a.registry.ModelInstance(arch, variant, args)
	if err != nil {
		return nil, err
	}
	if mf.dtype != "" {
		dt, err := tensor.ParseDataType(mf.dtype)
		if err != nil {
			return nil, err
		}
		if err := nn.Cast(m, dt); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newInspectReport(arch, variant, path string, m models.Model) (*inspectReport, error) {
	cfg, err := models.ConfigMap(m.Config())
	if err != nil {
		return nil, err
	}
	r := &inspectReport{
		Architecture: arch,
		Variant:      variant,
		ModelPath:    path,
		Parameters:   nn.CountParameters(m),
		DTypes:       make(map[string]int),
		Pending:      nn.Pending(m),
		Config:       cfg,
	}
	seen := make(map[*nn.Parameter]bool)
	for _, np := range nn.NamedParameters(m) {
		if seen[np.Param] {
			continue
		}
		seen[np.Param] = true
		r.DTypes[np.Param.DType().String()]++
	}
	return r, nil
}

func (r *inspectReport) table() tableData {
	t := tableData{headers: []string{"Field", "Value"}}
	add := func(k, v string) { t.rows = append(t.rows, []string{k, v}) }
	add("architecture", r.Architecture)
	add("variant", r.Variant)
	if r.ModelPath != "" {
		add("model_path", r.ModelPath)
	}
	add("parameters", strconv.Itoa(r.Parameters))
	for _, dt := range sortedKeys(r.DTypes) {
		add("dtype."+dt, strconv.Itoa(r.DTypes[dt]))
	}
	for _, p := range r.Pending {
		add("pending", p)
	}
	for _, k := range sortedKeys(r.Config) {
		add("config."+k, fmt.Sprint(r.Config[k]))
	}
	return t
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
