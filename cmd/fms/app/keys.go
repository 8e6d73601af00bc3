package app

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Zephyr271828/foundation-model-stack/internal/models"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

type tensorEntry struct {
	Name  string `json:"name" yaml:"name"`
	DType string `json:"dtype" yaml:"dtype"`
	Shape []int  `json:"shape" yaml:"shape"`
}

type keysReport struct {
	Path    string        `json:"path" yaml:"path"`
	Shards  int           `json:"shards" yaml:"shards"`
	Layers  int           `json:"layers,omitempty" yaml:"layers,omitempty"`
	Tensors []tensorEntry `json:"tensors" yaml:"tensors"`
}

func (a *App) newKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <path>",
		Short: "List the tensors of a checkpoint file or shard directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sd, err := serialization.LoadStateDictContext(cmd.Context(), args[0],
				serialization.WithLogger(a.logger),
				serialization.WithDuplicatePolicy(serialization.FirstWins))
			if err != nil {
				return err
			}
			report := keysReport{Path: args[0], Shards: 1}
			if c, ok := sd.(*serialization.Chained); ok {
				report.Shards = len(c.Maps())
			}
			if n, ok := models.GuessNumLayers(sd); ok {
				report.Layers = n
			}

			t := tableData{headers: []string{"Name", "DType", "Shape"}}
			err = serialization.Range(sd, func(key string, raw *tensor.RawTensor) error {
				shape := raw.Shape()
				report.Tensors = append(report.Tensors, tensorEntry{Name: key, DType: raw.DType().String(), Shape: shape})
				t.rows = append(t.rows, []string{key, raw.DType().String(), shape.String()})
				return nil
			})
			if err != nil {
				return err
			}
			a.logger.Debug().Int("shards", report.Shards).Int("layers", report.Layers).Msg("checkpoint read")
			t.rows = append(t.rows,
				[]string{"", "shards", strconv.Itoa(report.Shards)},
				[]string{"", "layers", strconv.Itoa(report.Layers)},
			)
			return a.render(report, t)
		},
	}
}
