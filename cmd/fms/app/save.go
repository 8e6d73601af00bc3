package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Zephyr271828/foundation-model-stack/internal/nn"
	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
)

func (a *App) newSaveCommand() *cobra.Command {
	var (
		mf     modelFlags
		shards int
		format string
	)
	cmd := &cobra.Command{
		Use:   "save <architecture> <variant> <out>",
		Short: "Materialize a model and write its state dict",
		Long: `Save builds the model (from --model-path, or initialized from --seed) and
writes its state dict. With --shards 1 the format follows the extension of
<out> (.born, .safetensors or .gguf); otherwise <out> is a directory of
model-0000i-of-0000N files in --format.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, variant, out := args[0], args[1], args[2]
			if shards < 1 {
				return fmt.Errorf("--shards must be at least 1, got %d", shards)
			}
			opts, err := a.options(cmd, &mf)
			if err != nil {
				return err
			}
			m, err := a.resolver.GetModel(cmd.Context(), arch, variant, opts...)
			if err != nil {
				return err
			}
			sd, err := nn.StateDict(m)
			if err != nil {
				return err
			}
			saveOpts := serialization.SaveOptions{
				ModelType: arch,
				Metadata:  map[string]string{"fms.architecture": arch, "fms.variant": variant},
			}

			if shards == 1 {
				if err := serialization.Save(out, sd, saveOpts); err != nil {
					return err
				}
				a.logger.Info().Str("path", out).Int("tensors", sd.Len()).Msg("saved")
				return nil
			}
			perShard := (sd.Len() + shards - 1) / shards
			paths, err := serialization.SaveSharded(out, sd, perShard, serialization.Format(format), saveOpts)
			if err != nil {
				return err
			}
			a.logger.Info().Str("dir", out).Int("shards", len(paths)).Int("tensors", sd.Len()).Msg("saved")
			return nil
		},
	}
	mf.register(cmd, true)
	cmd.Flags().IntVar(&shards, "shards", 1, "number of shard files")
	cmd.Flags().StringVar(&format, "format", string(serialization.FormatSafeTensors), "shard format: safetensors or born")
	return cmd
}
