package serialization

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SaveOptions configures Save and SaveSharded.
type SaveOptions struct {
	ModelType string            // Recorded in .born headers
	Metadata  map[string]string // Stored in the file header of each shard
}

// Save writes sd to path in the format implied by its extension (.born,
// .safetensors or .gguf).
func Save(path string, sd StateDict, opts SaveOptions) error {
	format, ok := FormatFromPath(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnrecognizedFormat, path)
	}

	//nolint:gosec // G304: File path comes from user input, which is expected for model saving
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	switch format {
	case FormatBorn:
		err = WriteBorn(file, sd, BornWriteOptions{ModelType: opts.ModelType, Metadata: opts.Metadata})
	case FormatSafeTensors:
		err = WriteSafeTensors(file, sd, opts.Metadata)
	case FormatGGUF:
		err = WriteGGUF(file, sd, opts.ModelType, opts.Metadata)
	default:
		err = fmt.Errorf("writing %s checkpoints is not supported", format)
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	shardsWritten.WithLabelValues(string(format)).Inc()
	return nil
}

// SaveSharded splits sd into files of at most keysPerShard keys each, in Keys order,
// named model-00001-of-0000N.<ext>. The final shard may be smaller. SafeTensors
// output also gets a model.safetensors.index.json.
func SaveSharded(dir string, sd StateDict, keysPerShard int, format Format, opts SaveOptions) ([]string, error) {
	if keysPerShard <= 0 {
		return nil, fmt.Errorf("keys per shard must be positive, got %d", keysPerShard)
	}
	if format != FormatBorn && format != FormatSafeTensors {
		return nil, fmt.Errorf("writing %s checkpoints is not supported", format)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	keys := sd.Keys()
	total := (len(keys) + keysPerShard - 1) / keysPerShard
	index := ShardIndex{
		Metadata:  map[string]any{"total_size": int64(0)},
		WeightMap: make(map[string]string, len(keys)),
	}
	var totalSize int64

	paths := make([]string, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*keysPerShard, len(keys))
		shard := NewFlatWithCapacity(end - i*keysPerShard)
		for _, k := range keys[i*keysPerShard : end] {
			t, _ := sd.Get(k)
			shard.Set(k, t)
		}

		name := fmt.Sprintf("model-%05d-of-%05d%s", i+1, total, format.Extension())
		path := filepath.Join(dir, name)
		if err := Save(path, shard, opts); err != nil {
			return nil, err
		}
		for _, k := range shard.Keys() {
			index.WeightMap[k] = name
		}
		totalSize += shard.ByteSize()
		paths = append(paths, path)
	}

	if format == FormatSafeTensors {
		index.Metadata["total_size"] = totalSize
		data, err := json.MarshalIndent(index, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, SafeTensorsIndexFile), data, 0o600); err != nil {
			return nil, err
		}
	}
	return paths, nil
}
