package serialization

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Index files that name the shards of a checkpoint explicitly.
const (
	SafeTensorsIndexFile = "model.safetensors.index.json"
	TorchIndexFile       = "pytorch_model.bin.index.json"
)

// shardPatterns are tried in order; the first group with a match is the shard set.
var shardPatterns = [][]string{
	{"*.safetensors"},
	{"*.born"},
	{"*.pth", "*.pt"},
	{"*.bin"},
	{"*.gguf"},
	{"*.onnx"},
}

// ShardIndex is the content of a model.safetensors.index.json file.
type ShardIndex struct {
	Metadata  map[string]any    `json:"metadata"`
	WeightMap map[string]string `json:"weight_map"`
}

// Files returns the distinct shard file names of the index, sorted.
func (idx ShardIndex) Files() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, f := range idx.WeightMap {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// DiscoverShards lists the checkpoint files of dir in lexical order.
//
// An index file, when present, names the shards. Otherwise the first pattern
// group in .safetensors, .born, .pth/.pt, .bin, .gguf, .onnx order that matches anything wins,
// so a directory holding both SafeTensors and pickle copies of a model loads once.
func DiscoverShards(dir string) ([]string, error) {
	for _, name := range []string{SafeTensorsIndexFile, TorchIndexFile} {
		files, err := shardsFromIndex(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = filepath.Join(dir, f)
		}
		return paths, nil
	}

	for _, group := range shardPatterns {
		var matches []string
		for _, pattern := range group {
			m, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				return nil, err
			}
			matches = append(matches, m...)
		}
		matches = regularFiles(matches)
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoCheckpoints, dir)
}

func shardsFromIndex(path string) ([]string, error) {
	//nolint:gosec // G304: index path is derived from the checkpoint directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var idx ShardIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, &FormatError{Path: path, Format: "index", Err: err}
	}
	files := idx.Files()
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: index %s lists no shards", ErrNoCheckpoints, path)
	}
	return files, nil
}

func regularFiles(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			out = append(out, p)
		}
	}
	return out
}
