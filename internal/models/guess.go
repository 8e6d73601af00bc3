package models

import (
	"strconv"
	"strings"

	"github.com/Zephyr271828/foundation-model-stack/internal/serialization"
)

// GuessNumLayers infers the number of repeated blocks in a checkpoint.
//
// The first purely numeric dotted segment of each key is taken as its layer
// index ("layers.3.attn..." and "model.layers.3.mlp..." both give 3). The
// result is the largest index plus one. It returns (0, false) when no key
// carries an index, which is normal for architectures without repeated
// blocks.
func GuessNumLayers(sd serialization.StateDict) (int, bool) {
	maxIdx := -1
	for _, key := range sd.Keys() {
		if idx, ok := layerIndex(key); ok && idx > maxIdx {
			maxIdx = idx
		}
	}
	if maxIdx < 0 {
		return 0, false
	}
	return maxIdx + 1, true
}

func layerIndex(key string) (int, bool) {
	for _, seg := range strings.Split(key, ".") {
		if seg == "" || strings.TrimLeft(seg, "0123456789") != "" {
			continue
		}
		idx, err := strconv.Atoi(seg)
		if err != nil {
			return 0, false
		}
		return idx, true
	}
	return 0, false
}
