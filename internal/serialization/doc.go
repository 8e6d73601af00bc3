// Package serialization reads and writes model state dicts.
//
// A state dict maps dotted parameter names to tensors. Two implementations
// satisfy the StateDict interface:
//
//   - Flat holds one file's tensors in insertion order.
//   - Chained layers several Flat shards; lookups scan the shards in order and
//     no tensor data is copied.
//
// Supported checkpoint files:
//
//	.born          native format, read and write (v1, v2 with SHA-256 checksum)
//	.safetensors   read and write, plus model.safetensors.index.json
//	.pth .pt .bin  PyTorch pickles, read only
//
// The native .born layout (v2):
//
//	[64 bytes: magic "BORN", version, flags, header size, data size, SHA-256]
//	[Header: JSON metadata]
//	[Tensor data: raw bytes, 64-byte aligned]
//
// Example usage:
//
//	sd, err := serialization.LoadStateDict("checkpoints/llama-7b/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	w, err := serialization.Lookup(sd, "layers.0.attn.dense.weight")
package serialization
