package serialization

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/Zephyr271828/foundation-model-stack/internal/serialization")

type loadOptions struct {
	policy      DuplicatePolicy
	validation  ValidationLevel
	concurrency int
	logger      zerolog.Logger
}

func defaultLoadOptions() loadOptions {
	return loadOptions{
		policy:      RejectDuplicates,
		validation:  ValidationStrict,
		concurrency: 1,
		logger:      zerolog.Nop(),
	}
}

// LoadOption configures LoadStateDict.
type LoadOption func(*loadOptions)

// WithDuplicatePolicy selects how keys repeated across shards are handled.
func WithDuplicatePolicy(p DuplicatePolicy) LoadOption {
	return func(o *loadOptions) { o.policy = p }
}

// WithValidationLevel sets header validation strictness.
func WithValidationLevel(l ValidationLevel) LoadOption {
	return func(o *loadOptions) { o.validation = l }
}

// WithConcurrency bounds how many shards are decoded at once. The default of 1
// reads shards sequentially; n <= 0 removes the bound.
func WithConcurrency(n int) LoadOption {
	return func(o *loadOptions) { o.concurrency = n }
}

// WithLogger sets the logger for discovery events.
func WithLogger(l zerolog.Logger) LoadOption {
	return func(o *loadOptions) { o.logger = l }
}

// LoadStateDict reads a checkpoint file or a directory of shards.
//
// A file yields a *Flat. A directory yields a *Chained over its shards in
// lexical file order; see DiscoverShards. Shards are read one at a time unless
// WithConcurrency raises the limit.
func LoadStateDict(path string, opts ...LoadOption) (StateDict, error) {
	return LoadStateDictContext(context.Background(), path, opts...)
}

// LoadStateDictContext is LoadStateDict with a context for tracing and cancellation
// between shards.
func LoadStateDictContext(ctx context.Context, path string, opts ...LoadOption) (StateDict, error) {
	o := defaultLoadOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "LoadStateDict")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	sd, err := loadStateDict(ctx, path, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("keys", sd.Len()))
	return sd, nil
}

func loadStateDict(ctx context.Context, path string, o loadOptions) (StateDict, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	if !info.IsDir() {
		return readShard(ctx, path, o)
	}

	files, err := DiscoverShards(path)
	if err != nil {
		return nil, err
	}
	o.logger.Debug().Str("dir", path).Int("shards", len(files)).Msg("discovered checkpoint shards")

	shards := make([]*Flat, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sd, err := readShard(gctx, file, o)
			if err != nil {
				return err
			}
			shards[i] = sd
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return NewChained(shards, o.policy)
}

// readShard decodes one file. The file is closed before readShard returns.
func readShard(ctx context.Context, path string, o loadOptions) (*Flat, error) {
	_, span := tracer.Start(ctx, "LoadShard")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	format, ok := FormatFromPath(path)
	if !ok {
		sniffed, err := sniffFormat(path)
		if err != nil {
			return nil, err
		}
		format = sniffed
	}

	var (
		sd  *Flat
		err error
	)
	switch format {
	case FormatBorn:
		var f *BornFile
		f, err = ReadBornFile(path, o.validation)
		if f != nil {
			sd = f.Tensors
		}
	case FormatSafeTensors:
		sd, _, err = ReadSafeTensorsFile(path, o.validation)
	case FormatTorch:
		sd, err = ReadTorchFile(path)
	case FormatGGUF:
		sd, _, err = ReadGGUFFile(path, o.validation)
	case FormatONNX:
		sd, _, err = ReadONNXFile(path)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		span.RecordError(err)
		return nil, &FormatError{Path: path, Format: format, Err: err}
	}

	shardsRead.WithLabelValues(string(format)).Inc()
	bytesRead.Add(float64(sd.ByteSize()))
	o.logger.Debug().Str("file", path).Str("format", string(format)).Int("keys", sd.Len()).Msg("read checkpoint shard")
	return sd, nil
}

// sniffFormat recognizes files without a known extension by their magic bytes.
func sniffFormat(path string) (Format, error) {
	//nolint:gosec // G304: File path comes from user input, which is expected for model loading
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnrecognizedFormat, path)
	}
	switch {
	case bytes.Equal(head, []byte(MagicBytes)):
		return FormatBorn, nil
	case bytes.Equal(head, []byte(GGUFMagic)):
		return FormatGGUF, nil
	case bytes.Equal(head, []byte("PK\x03\x04")):
		// torch.save writes zip archives since PyTorch 1.6.
		return FormatTorch, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnrecognizedFormat, path)
	}
}
