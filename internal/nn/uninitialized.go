package nn

import (
	"errors"
	"fmt"
)

// ErrUninitialized is returned when a pending slot is executed.
var ErrUninitialized = errors.New("nn: uninitialized module")

// Linear layer types accepted in LinearConfig.LinearType.
const (
	LinearTorch   = "torch_linear"
	LinearGPTQ    = "gptq"
	LinearGPTQCPU = "gptq_cpu"
)

// LinearConfig selects the implementation of every linear projection in a model.
// A nil config or LinearTorch builds plain Linear layers.
type LinearConfig struct {
	LinearType string `mapstructure:"linear_type" json:"linear_type" yaml:"linear_type"`
	GroupSize  int    `mapstructure:"group_size" json:"group_size,omitempty" yaml:"group_size,omitempty"`
	DescAct    bool   `mapstructure:"desc_act" json:"desc_act,omitempty" yaml:"desc_act,omitempty"`
}

// IsQuantized reports whether the config requests a deferred quantized layer.
func (c *LinearConfig) IsQuantized() bool {
	return c != nil && c.LinearType != "" && c.LinearType != LinearTorch
}

// Validate rejects unknown linear types.
func (c *LinearConfig) Validate() error {
	if c == nil {
		return nil
	}
	switch c.LinearType {
	case "", LinearTorch, LinearGPTQ, LinearGPTQCPU:
	default:
		return fmt.Errorf("nn: unsupported linear_type %q", c.LinearType)
	}
	if c.GroupSize < 0 {
		return fmt.Errorf("nn: group_size must be positive, got %d", c.GroupSize)
	}
	return nil
}

// Uninitialized stands in for a linear layer whose implementation depends on
// configuration that is only known once weights are available.
//
// It is visible to graph enumeration but owns no parameters and has no
// Forward method; a Slot holding it refuses to execute.
type Uninitialized struct {
	leaf
	Config LinearConfig
	In     int
	Out    int
	Bias   bool
}

// Parameters returns nil: placeholders allocate nothing.
func (u *Uninitialized) Parameters() []NamedParameter { return nil }

func (u *Uninitialized) String() string {
	return fmt.Sprintf("Uninitialized(%s, in=%d, out=%d, bias=%t)", u.Config.LinearType, u.In, u.Out, u.Bias)
}

// UninitializedError names the pending slot that was executed.
type UninitializedError struct {
	Path       string
	LinearType string
}

func (e *UninitializedError) Error() string {
	path := e.Path
	if path == "" {
		path = "<unlabeled>"
	}
	return fmt.Sprintf("nn: module %s is a pending %q linear layer; it must be specialized before use", path, e.LinearType)
}

func (e *UninitializedError) Unwrap() error { return ErrUninitialized }
