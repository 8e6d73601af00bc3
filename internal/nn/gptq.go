package nn

import (
	"fmt"

	"github.com/Zephyr271828/foundation-model-stack/internal/tensor"
)

// DefaultGPTQGroupSize is used when neither the linear config nor a
// checkpoint determines the quantization group size.
const DefaultGPTQGroupSize = 128

const gptqPack = 8 // 4-bit values per int32

// GPTQConfig holds the quantization metadata a GPTQLinear is built from.
type GPTQConfig struct {
	GroupSize int
	DescAct   bool
}

// GPTQLinear is a 4-bit GPTQ-quantized linear layer.
//
// Parameters follow the AutoGPTQ checkpoint layout:
//
//	qweight int32   [in/8, out]       eight 4-bit input rows per word
//	qzeros  int32   [groups, out/8]   eight 4-bit zero points per word
//	scales  float16 [groups, out]
//
// groups is ceil(in/group).
//	g_idx   int32   [in]              group of each input row
//	bias    float16 [out]             optional
//
// Forward dequantizes w[i][j] = scales[g][j] * (q[i][j] - (z[g][j] + 1)) with
// g = g_idx[i], then multiplies.
type GPTQLinear struct {
	leaf
	In        int
	Out       int
	GroupSize int
	DescAct   bool
	QWeight   *Parameter
	QZeros    *Parameter
	Scales    *Parameter
	GIdx      *Parameter
	Bias      *Parameter
}

// GPTQGroups returns the number of quantization groups over in features.
// The last group is partial when group does not divide in.
func GPTQGroups(in, group int) int {
	return (in + group - 1) / group
}

// NewGPTQLinear builds a lazy GPTQ layer. In and Out must be divisible by 8.
func NewGPTQLinear(in, out int, bias bool, cfg GPTQConfig) (*GPTQLinear, error) {
	group := cfg.GroupSize
	if group <= 0 {
		group = DefaultGPTQGroupSize
	}
	if in%gptqPack != 0 || out%gptqPack != 0 {
		return nil, fmt.Errorf("nn: gptq needs in and out divisible by %d, got %d and %d", gptqPack, in, out)
	}
	groups := GPTQGroups(in, group)
	g := &GPTQLinear{
		In:        in,
		Out:       out,
		GroupSize: group,
		DescAct:   cfg.DescAct,
		QWeight:   NewParameter(tensor.Shape{in / gptqPack, out}, tensor.Int32, ZerosInit()),
		QZeros:    NewParameter(tensor.Shape{groups, out / gptqPack}, tensor.Int32, ZerosInit()),
		Scales:    NewParameter(tensor.Shape{groups, out}, tensor.Float16, OnesInit()),
		GIdx:      NewParameter(tensor.Shape{in}, tensor.Int32, GroupIndexInit(group)),
	}
	if bias {
		g.Bias = NewParameter(tensor.Shape{out}, tensor.Float16, ZerosInit())
	}
	return g, nil
}

// Parameters returns the quantized tensors in checkpoint order.
func (g *GPTQLinear) Parameters() []NamedParameter {
	return params(
		NamedParameter{"qweight", g.QWeight},
		NamedParameter{"qzeros", g.QZeros},
		NamedParameter{"scales", g.Scales},
		NamedParameter{"g_idx", g.GIdx},
		NamedParameter{"bias", g.Bias},
	)
}

// Dequantize returns the dense weight as a row-major [out, in] matrix.
func (g *GPTQLinear) Dequantize() ([]float32, error) {
	qweight, err := g.QWeight.Int64s()
	if err != nil {
		return nil, err
	}
	qzeros, err := g.QZeros.Int64s()
	if err != nil {
		return nil, err
	}
	scales, err := g.Scales.Float32s()
	if err != nil {
		return nil, err
	}
	gidx, err := g.GIdx.Int64s()
	if err != nil {
		return nil, err
	}

	groups := GPTQGroups(g.In, g.GroupSize)
	zcols := g.Out / gptqPack
	w := make([]float32, g.Out*g.In)
	for i := 0; i < g.In; i++ {
		grp := int(gidx[i])
		if grp < 0 || grp >= groups {
			return nil, fmt.Errorf("nn: g_idx[%d]=%d out of range [0,%d)", i, grp, groups)
		}
		shift := uint(4 * (i % gptqPack))
		wordRow := qweight[(i/gptqPack)*g.Out : (i/gptqPack+1)*g.Out]
		for j := 0; j < g.Out; j++ {
			q := (uint32(wordRow[j]) >> shift) & 0xF
			z := (uint32(qzeros[grp*zcols+j/gptqPack]) >> uint(4*(j%gptqPack))) & 0xF
			w[j*g.In+i] = scales[grp*g.Out+j] * (float32(q) - float32(z+1))
		}
	}
	return w, nil
}

// Forward maps [n, in] to [n, out].
func (g *GPTQLinear) Forward(x *Matrix) (*Matrix, error) {
	w, err := g.Dequantize()
	if err != nil {
		return nil, err
	}
	y, err := matmulT(x, w, g.Out, g.In)
	if err != nil {
		return nil, err
	}
	if g.Bias != nil {
		b, err := g.Bias.Float32s()
		if err != nil {
			return nil, err
		}
		addRowVector(y, b)
	}
	return y, nil
}

// PackGPTQ packs 4-bit values into the qweight and qzeros layouts.
// q is [in, out] and zeros is [groups, out].
func PackGPTQ(q []uint8, zeros []uint8, in, out int) (qweight, qzeros []int32) {
	qweight = make([]int32, in/gptqPack*out)
	for i := 0; i < in; i++ {
		for j := 0; j < out; j++ {
			qweight[(i/gptqPack)*out+j] |= int32(uint32(q[i*out+j]&0xF) << uint(4*(i%gptqPack))) //nolint:gosec // G115: 4-bit packing
		}
	}
	groups := len(zeros) / out
	qzeros = make([]int32, groups*out/gptqPack)
	for grp := 0; grp < groups; grp++ {
		for j := 0; j < out; j++ {
			qzeros[grp*(out/gptqPack)+j/gptqPack] |= int32(uint32(zeros[grp*out+j]&0xF) << uint(4*(j%gptqPack))) //nolint:gosec // G115: 4-bit packing
		}
	}
	return qweight, qzeros
}
