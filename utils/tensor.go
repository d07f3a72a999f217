package utils

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned (wrapped) when operand axis sizes disagree.
var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a dense row-major float64 array. The core arrays are
//
//	Sequence  (batch x time x variate)
//	PatchGrid (batch x num_patch x variate x patch_len)
//	Mask      (batch x num_patch x variate)
type Tensor struct {
	Data    []float64
	Shape   []int
	strides []int
}

func NewTensor(shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("NewTensor: negative dimension in shape %v", shape))
		}
		size *= d
	}
	return &Tensor{
		Data:    make([]float64, size),
		Shape:   append([]int(nil), shape...),
		strides: stridesOf(shape),
	}
}

// FromSlice copies data into a new tensor of the given shape.
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		size *= d
	}
	if len(data) != size {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, size)
	}
	t := NewTensor(shape...)
	copy(t.Data, data)
	return t, nil
}

// Wrap takes ownership of data without copying. Panics on size mismatch.
func Wrap(data []float64, shape ...int) *Tensor {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		panic(fmt.Sprintf("Wrap: %d elements for shape %v", len(data), shape))
	}
	return &Tensor{Data: data, Shape: append([]int(nil), shape...), strides: stridesOf(shape)}
}

// Reshape returns a view of t with a new shape over the same storage.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return &Tensor{Data: t.Data, Shape: append([]int(nil), shape...), strides: stridesOf(shape)}, nil
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// Clone returns a deep copy; the result never aliases t.Data.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Data:    make([]float64, len(t.Data)),
		Shape:   append([]int(nil), t.Shape...),
		strides: append([]int(nil), t.strides...),
	}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) Rank() int { return len(t.Shape) }
func (t *Tensor) Len() int  { return len(t.Data) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.Shape[i] }

func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.Shape))
		}
		off += v * t.strides[i]
	}
	return off
}

func (t *Tensor) At(idx ...int) float64     { return t.Data[t.Offset(idx...)] }
func (t *Tensor) Set(v float64, idx ...int) { t.Data[t.Offset(idx...)] = v }

func (t *Tensor) SameShape(o *Tensor) bool {
	return SameShape(t.Shape, o.Shape)
}

func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Row returns the contiguous slice for leading index b (a view).
func (t *Tensor) Row(b int) []float64 {
	n := t.strides[0]
	return t.Data[b*n : (b+1)*n]
}

// RowMatrix views leading index b as a matrix whose columns are the last
// axis and whose rows are every other trailing axis flattened. Writes go
// through to t.
func (t *Tensor) RowMatrix(b int) *mat.Dense {
	if len(t.Shape) < 2 {
		panic("tensor: RowMatrix needs rank >= 2")
	}
	c := t.Shape[len(t.Shape)-1]
	r := t.strides[0] / c
	return mat.NewDense(r, c, t.Row(b))
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
