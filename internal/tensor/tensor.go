// Package tensor provides dense float32 tensors in channel-first layout.
//
// Images are [C, H, W]; batches are [N, C, H, W]. Data is stored row-major and
// contiguous, so the plane of channel c of sample n starts at
// ((n*C)+c)*H*W.
package tensor

import (
	"fmt"

	"github.com/dekun/dekun/internal/errs"
)

// Tensor is an n-dimensional float32 array.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, numel(shape))}
}

// FromData wraps data as a tensor. It panics if the length does not match the shape.
func FromData(data []float32, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// Full returns a tensor of the given shape filled with v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Dims returns the rank.
func (t *Tensor) Dims() int { return len(t.Shape) }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data}
}

// SameShape reports whether both tensors have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// Equal reports whether both tensors have the same shape and bit-identical values.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// Dims4 returns N, C, H, W of a 4D tensor. It panics on other ranks.
func (t *Tensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: expected [N, C, H, W], got %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// Dims3 returns C, H, W of a 3D tensor. It panics on other ranks.
func (t *Tensor) Dims3() (c, h, w int) {
	if len(t.Shape) != 3 {
		panic(fmt.Sprintf("tensor: expected [C, H, W], got %v", t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2]
}

// Sample returns sample n of a 4D tensor as a [C, H, W] view sharing storage.
func (t *Tensor) Sample(n int) *Tensor {
	_, c, h, w := t.Dims4()
	size := c * h * w
	return &Tensor{Shape: []int{c, h, w}, Data: t.Data[n*size : (n+1)*size]}
}

// Unsqueeze returns a [1, C, H, W] view of a [C, H, W] tensor.
func (t *Tensor) Unsqueeze() *Tensor {
	c, h, w := t.Dims3()
	return &Tensor{Shape: []int{1, c, h, w}, Data: t.Data}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Stack stacks [C, H, W] tensors of equal shape into [N, C, H, W].
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errs.Shapef("stack of zero tensors")
	}
	first := ts[0]
	if first.Dims() != 3 {
		return nil, errs.Shapef("stack expects [C, H, W], got %v", first.Shape)
	}
	size := first.Len()
	out := New(append([]int{len(ts)}, first.Shape...)...)
	for i, t := range ts {
		if !t.SameShape(first) {
			return nil, errs.Shapef("stack element %d has shape %v, want %v", i, t.Shape, first.Shape)
		}
		copy(out.Data[i*size:], t.Data)
	}
	return out, nil
}

// ConcatChannels concatenates 4D tensors along the channel axis.
func ConcatChannels(parts ...*Tensor) *Tensor {
	n, _, h, w := parts[0].Dims4()
	total := 0
	for _, p := range parts {
		pn, pc, ph, pw := p.Dims4()
		if pn != n || ph != h || pw != w {
			panic(fmt.Sprintf("tensor: cannot concatenate %v with %v", p.Shape, parts[0].Shape))
		}
		total += pc
	}
	out := New(n, total, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		offset := b * total * plane
		for _, p := range parts {
			pc := p.Shape[1]
			src := p.Data[b*pc*plane : (b+1)*pc*plane]
			copy(out.Data[offset:], src)
			offset += len(src)
		}
	}
	return out
}

// SplitChannels splits a 4D tensor into the first c channels and the rest.
// Either side may have zero channels.
func SplitChannels(t *Tensor, c int) (head, tail *Tensor) {
	n, total, h, w := t.Dims4()
	if c < 0 || c > total {
		panic(fmt.Sprintf("tensor: cannot split %d channels out of %v", c, t.Shape))
	}
	head = New(n, c, h, w)
	tail = New(n, total-c, h, w)
	plane := h * w
	for b := 0; b < n; b++ {
		base := b * total * plane
		copy(head.Data[b*c*plane:], t.Data[base:base+c*plane])
		copy(tail.Data[b*(total-c)*plane:], t.Data[base+c*plane:base+total*plane])
	}
	return head, tail
}

// Add returns a + b element-wise.
func Add(a, b *Tensor) *Tensor {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("tensor: cannot add %v and %v", a.Shape, b.Shape))
	}
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("tensor: cannot add %v into %v", b.Shape, a.Shape))
	}
	for i, v := range b.Data {
		a.Data[i] += v
	}
}

// Clamp limits every value to [lo, hi] in place and returns t.
func Clamp(t *Tensor, lo, hi float32) *Tensor {
	for i, v := range t.Data {
		if v < lo {
			t.Data[i] = lo
		} else if v > hi {
			t.Data[i] = hi
		}
	}
	return t
}

// Mean returns the arithmetic mean of all values.
func Mean(t *Tensor) float64 {
	if len(t.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum / float64(len(t.Data))
}
