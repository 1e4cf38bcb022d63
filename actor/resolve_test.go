package actor

import (
	"testing"

	"github.com/gomlx/actorflow/ir"
	"github.com/stretchr/testify/assert"
)

func TestResolveFrontNode(t *testing.T) {
	front := ir.New("front")
	frontX := front.Parameter("x", f32)
	frontNeg := front.Op("Neg", f32, frontX)

	g := ir.New("backend")
	x := g.Parameter("x", f32)
	p := g.Parameter("p", f32)
	q := g.Parameter("q", f32)
	neg := g.Op("Neg", f32, x)
	g.SetOutputs(neg.At(0))
	g.SetFrontNode(x, frontX)
	g.SetFrontNode(p, frontX)
	g.SetInternalParameter(p, frontNeg.At(0))
	g.SetFrontOutput(neg.At(0), frontNeg.At(0))

	r := ResolveFrontNode(x, g)
	assert.Same(t, frontX, r.Node)
	assert.Equal(t, ResolvedByMapping, r.Source)

	// The internal-parameter origin has precedence over the direct mapping.
	r = ResolveFrontNode(p, g)
	assert.Same(t, frontNeg, r.Node)
	assert.Equal(t, ResolvedByInternalParameter, r.Source)

	r = ResolveFrontNode(q, g)
	assert.Same(t, q, r.Node)
	assert.True(t, r.IsFallback())

	// No graph context: the backend node is its own front node.
	r = ResolveFrontNode(x, nil)
	assert.Same(t, x, r.Node)
	assert.Equal(t, "Fallback", r.Source.String())
}

func TestResolveFrontOutput(t *testing.T) {
	front := ir.New("front")
	frontX := front.Parameter("x", f32)
	frontNeg := front.Op("Neg", f32, frontX)

	g := ir.New("backend")
	x := g.Parameter("x", f32)
	p := g.Parameter("p", f32)
	neg := g.Op("Neg", f32, x)
	g.SetOutputs(neg.At(0))
	g.SetInternalParameter(p, frontNeg.At(0))
	g.SetFrontOutput(neg.At(0), frontNeg.At(0))

	r := ResolveFrontOutput(neg.At(0), g)
	assert.Equal(t, frontNeg.At(0), r.Output)
	assert.Equal(t, ResolvedByMapping, r.Source)

	r = ResolveFrontOutput(p.At(0), g)
	assert.Equal(t, frontNeg.At(0), r.Output)
	assert.Equal(t, ResolvedByInternalParameter, r.Source)

	r = ResolveFrontOutput(x.At(0), g)
	assert.Equal(t, x.At(0), r.Output)
	assert.True(t, r.IsFallback())
	assert.True(t, ResolveFrontOutput(neg.At(0), nil).IsFallback())
}
