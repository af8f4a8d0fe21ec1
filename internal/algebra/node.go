// Package algebra builds lazy geospatial expression graphs. Every operation
// returns a new immutable handle that references its inputs; nothing is
// computed until an engine evaluates the graph.
package algebra

import (
	"github.com/twpayne/go-geom"
)

// Function names understood by evaluators.
const (
	FnImageLoad            = "Image.load"
	FnImageConstant        = "Image.constant"
	FnImagePixelArea       = "Image.pixelArea"
	FnImageSelect          = "Image.select"
	FnImageRename          = "Image.rename"
	FnImageGt              = "Image.gt"
	FnImageGte             = "Image.gte"
	FnImageLt              = "Image.lt"
	FnImageLte             = "Image.lte"
	FnImageEq              = "Image.eq"
	FnImageNeq             = "Image.neq"
	FnImageAnd             = "Image.and"
	FnImageOr              = "Image.or"
	FnImageNot             = "Image.not"
	FnImageAdd             = "Image.add"
	FnImageSubtract        = "Image.subtract"
	FnImageMultiply        = "Image.multiply"
	FnImageDivide          = "Image.divide"
	FnImageUpdateMask      = "Image.updateMask"
	FnImageClip            = "Image.clip"
	FnImageUnmask          = "Image.unmask"
	FnImageToInt           = "Image.toInt"
	FnTerrainSlope         = "Terrain.slope"
	FnImageReduceRegion    = "Image.reduceRegion"
	FnImageReduceToVectors = "Image.reduceToVectors"
	FnImagePaint           = "Image.paint"

	FnCollectionLoad         = "ImageCollection.load"
	FnCollectionFilterDate   = "ImageCollection.filterDate"
	FnCollectionFilterBounds = "ImageCollection.filterBounds"
	FnCollectionSelect       = "ImageCollection.select"
	FnCollectionMap          = "ImageCollection.map"
	FnCollectionSum          = "ImageCollection.sum"
	FnCollectionFirst        = "ImageCollection.first"
	FnCollectionSize         = "ImageCollection.size"

	FnFeaturesLoad         = "FeatureCollection.load"
	FnFeaturesFilterBounds = "FeatureCollection.filterBounds"
	FnFeaturesMap          = "FeatureCollection.map"
	FnFeaturesUnion        = "FeatureCollection.union"
	FnFeaturesGeometry     = "FeatureCollection.geometry"
	FnFeaturesSize         = "FeatureCollection.size"

	FnFeatureCentroid = "Feature.centroid"
	FnFeatureSimplify = "Feature.simplify"
	FnFeatureBuffer   = "Feature.buffer"

	FnGeometryConstant = "Geometry.constant"
	FnVariable         = "Variable"
)

// Arg is a named argument of a function invocation. Value is one of *Node,
// float64, string, bool or geom.T.
type Arg struct {
	Name  string
	Value any
}

// Node is a single function invocation in an expression graph. Nodes are
// never modified after construction and may be shared between graphs.
type Node struct {
	fn   string
	args []Arg
}

func newNode(fn string, args ...Arg) *Node {
	return &Node{fn: fn, args: args}
}

// Fn returns the function name.
func (n *Node) Fn() string { return n.fn }

// Args returns a copy of the node's arguments in declaration order.
func (n *Node) Args() []Arg {
	out := make([]Arg, len(n.args))
	copy(out, n.args)
	return out
}

// Arg returns the named argument value.
func (n *Node) Arg(name string) (any, bool) {
	for _, a := range n.args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// NodeArg returns the named argument if it is a sub-expression.
func (n *Node) NodeArg(name string) *Node {
	v, _ := n.Arg(name)
	child, _ := v.(*Node)
	return child
}

// FloatArg returns the named numeric argument or def when absent.
func (n *Node) FloatArg(name string, def float64) float64 {
	v, ok := n.Arg(name)
	if !ok {
		return def
	}
	if f, ok := v.(float64); ok {
		return f
	}
	return def
}

// StringArg returns the named string argument or "" when absent.
func (n *Node) StringArg(name string) string {
	v, _ := n.Arg(name)
	s, _ := v.(string)
	return s
}

// BoolArg returns the named boolean argument or false when absent.
func (n *Node) BoolArg(name string) bool {
	v, _ := n.Arg(name)
	b, _ := v.(bool)
	return b
}

// GeometryArg returns the named constant geometry argument.
func (n *Node) GeometryArg(name string) geom.T {
	v, _ := n.Arg(name)
	g, _ := v.(geom.T)
	return g
}

// Expr is implemented by every typed handle.
type Expr interface {
	Node() *Node
}

// Reducer names an aggregation applied by reduceRegion or reduceToVectors.
type Reducer string

// Supported reducers.
const (
	ReducerSum        Reducer = "sum"
	ReducerCount      Reducer = "count"
	ReducerMean       Reducer = "mean"
	ReducerMin        Reducer = "min"
	ReducerMax        Reducer = "max"
	ReducerCountEvery Reducer = "countEvery"
)

// Number is a scalar-valued expression.
type Number struct{ n *Node }

// Node implements Expr.
func (v Number) Node() *Node { return v.n }

// Dictionary is a key/value expression, such as a reduceRegion result.
type Dictionary struct{ n *Node }

// Node implements Expr.
func (d Dictionary) Node() *Node { return d.n }

// Geometry is a geometry-valued expression.
type Geometry struct{ n *Node }

// Node implements Expr.
func (g Geometry) Node() *Node { return g.n }

// GeometryOf wraps a concrete geometry as a constant expression.
func GeometryOf(g geom.T) Geometry {
	return Geometry{newNode(FnGeometryConstant, Arg{"geometry", g})}
}

// variable returns a placeholder bound by a map invocation.
func variable(name string) *Node {
	return newNode(FnVariable, Arg{"name", name})
}
