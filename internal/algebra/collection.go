package algebra

import (
	"strconv"
	"strings"
	"time"
)

const mappingVarPrefix = "_MAPPING_VAR_"

// ImageCollection is an ordered, time-stamped stack of images.
type ImageCollection struct{ n *Node }

// Node implements Expr.
func (c ImageCollection) Node() *Node { return c.n }

// LoadImageCollection references a catalog collection by identifier.
func LoadImageCollection(id string) ImageCollection {
	return ImageCollection{newNode(FnCollectionLoad, Arg{"id", id})}
}

// FilterDate keeps images whose timestamp falls in [start, end).
func (c ImageCollection) FilterDate(start, end time.Time) ImageCollection {
	return ImageCollection{newNode(FnCollectionFilterDate,
		Arg{"collection", c.n},
		Arg{"start", start.UTC().Format(time.RFC3339)},
		Arg{"end", end.UTC().Format(time.RFC3339)},
	)}
}

// FilterBounds keeps images whose footprint intersects g.
func (c ImageCollection) FilterBounds(g Geometry) ImageCollection {
	return ImageCollection{newNode(FnCollectionFilterBounds, Arg{"collection", c.n}, Arg{"geometry", g.n})}
}

// Select picks the named band from every image.
func (c ImageCollection) Select(band string) ImageCollection {
	return ImageCollection{newNode(FnCollectionSelect, Arg{"collection", c.n}, Arg{"band", band})}
}

// Map applies fn to every image. fn must be free of side effects: it is
// invoked more than once while the graph is built.
func (c ImageCollection) Map(fn func(Image) Image) ImageCollection {
	name, body := bindVariable(func(v *Node) *Node { return fn(Image{v}).n })
	return ImageCollection{newNode(FnCollectionMap,
		Arg{"collection", c.n},
		Arg{"var", name},
		Arg{"body", body},
	)}
}

// Sum adds the unmasked values of every image per pixel. A pixel masked in
// every image stays masked.
func (c ImageCollection) Sum() Image {
	return Image{newNode(FnCollectionSum, Arg{"collection", c.n})}
}

// First returns the earliest image.
func (c ImageCollection) First() Image {
	return Image{newNode(FnCollectionFirst, Arg{"collection", c.n})}
}

// Size counts the images in the collection.
func (c ImageCollection) Size() Number {
	return Number{newNode(FnCollectionSize, Arg{"collection", c.n})}
}

// bindVariable builds a map body twice: once with a scratch variable to learn
// how deeply maps are nested inside it, then with the final variable name,
// so identical bodies always serialize identically.
func bindVariable(build func(*Node) *Node) (string, *Node) {
	scratch := build(variable(mappingVarPrefix + "scratch"))
	name := mappingVarPrefix + strconv.Itoa(maxMapDepth(scratch)+1)
	return name, build(variable(name))
}

func maxMapDepth(root *Node) int {
	depth := -1
	Walk(root, func(n *Node) {
		if !strings.HasSuffix(n.fn, ".map") {
			return
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(n.StringArg("var"), mappingVarPrefix))
		if err == nil && idx > depth {
			depth = idx
		}
	})
	return depth
}

// Walk visits every node reachable from root exactly once, children first.
func Walk(root *Node, visit func(*Node)) {
	seen := make(map[*Node]bool)
	var walk func(*Node)
	walk = func(n *Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		for _, a := range n.args {
			if child, ok := a.Value.(*Node); ok {
				walk(child)
			}
		}
		visit(n)
	}
	walk(root)
}
