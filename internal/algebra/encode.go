package algebra

import (
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// Graph is the wire form of an expression: a flat table of invocations
// keyed by id, with arguments referring to other entries by id. Shared
// sub-expressions appear once.
type Graph struct {
	Result string                `json:"result"`
	Values map[string]GraphValue `json:"values"`
}

// GraphValue is one invocation in a Graph.
type GraphValue struct {
	FunctionName string              `json:"functionName"`
	Arguments    map[string]GraphArg `json:"arguments,omitempty"`
}

// GraphArg is either a reference to another value or an inline constant.
type GraphArg struct {
	ValueReference string          `json:"valueReference,omitempty"`
	ConstantValue  json.RawMessage `json:"constantValue,omitempty"`
}

// BuildGraph flattens the expression rooted at e. Ids are assigned in
// post-order, so the same expression always produces the same graph.
func BuildGraph(e Expr) (*Graph, error) {
	root := e.Node()
	if root == nil {
		return nil, eris.New("algebra: empty expression")
	}

	g := &Graph{Values: make(map[string]GraphValue)}
	ids := make(map[*Node]string)
	var encodeErr error

	Walk(root, func(n *Node) {
		if encodeErr != nil {
			return
		}
		v := GraphValue{FunctionName: n.fn}
		if len(n.args) > 0 {
			v.Arguments = make(map[string]GraphArg, len(n.args))
		}
		for _, a := range n.args {
			arg, err := encodeArg(a.Value, ids)
			if err != nil {
				encodeErr = eris.Wrapf(err, "algebra: encode %s.%s", n.fn, a.Name)
				return
			}
			v.Arguments[a.Name] = arg
		}
		id := strconv.Itoa(len(ids))
		ids[n] = id
		g.Values[id] = v
	})
	if encodeErr != nil {
		return nil, encodeErr
	}

	g.Result = ids[root]
	return g, nil
}

func encodeArg(v any, ids map[*Node]string) (GraphArg, error) {
	switch t := v.(type) {
	case *Node:
		id, ok := ids[t]
		if !ok {
			return GraphArg{}, eris.New("reference to unvisited node")
		}
		return GraphArg{ValueReference: id}, nil
	case geom.T:
		data, err := geojson.Marshal(t)
		if err != nil {
			return GraphArg{}, eris.Wrap(err, "marshal geometry")
		}
		return GraphArg{ConstantValue: data}, nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return GraphArg{}, eris.Wrap(err, "marshal constant")
		}
		return GraphArg{ConstantValue: data}, nil
	}
}

// Encode serializes the expression graph as JSON.
func Encode(e Expr) ([]byte, error) {
	g, err := BuildGraph(e)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, eris.Wrap(err, "algebra: marshal graph")
	}
	return data, nil
}
