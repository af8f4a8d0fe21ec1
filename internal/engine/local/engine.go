// Package local is an in-memory evaluator for algebra expressions over a
// single reference grid. It backs the pipeline tests and the "local"
// engine driver, which reads fixture catalogs from disk.
package local

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/engine"
	"github.com/sells-group/flood-exposure/internal/vector"
)

// Scene is one time step of an image collection.
type Scene struct {
	Time   time.Time
	Raster *Raster
}

// Feature is a vector record.
type Feature = vector.Feature

// Engine evaluates expressions against in-memory catalogs.
type Engine struct {
	grid        Grid
	images      map[string]*Raster
	collections map[string][]Scene
	features    map[string][]Feature

	mu    sync.Mutex
	memo  map[*algebra.Node]any
	tasks map[string]*engine.Task
}

var _ engine.Engine = (*Engine)(nil)

// New creates an empty engine on grid g.
func New(g Grid) *Engine {
	return &Engine{
		grid:        g,
		images:      make(map[string]*Raster),
		collections: make(map[string][]Scene),
		features:    make(map[string][]Feature),
		memo:        make(map[*algebra.Node]any),
		tasks:       make(map[string]*engine.Task),
	}
}

// Grid returns the reference grid.
func (e *Engine) Grid() Grid { return e.grid }

// AddImage registers a single image.
func (e *Engine) AddImage(id string, r *Raster) error {
	if err := e.checkRaster(r); err != nil {
		return eris.Wrapf(err, "local: add image %s", id)
	}
	e.images[id] = r
	return nil
}

// AddScene appends a time step to an image collection. Scenes are kept in
// time order.
func (e *Engine) AddScene(id string, t time.Time, r *Raster) error {
	if err := e.checkRaster(r); err != nil {
		return eris.Wrapf(err, "local: add scene %s@%s", id, t.Format(time.DateOnly))
	}
	scenes := append(e.collections[id], Scene{Time: t.UTC(), Raster: r})
	sort.SliceStable(scenes, func(i, j int) bool { return scenes[i].Time.Before(scenes[j].Time) })
	e.collections[id] = scenes
	return nil
}

// AddFeatures appends records to a feature table.
func (e *Engine) AddFeatures(id string, fs ...Feature) {
	e.features[id] = append(e.features[id], fs...)
}

func (e *Engine) checkRaster(r *Raster) error {
	if r == nil {
		return eris.New("nil raster")
	}
	if len(r.Values) != e.grid.Len() || len(r.Valid) != e.grid.Len() {
		return eris.Errorf("raster has %d pixels, grid has %d", len(r.Values), e.grid.Len())
	}
	return nil
}

// Compute evaluates expr and returns its JSON form.
func (e *Engine) Compute(ctx context.Context, expr algebra.Expr) (engine.Value, error) {
	n := expr.Node()
	if n == nil {
		return engine.Value{}, eris.New("local: empty expression")
	}
	v, err := e.eval(ctx, n, nil)
	if err != nil {
		return engine.Value{}, err
	}
	raw, err := toJSON(v)
	if err != nil {
		return engine.Value{}, eris.Wrapf(err, "local: materialize %s", n.Fn())
	}
	return engine.NewValue(raw), nil
}

// scope binds map variables. Nodes evaluated under a scope are memoized in
// the scope only, since their value depends on the binding.
type scope struct {
	vars map[string]any
	memo map[*algebra.Node]any
}

func (e *Engine) eval(ctx context.Context, n *algebra.Node, s *scope) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "local: evaluation cancelled")
	}
	if n == nil {
		return nil, eris.New("local: missing argument")
	}

	if s == nil {
		e.mu.Lock()
		v, ok := e.memo[n]
		e.mu.Unlock()
		if ok {
			return v, nil
		}
	} else if v, ok := s.memo[n]; ok {
		return v, nil
	}

	v, err := e.apply(ctx, n, s)
	if err != nil {
		return nil, err
	}

	if s == nil {
		e.mu.Lock()
		e.memo[n] = v
		e.mu.Unlock()
	} else {
		s.memo[n] = v
	}
	return v, nil
}

func (e *Engine) apply(ctx context.Context, n *algebra.Node, s *scope) (any, error) {
	switch n.Fn() {
	case algebra.FnVariable:
		name := n.StringArg("name")
		if s != nil {
			if v, ok := s.vars[name]; ok {
				return v, nil
			}
		}
		return nil, eris.Errorf("local: unbound variable %s", name)
	case algebra.FnGeometryConstant:
		g := n.GeometryArg("geometry")
		if g == nil {
			return nil, eris.New("local: geometry constant without geometry")
		}
		return g, nil
	}

	if v, ok, err := e.applyImage(ctx, n, s); ok {
		return v, err
	}
	if v, ok, err := e.applyCollection(ctx, n, s); ok {
		return v, err
	}
	if v, ok, err := e.applyFeatures(ctx, n, s); ok {
		return v, err
	}
	return nil, eris.Errorf("local: unsupported function %s", n.Fn())
}

// typed argument helpers

func evalAs[T any](ctx context.Context, e *Engine, n *algebra.Node, arg string, s *scope) (T, error) {
	var zero T
	v, err := e.eval(ctx, n.NodeArg(arg), s)
	if err != nil {
		return zero, eris.Wrapf(err, "%s.%s", n.Fn(), arg)
	}
	t, ok := v.(T)
	if !ok {
		return zero, eris.Errorf("local: %s.%s: expected %T, got %T", n.Fn(), arg, zero, v)
	}
	return t, nil
}

func (e *Engine) raster(ctx context.Context, n *algebra.Node, arg string, s *scope) (*Raster, error) {
	return evalAs[*Raster](ctx, e, n, arg, s)
}

func (e *Engine) geometryOf(ctx context.Context, n *algebra.Node, arg string, s *scope) (geom.T, error) {
	return evalAs[geom.T](ctx, e, n, arg, s)
}

func (e *Engine) scenes(ctx context.Context, n *algebra.Node, arg string, s *scope) ([]Scene, error) {
	return evalAs[[]Scene](ctx, e, n, arg, s)
}

func (e *Engine) featureList(ctx context.Context, n *algebra.Node, arg string, s *scope) ([]Feature, error) {
	return evalAs[[]Feature](ctx, e, n, arg, s)
}

func (e *Engine) feature(ctx context.Context, n *algebra.Node, arg string, s *scope) (Feature, error) {
	return evalAs[Feature](ctx, e, n, arg, s)
}

// bodyScope derives a child scope binding name to v.
func bodyScope(parent *scope, name string, v any) *scope {
	vars := make(map[string]any)
	if parent != nil {
		for k, pv := range parent.vars {
			vars[k] = pv
		}
	}
	vars[name] = v
	return &scope{vars: vars, memo: make(map[*algebra.Node]any)}
}

func toJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case float64:
		return json.Marshal(t)
	case map[string]any:
		return json.Marshal(t)
	case []Feature:
		return vector.EncodeGeoJSON(t)
	case Feature:
		return json.Marshal(toGeoJSONFeature(t))
	case geom.T:
		return geojson.Marshal(t)
	case *Raster:
		return nil, eris.New("images cannot be materialized; reduce them first")
	case []Scene:
		return nil, eris.New("image collections cannot be materialized; reduce them first")
	}
	return nil, eris.Errorf("unexpected value %T", v)
}

func toGeoJSONFeature(f Feature) *geojson.Feature {
	props := f.Properties
	if props == nil {
		props = map[string]any{}
	}
	return &geojson.Feature{Geometry: f.Geometry, Properties: props}
}
