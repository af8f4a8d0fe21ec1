package local

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/flood-exposure/internal/algebra"
	"github.com/sells-group/flood-exposure/internal/geometry"
)

func (e *Engine) applyCollection(ctx context.Context, n *algebra.Node, s *scope) (any, bool, error) {
	var (
		v   any
		err error
	)
	switch n.Fn() {
	case algebra.FnCollectionLoad:
		id := n.StringArg("id")
		scenes, ok := e.collections[id]
		if !ok {
			return nil, true, eris.Errorf("local: image collection %q not found", id)
		}
		v = scenes
	case algebra.FnCollectionFilterDate:
		v, err = e.filterDate(ctx, n, s)
	case algebra.FnCollectionFilterBounds:
		v, err = e.filterSceneBounds(ctx, n, s)
	case algebra.FnCollectionSelect:
		band := n.StringArg("band")
		v, err = e.mapScenes(ctx, n, s, func(r *Raster) (*Raster, error) {
			if r.Band != band {
				return nil, eris.Errorf("local: ImageCollection.select: band %q not found, image has %q", band, r.Band)
			}
			return r, nil
		})
	case algebra.FnCollectionMap:
		name := n.StringArg("var")
		body := n.NodeArg("body")
		v, err = e.mapScenes(ctx, n, s, func(r *Raster) (*Raster, error) {
			out, err := e.eval(ctx, body, bodyScope(s, name, r))
			if err != nil {
				return nil, err
			}
			img, ok := out.(*Raster)
			if !ok {
				return nil, eris.Errorf("local: map body returned %T, want image", out)
			}
			return img, nil
		})
	case algebra.FnCollectionSum:
		var scenes []Scene
		if scenes, err = e.scenes(ctx, n, "collection", s); err == nil {
			v = e.sum(scenes)
		}
	case algebra.FnCollectionFirst:
		var scenes []Scene
		if scenes, err = e.scenes(ctx, n, "collection", s); err == nil {
			if len(scenes) == 0 {
				v = NewRaster(e.grid, "first")
			} else {
				v = scenes[0].Raster
			}
		}
	case algebra.FnCollectionSize:
		var scenes []Scene
		if scenes, err = e.scenes(ctx, n, "collection", s); err == nil {
			v = float64(len(scenes))
		}
	default:
		return nil, false, nil
	}
	return v, true, err
}

// filterDate keeps scenes in [start, end).
func (e *Engine) filterDate(ctx context.Context, n *algebra.Node, s *scope) ([]Scene, error) {
	scenes, err := e.scenes(ctx, n, "collection", s)
	if err != nil {
		return nil, err
	}
	start, err := time.Parse(time.RFC3339, n.StringArg("start"))
	if err != nil {
		return nil, eris.Wrap(err, "local: filterDate start")
	}
	end, err := time.Parse(time.RFC3339, n.StringArg("end"))
	if err != nil {
		return nil, eris.Wrap(err, "local: filterDate end")
	}

	out := make([]Scene, 0, len(scenes))
	for _, sc := range scenes {
		if !sc.Time.Before(start) && sc.Time.Before(end) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// filterSceneBounds keeps the collection when the region touches the grid.
// Every scene covers the whole grid.
func (e *Engine) filterSceneBounds(ctx context.Context, n *algebra.Node, s *scope) ([]Scene, error) {
	scenes, err := e.scenes(ctx, n, "collection", s)
	if err != nil {
		return nil, err
	}
	region, err := e.geometryOf(ctx, n, "geometry", s)
	if err != nil {
		return nil, err
	}
	if !geometry.Intersects(e.grid.Extent(), region) {
		return []Scene{}, nil
	}
	return scenes, nil
}

func (e *Engine) mapScenes(ctx context.Context, n *algebra.Node, s *scope, fn func(*Raster) (*Raster, error)) ([]Scene, error) {
	scenes, err := e.scenes(ctx, n, "collection", s)
	if err != nil {
		return nil, err
	}
	out := make([]Scene, len(scenes))
	for i, sc := range scenes {
		r, err := fn(sc.Raster)
		if err != nil {
			return nil, eris.Wrapf(err, "scene %s", sc.Time.Format(time.DateOnly))
		}
		out[i] = Scene{Time: sc.Time, Raster: r}
	}
	return out, nil
}

// sum adds the unmasked values of every scene. A pixel masked in every
// scene stays masked.
func (e *Engine) sum(scenes []Scene) *Raster {
	band := "sum"
	if len(scenes) > 0 {
		band = scenes[0].Raster.Band
	}
	out := NewRaster(e.grid, band)
	for _, sc := range scenes {
		for i, ok := range sc.Raster.Valid {
			if ok {
				out.Values[i] += sc.Raster.Values[i]
				out.Valid[i] = true
			}
		}
	}
	return out
}
