// Package wcet drives the control flow graph pipeline over a whole
// program. It builds the graph of every loaded method, applies the
// standard transform passes and reports the structural facts the bound
// computation starts from: leaf methods, loop heads and the loops that
// had to fall back to the default iteration bound.
package wcet

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/exp/slices"

	"github.com/i-sz/jop/app"
	"github.com/i-sz/jop/cfg"
)

// Result is the outcome of preparing one method for WCET analysis.
type Result struct {
	Method *app.MethodInfo
	CFG    *cfg.CFG
	Err    error

	Leaf  bool
	Nodes int
	Edges int
	Loops int
	// loop heads analyzed with cfg.DefaultLoopBound for lack of an
	// annotated bound, by node name
	DefaultBounded []string
}

// Config tunes a pipeline run.
type Config struct {
	// Workers caps the number of methods processed concurrently.
	// Zero means one worker per CPU.
	Workers int
	// CacheSize bounds the graph cache, zero for the default.
	CacheSize int
	// Context is the calling context virtual call sites are resolved
	// in. The zero value resolves context-insensitively.
	Context app.CallString
}

// Driver prepares the flow graphs of a program. Methods are partitioned
// over a worker pool; each graph is built, transformed and analyzed by
// exactly one goroutine.
type Driver struct {
	app   *app.AppInfo
	cache *cfg.Cache
	cfg   Config
}

// NewDriver creates a driver over the given program model.
func NewDriver(appInfo *app.AppInfo, config Config) (*Driver, error) {
	cache, err := cfg.NewCache(appInfo, config.CacheSize)
	if err != nil {
		return nil, err
	}
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	return &Driver{app: appInfo, cache: cache, cfg: config}, nil
}

// Cache exposes the graph cache, so callers can reuse prepared graphs.
func (d *Driver) Cache() *cfg.Cache { return d.cache }

// Run processes every loaded method and returns one result per method,
// sorted by fully qualified name. Per-method failures are reported in the
// result, not returned; only pool setup can fail.
func (d *Driver) Run() ([]Result, error) {
	methods := d.app.Methods()
	results := make([]Result, len(methods))

	pool, err := ants.NewPool(d.cfg.Workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, m := range methods {
		i, m := i, m
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = d.prepare(m)
		})
		if err != nil {
			wg.Done()
			results[i] = Result{Method: m, Err: err}
		}
	}
	wg.Wait()
	return results, nil
}

// prepare runs the standard pass pipeline on one method. Fatal modeling
// errors abort the method by panicking; the driver turns them into a
// per-method failure so the rest of the program is still processed.
func (d *Driver) prepare(m *app.MethodInfo) (res Result) {
	res = Result{Method: m}
	defer func() {
		if r := recover(); r != nil {
			d.cache.Remove(m)
			res.Err = fmt.Errorf("prepare %s: %v", m.FQName(), r)
		}
	}()
	g, err := d.cache.Get(m)
	if err != nil {
		res.Err = fmt.Errorf("prepare %s: %w", m.FQName(), err)
		return res
	}
	res.CFG = g

	passes := []struct {
		name string
		run  func() error
	}{
		{"resolve-virtual-invokes", func() error { return g.ResolveVirtualInvokes(d.cfg.Context) }},
		{"insert-split-nodes", g.InsertSplitNodes},
		{"insert-return-nodes", g.InsertReturnNodes},
		{"insert-continue-loop-nodes", g.InsertContinueLoopNodes},
		{"insert-summary-nodes", g.InsertSummaryNodes},
	}
	for _, p := range passes {
		if err := p.run(); err != nil {
			d.cache.Remove(m)
			res.Err = fmt.Errorf("pass %s on %s: %w", p.name, m.FQName(), err)
			return res
		}
	}

	res.Leaf = g.IsLeafMethod()
	res.Nodes = g.Graph().VertexCount()
	res.Edges = g.Graph().EdgeCount()

	heads := loopHeads(g)
	res.Loops = len(heads)
	for _, head := range heads {
		// no bound annotations are modeled yet, so every remaining
		// loop is bounded by the default
		res.DefaultBounded = append(res.DefaultBounded, head)
		log.Warn("Loop without annotated bound, assuming default",
			"method", m.FQName(), "head", head, "bound", cfg.DefaultLoopBound)
	}
	slices.Sort(res.DefaultBounded)
	return res
}

// loopHeads collects the loop head names of a graph, descending into the
// nested graphs of summary nodes.
func loopHeads(g *cfg.CFG) []string {
	var names []string
	for _, head := range g.LoopColoring().HeadsOfLoops() {
		names = append(names, head.Name())
	}
	for _, n := range g.Graph().Vertices() {
		if s, ok := n.(*cfg.SummaryNode); ok {
			names = append(names, loopHeads(s.SubCFG())...)
		}
	}
	return names
}
