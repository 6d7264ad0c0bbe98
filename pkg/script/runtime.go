package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/bradleyayers/rails/pkg/ivm"
	"github.com/bradleyayers/rails/pkg/util"
	"github.com/bradleyayers/rails/pkg/zset"
)

// errRollback aborts a rollback transaction.
var errRollback = errors.New("rollback requested by script")

// Result is the committed content of a view.
type Result struct {
	View      string          `json:"view"`
	Version   ivm.Version     `json:"version"`
	Documents []zset.Document `json:"documents"`
}

// Runtime is a script bound to a transaction coordinator: a document source per declared
// source and an operator chain with a view per declared view.
type Runtime struct {
	script  *Script
	m       *ivm.Materialite
	sources map[string]*ivm.StatelessSource[zset.Document]
	order   []string
	views   []*ivm.View[zset.Document]
	log     logr.Logger
}

// NewRuntime builds the propagation graph of a script.
func NewRuntime(m *ivm.Materialite, s *Script, log logr.Logger) (*Runtime, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		script:  s,
		m:       m,
		sources: map[string]*ivm.StatelessSource[zset.Document]{},
		log:     log.WithName("script"),
	}

	for _, name := range s.Sources {
		r.sources[name] = ivm.NewStatelessSource[zset.Document](m, name)
		r.order = append(r.order, name)
	}

	for _, v := range s.Views {
		stream := r.sources[v.Source].Stream()

		if v.Filter != nil {
			f := v.Filter
			stream = ivm.Filter(stream, fmt.Sprintf("%s:filter(%s)", v.Name, f.Field), f.Match)
		}

		if len(v.Project) > 0 {
			fields := v.Project
			stream = ivm.Map(stream, fmt.Sprintf("%s:project%v", v.Name, fields),
				func(doc zset.Document) zset.Document { return project(fields, doc) })
		}

		r.views = append(r.views, ivm.NewView(stream, v.Name, zset.JSONKey[zset.Document]))
	}

	r.log.V(2).Info("runtime ready", "sources", r.order,
		"views", util.Map(func(v View) string { return v.Name }, s.Views))

	return r, nil
}

// Source returns a source by name, or nil.
func (r *Runtime) Source(name string) *ivm.StatelessSource[zset.Document] {
	return r.sources[name]
}

// Roots returns the sources as graph roots, in declaration order.
func (r *Runtime) Roots() []ivm.GraphNode {
	ret := make([]ivm.GraphNode, len(r.order))
	for i, name := range r.order {
		ret[i] = r.sources[name]
	}
	return ret
}

// Run applies the transactions of the script in order. Rollback transactions are applied and
// then rolled back. Run stops at the first failing commit or when the context is canceled.
func (r *Runtime) Run(ctx context.Context) error {
	for i, tx := range r.script.Transactions {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.m.Tx(func() error {
			for _, op := range tx.Ops {
				src := r.sources[op.Source]
				if op.Add != nil {
					src.Add(op.Add)
				} else {
					src.Delete(op.Delete)
				}
			}
			if tx.Rollback {
				return errRollback
			}
			return nil
		})

		switch {
		case errors.Is(err, errRollback):
			r.log.V(1).Info("transaction rolled back", "index", i, "ops", len(tx.Ops))
		case err != nil:
			return fmt.Errorf("transaction %d failed: %w", i, err)
		default:
			r.log.V(1).Info("transaction committed", "index", i, "version", r.m.Version(),
				"ops", util.Stringify(tx.Ops))
		}
	}

	return nil
}

// Results returns the committed content of every view, in declaration order.
func (r *Runtime) Results() []Result {
	ret := make([]Result, len(r.views))
	for i, v := range r.views {
		z, version := v.Snapshot()
		docs := z.Values()
		if docs == nil {
			docs = []zset.Document{}
		}
		ret[i] = Result{View: v.Name(), Version: version, Documents: docs}
	}
	return ret
}
