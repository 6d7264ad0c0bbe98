// Package script runs declarative transaction scripts against document sources. A script
// declares the sources, the views maintained on them, and a list of transactions:
//
//	sources: [users]
//	views:
//	  - name: adults
//	    source: users
//	    filter: {field: age, min: 18}
//	    project: [name]
//	transactions:
//	  - ops:
//	      - {source: users, add: {name: alice, age: 30}}
//	  - rollback: true
//	    ops:
//	      - {source: users, delete: {name: alice, age: 30}}
package script

import (
	"errors"
	"fmt"
	"io"

	"sigs.k8s.io/yaml"

	"github.com/bradleyayers/rails/pkg/zset"
)

// Script is a parsed transaction script.
type Script struct {
	Sources      []string      `json:"sources"`
	Views        []View        `json:"views,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

// View declares a materialized view over a source: an optional filter, then an optional
// projection.
type View struct {
	Name    string   `json:"name"`
	Source  string   `json:"source"`
	Filter  *Filter  `json:"filter,omitempty"`
	Project []string `json:"project,omitempty"`
}

// Filter selects documents by a single field. Equals matches the field value exactly; Min and
// Max bound numeric fields (inclusive).
type Filter struct {
	Field  string   `json:"field"`
	Equals any      `json:"equals,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Transaction is a list of operations applied atomically. A rollback transaction is applied
// and then aborted.
type Transaction struct {
	Rollback bool `json:"rollback,omitempty"`
	Ops      []Op `json:"ops"`
}

// Op inserts or removes a document. Exactly one of Add and Delete must be set.
type Op struct {
	Source string        `json:"source"`
	Add    zset.Document `json:"add,omitempty"`
	Delete zset.Document `json:"delete,omitempty"`
}

// Load parses and validates a script.
func Load(r io.Reader) (*Script, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	return Parse(b)
}

// Parse parses and validates a script from YAML or JSON.
func Parse(b []byte) (*Script, error) {
	s := &Script{}
	if err := yaml.UnmarshalStrict(b, s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks that every view and operation refers to a declared source.
func (s *Script) Validate() error {
	if len(s.Sources) == 0 {
		return errors.New("invalid script: no sources")
	}

	sources := map[string]bool{}
	for _, name := range s.Sources {
		if name == "" {
			return errors.New("invalid script: empty source name")
		}
		if sources[name] {
			return fmt.Errorf("invalid script: duplicate source %q", name)
		}
		sources[name] = true
	}

	views := map[string]bool{}
	for i, v := range s.Views {
		if v.Name == "" {
			return fmt.Errorf("invalid script: view %d has no name", i)
		}
		if views[v.Name] {
			return fmt.Errorf("invalid script: duplicate view %q", v.Name)
		}
		views[v.Name] = true
		if !sources[v.Source] {
			return fmt.Errorf("invalid script: view %q refers to unknown source %q", v.Name, v.Source)
		}
		if v.Filter != nil && v.Filter.Field == "" {
			return fmt.Errorf("invalid script: view %q: filter has no field", v.Name)
		}
	}

	for i, tx := range s.Transactions {
		for j, op := range tx.Ops {
			if !sources[op.Source] {
				return fmt.Errorf("invalid script: transaction %d, op %d: unknown source %q", i, j, op.Source)
			}
			if (op.Add == nil) == (op.Delete == nil) {
				return fmt.Errorf("invalid script: transaction %d, op %d: exactly one of add or delete must be set", i, j)
			}
		}
	}

	return nil
}

// Match checks whether a document passes the filter.
func (f *Filter) Match(doc zset.Document) bool {
	v, ok := doc[f.Field]
	if !ok {
		return false
	}

	if f.Equals != nil {
		a, err := zset.JSONKey(v)
		if err != nil {
			return false
		}
		b, err := zset.JSONKey(f.Equals)
		if err != nil || a != b {
			return false
		}
	}

	if f.Min != nil || f.Max != nil {
		n, ok := asFloat(v)
		if !ok {
			return false
		}
		if f.Min != nil && n < *f.Min {
			return false
		}
		if f.Max != nil && n > *f.Max {
			return false
		}
	}

	return true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// project keeps the given fields of a document.
func project(fields []string, doc zset.Document) zset.Document {
	ret := make(zset.Document, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			ret[f] = v
		}
	}
	return ret
}
