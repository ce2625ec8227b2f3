package engine

import (
	"encoding/json"

	"github.com/RealZimboGuy/daemonflow/pkg/daemonflow/domain"
)

// ResultReducer folds a succeeded instance's action results into its result_body.
type ResultReducer interface {
	Reduce(graph *domain.InstanceGraph) ([]byte, error)
}

type ResultReducerFunc func(graph *domain.InstanceGraph) ([]byte, error)

func (f ResultReducerFunc) Reduce(graph *domain.InstanceGraph) ([]byte, error) { return f(graph) }

// finalResults returns the last result of every action in index order; nil where an action has none.
func finalResults(graph *domain.InstanceGraph) [][]byte {
	last := make(map[int64][]byte, len(graph.Actions))
	for _, r := range graph.Results {
		last[r.ActionID] = r.ResultBody
	}
	out := make([][]byte, 0, len(graph.Actions))
	for _, a := range graph.Actions {
		out = append(out, last[a.ID])
	}
	return out
}

// LastResultReducer uses the final result of the highest-indexed action.
type LastResultReducer struct{}

func (LastResultReducer) Reduce(graph *domain.InstanceGraph) ([]byte, error) {
	results := finalResults(graph)
	if len(results) == 0 {
		return nil, nil
	}
	return results[len(results)-1], nil
}

// JSONArrayReducer builds a JSON array with one element per action. Bodies that are
// valid JSON are embedded as-is, anything else becomes a JSON string.
type JSONArrayReducer struct{}

func (JSONArrayReducer) Reduce(graph *domain.InstanceGraph) ([]byte, error) {
	elems := make([]any, 0, len(graph.Actions))
	for _, body := range finalResults(graph) {
		switch {
		case body == nil:
			elems = append(elems, nil)
		case json.Valid(body):
			elems = append(elems, json.RawMessage(body))
		default:
			elems = append(elems, string(body))
		}
	}
	return json.Marshal(elems)
}
