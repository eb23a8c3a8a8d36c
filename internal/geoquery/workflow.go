package geoquery

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Op is one of the DAG operators supported by the reserved "workflow"
// message type.
type Op string

// The supported workflow operators.
const (
	OpSubset    Op = "subset"
	OpResample  Op = "resample"
	OpAverage   Op = "average"
	OpToRegular Op = "to_regular"
)

var validOps = map[Op]bool{
	OpSubset: true, OpResample: true, OpAverage: true, OpToRegular: true,
}

// Task is one node of a workflow DAG: an operator with zero or more
// dependencies on other task ids and a bag of operator-specific arguments.
type Task struct {
	ID   string                 `json:"id"`
	Op   Op                     `json:"op"`
	Use  []string               `json:"use,omitempty"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// TaskList is the full DAG submitted in a workflow message or POST …/workflow
// request body.
type TaskList struct {
	Tasks []Task `json:"tasks"`
}

// ParseTaskList parses and validates a workflow message body: unique task
// ids, known operators, dependencies that reference declared tasks (in any
// order), and no cycles.
func ParseTaskList(data []byte) (*TaskList, error) {
	var tl TaskList
	if err := json.Unmarshal(data, &tl); err != nil {
		return nil, fmt.Errorf("workflow: invalid json: %w", err)
	}
	if err := tl.Validate(); err != nil {
		return nil, err
	}
	return &tl, nil
}

// Validate checks id uniqueness, operator validity, dependency references,
// and acyclicity (Kahn's algorithm).
func (tl *TaskList) Validate() error {
	seen := make(map[string]bool, len(tl.Tasks))
	for _, t := range tl.Tasks {
		if seen[t.ID] {
			return fmt.Errorf("workflow: duplicated task id: %q", t.ID)
		}
		seen[t.ID] = true
		if !validOps[t.Op] {
			return fmt.Errorf("workflow: task operator %q is not defined", t.Op)
		}
	}
	for _, t := range tl.Tasks {
		for _, dep := range t.Use {
			if !seen[dep] {
				return fmt.Errorf("workflow: task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	return tl.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the dependency graph. A DAG of a
// handful of fixed operator kinds doesn't warrant pulling in a graph
// library; plain indegree bookkeeping is enough.
func (tl *TaskList) checkAcyclic() error {
	indegree := make(map[string]int, len(tl.Tasks))
	dependents := make(map[string][]string, len(tl.Tasks))
	for _, t := range tl.Tasks {
		if _, ok := indegree[t.ID]; !ok {
			indegree[t.ID] = 0
		}
		for _, dep := range t.Use {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(indegree) {
		return fmt.Errorf("workflow: task graph contains a cycle")
	}
	return nil
}

// DatasetID returns the dataset id referenced by the workflow's "subset"
// task, used for authorization and quota checks before execution.
func (tl *TaskList) DatasetID() string {
	return tl.subsetArg("dataset_id")
}

// ProductID returns the product id referenced by the workflow's "subset" task.
func (tl *TaskList) ProductID() string {
	return tl.subsetArg("product_id")
}

func (tl *TaskList) subsetArg(key string) string {
	for _, t := range tl.Tasks {
		if t.Op == OpSubset {
			if v, ok := t.Args[key].(string); ok {
				return v
			}
		}
	}
	return "<unknown>"
}
