package state

import (
	"sort"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/marcushq/marcus/marcus/structs"
)

// Graph holds the derived dependency topology for one project. Tasks
// themselves live in memdb; the graph carries only adjacency, depth and the
// ready set, and is rebuilt whenever the board shape drifts.
type Graph struct {
	// deps maps task ID to its dependency IDs after inference and cycle
	// breaking. This may differ from Task.Dependencies when edges were
	// inferred or dropped.
	deps map[string][]string

	// dependents is the reverse adjacency: task ID to the IDs that depend
	// on it.
	dependents map[string][]string

	// depth is the longest dependency chain below each task. Roots are 0.
	depth map[string]int

	// ready holds unassigned TODO tasks whose dependencies are all done.
	ready map[string]bool

	done map[string]bool
}

// phaseVerbs are leading words that mark a task name as phase work on some
// shared stem ("Design auth", "Implement auth", "Test auth").
var phaseVerbs = map[string]string{
	"design":    structs.PhaseDesign,
	"plan":      structs.PhaseDesign,
	"implement": structs.PhaseImplement,
	"build":     structs.PhaseImplement,
	"create":    structs.PhaseImplement,
	"add":       structs.PhaseImplement,
	"test":      structs.PhaseTest,
	"verify":    structs.PhaseTest,
	"document":  structs.PhaseDocs,
}

// nameStem strips a leading phase verb and lowercases the rest, so tasks
// that are phases of the same feature share a stem.
func nameStem(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) == 0 {
		return ""
	}
	if _, ok := phaseVerbs[fields[0]]; ok {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// BuildGraph derives the dependency graph for a project's tasks. Explicit
// dependencies are kept as-is; tasks without any get edges inferred from
// phase ordering within their feature cluster and from shared name stems.
// Cycles are broken by dropping the edge out of the lower-priority task.
func BuildGraph(logger hclog.Logger, tasks []*structs.Task) *Graph {
	g := &Graph{
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
		depth:      make(map[string]int, len(tasks)),
		ready:      make(map[string]bool),
		done:       make(map[string]bool),
	}

	byID := make(map[string]*structs.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	for _, task := range tasks {
		deps := task.Dependencies
		if len(deps) == 0 {
			deps = inferDependencies(task, tasks)
		}
		// Edges to unknown tasks are dropped rather than deadlocking the
		// dependent forever.
		kept := deps[:0:0]
		for _, dep := range deps {
			if dep == task.ID {
				continue
			}
			if _, ok := byID[dep]; ok {
				kept = append(kept, dep)
			} else {
				logger.Warn("dropping dependency on unknown task",
					"task_id", task.ID, "dependency", dep)
			}
		}
		g.deps[task.ID] = kept
	}

	g.breakCycles(logger, byID)

	for id, deps := range g.deps {
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for _, ids := range g.dependents {
		sort.Strings(ids)
	}

	for _, task := range tasks {
		g.computeDepth(task.ID, make(map[string]bool))
		if task.Status == structs.TaskStatusDone {
			g.done[task.ID] = true
		}
	}
	for _, task := range tasks {
		g.refreshReady(task)
	}
	return g
}

// inferDependencies proposes edges for a task that declares none: every
// sibling sharing its name stem or feature cluster whose phase strictly
// precedes the task's phase.
func inferDependencies(task *structs.Task, tasks []*structs.Task) []string {
	stem := nameStem(task.Name)
	cluster := task.FeatureCluster()
	rank := structs.PhaseRank(task.Phase)

	var deps []string
	for _, other := range tasks {
		if other.ID == task.ID || structs.PhaseRank(other.Phase) >= rank {
			continue
		}
		sameStem := stem != "" && nameStem(other.Name) == stem
		sameCluster := cluster != "" && other.FeatureCluster() == cluster
		if sameStem || sameCluster {
			deps = append(deps, other.ID)
		}
	}
	sort.Strings(deps)
	return deps
}

// breakCycles runs a DFS over the dependency edges and removes one edge per
// cycle found: the edge leaving the lower-priority endpoint, so higher
// priority work keeps its ordering constraints.
func (g *Graph) breakCycles(logger hclog.Logger, byID map[string]*structs.Task) {
	const (
		white = 0 // unvisited
		grey  = 1 // on stack
		black = 2 // finished
	)
	color := make(map[string]int, len(g.deps))

	var visit func(id string, stack []string)
	visit = func(id string, stack []string) {
		color[id] = grey
		stack = append(stack, id)
		// Iterate a copy: dropping an edge mutates g.deps mid-walk.
		for _, dep := range append([]string(nil), g.deps[id]...) {
			switch color[dep] {
			case white:
				visit(dep, stack)
			case grey:
				from, to := g.cycleEdgeToDrop(byID, stack, dep)
				logger.Warn("dependency cycle detected, dropping edge",
					"from", from, "to", to)
				g.removeEdge(from, to)
			}
		}
		color[id] = black
	}

	ids := make([]string, 0, len(g.deps))
	for id := range g.deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			visit(id, nil)
		}
	}
}

// cycleEdgeToDrop picks which edge of the cycle closed by stack -> entry to
// remove: the outgoing edge of the lowest-priority task on the cycle,
// falling back to the closing back edge on a tie.
func (g *Graph) cycleEdgeToDrop(byID map[string]*structs.Task, stack []string, entry string) (from, to string) {
	// Slice the stack down to the cycle members.
	start := 0
	for i, id := range stack {
		if id == entry {
			start = i
			break
		}
	}
	cycle := stack[start:]

	from, to = cycle[len(cycle)-1], entry
	lowest := structs.PriorityRank(byID[from].Priority)
	for i, id := range cycle {
		if rank := structs.PriorityRank(byID[id].Priority); rank < lowest {
			lowest = rank
			from = id
			to = cycle[(i+1)%len(cycle)]
		}
	}
	return from, to
}

func (g *Graph) removeEdge(from, to string) {
	deps := g.deps[from]
	for i, dep := range deps {
		if dep == to {
			g.deps[from] = append(deps[:i], deps[i+1:]...)
			return
		}
	}
}

// computeDepth memoizes the longest dependency chain below a task. The
// visiting set guards against any cycle the breaker missed.
func (g *Graph) computeDepth(id string, visiting map[string]bool) int {
	if d, ok := g.depth[id]; ok {
		return d
	}
	if visiting[id] {
		return 0
	}
	visiting[id] = true
	defer delete(visiting, id)

	max := 0
	for _, dep := range g.deps[id] {
		if d := g.computeDepth(dep, visiting) + 1; d > max {
			max = d
		}
	}
	g.depth[id] = max
	return max
}

// depsDone reports whether all of a task's dependencies are complete.
func (g *Graph) depsDone(id string) bool {
	for _, dep := range g.deps[id] {
		if !g.done[dep] {
			return false
		}
	}
	return true
}

// refreshReady recomputes a single task's ready-set membership.
func (g *Graph) refreshReady(task *structs.Task) {
	eligible := task.Status == structs.TaskStatusTodo &&
		task.Assignee == "" &&
		g.depsDone(task.ID)
	if eligible {
		g.ready[task.ID] = true
	} else {
		delete(g.ready, task.ID)
	}
}

// Update folds one task's new state into the graph: the done set, its own
// ready membership and, when it completed, its dependents'. Topology changes
// require a rebuild; Update only tracks status movement.
func (g *Graph) Update(task *structs.Task, byID map[string]*structs.Task) {
	wasDone := g.done[task.ID]
	nowDone := task.Status == structs.TaskStatusDone
	if nowDone {
		g.done[task.ID] = true
	} else {
		delete(g.done, task.ID)
	}
	g.refreshReady(task)

	if wasDone != nowDone {
		for _, dependent := range g.dependents[task.ID] {
			if t, ok := byID[dependent]; ok {
				g.refreshReady(t)
			}
		}
	}
}

// Ready returns the ready task IDs in sorted order.
func (g *Graph) Ready() []string {
	ids := make([]string, 0, len(g.ready))
	for id := range g.ready {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Dependencies returns the effective dependency IDs of a task, after
// inference and cycle breaking.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Depth returns the longest dependency chain below the task.
func (g *Graph) Depth(id string) int {
	return g.depth[id]
}

// UnlockedBy returns the dependents that would join the ready set if the
// given task completed now.
func (g *Graph) UnlockedBy(id string) []string {
	var unlocked []string
	for _, dependent := range g.dependents[id] {
		blocked := false
		for _, dep := range g.deps[dependent] {
			if dep != id && !g.done[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			unlocked = append(unlocked, dependent)
		}
	}
	return unlocked
}

// taskShape is the board shape that matters for graph topology. Status and
// assignee changes flow through Update; anything else here changing forces
// a rebuild.
type taskShape struct {
	ID           string
	Name         string
	Phase        string
	Dependencies []string
	ParentID     string
	Labels       []string
}

// ShapeHash fingerprints the board's topology-relevant shape for drift
// detection.
func ShapeHash(tasks []*structs.Task) (uint64, error) {
	shapes := make([]taskShape, len(tasks))
	for i, task := range tasks {
		shapes[i] = taskShape{
			ID:           task.ID,
			Name:         task.Name,
			Phase:        task.Phase,
			Dependencies: task.Dependencies,
			ParentID:     task.ParentID,
			Labels:       task.Labels,
		}
	}
	sort.Slice(shapes, func(i, j int) bool { return shapes[i].ID < shapes[j].ID })
	return hashstructure.Hash(shapes, hashstructure.FormatV2, nil)
}
