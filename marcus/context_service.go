package marcus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/marcushq/marcus/kanban"
	"github.com/marcushq/marcus/marcus/state"
	"github.com/marcushq/marcus/marcus/store"
	"github.com/marcushq/marcus/marcus/structs"
)

const (
	// preambleMaxBytes caps the assembled context so a degenerate board
	// cannot blow out an agent's context window.
	preambleMaxBytes = 16 * 1024

	// preambleDepth is how many dependency hops contribute artifacts and
	// decisions.
	preambleDepth = 2

	// preambleMaxCodeRefs bounds the code reference section.
	preambleMaxCodeRefs = 3

	preambleCacheSize = 256
)

// ContextService assembles the work preamble an agent receives with an
// assignment: what was decided and produced upstream of the task, so the
// agent does not rediscover it.
type ContextService struct {
	logger hclog.Logger
	store  store.StateDB
	state  *state.StateStore

	// cache memoizes preambles keyed by task and log length, so repeated
	// requests against an unchanged project are free.
	cache *lru.Cache[string, string]
}

// NewContextService constructs the service.
func NewContextService(logger hclog.Logger, db store.StateDB, taskState *state.StateStore) *ContextService {
	cache, _ := lru.New[string, string](preambleCacheSize)
	return &ContextService{
		logger: logger.Named("context"),
		store:  db,
		state:  taskState,
		cache:  cache,
	}
}

// artifactRelevance orders artifact types per consuming phase: an
// implementer wants the API contract first, a tester the specification.
var artifactRelevance = map[string][]string{
	structs.PhaseDesign:    {structs.ArtifactTypeArchitecture, structs.ArtifactTypeDesign, structs.ArtifactTypeSpecification, structs.ArtifactTypeAPI, structs.ArtifactTypeReference},
	structs.PhaseImplement: {structs.ArtifactTypeAPI, structs.ArtifactTypeDesign, structs.ArtifactTypeArchitecture, structs.ArtifactTypeSpecification, structs.ArtifactTypeReference},
	structs.PhaseTest:      {structs.ArtifactTypeAPI, structs.ArtifactTypeSpecification, structs.ArtifactTypeDesign, structs.ArtifactTypeArchitecture, structs.ArtifactTypeReference},
	structs.PhaseDocs:      {structs.ArtifactTypeAPI, structs.ArtifactTypeReference, structs.ArtifactTypeSpecification, structs.ArtifactTypeDesign, structs.ArtifactTypeArchitecture},
}

func typeRank(phase, artifactType string) int {
	order, ok := artifactRelevance[phase]
	if !ok {
		order = artifactRelevance[structs.PhaseImplement]
	}
	for i, t := range order {
		if t == artifactType {
			return i
		}
	}
	// Unranked types (e.g. "other") sort last but are not excluded.
	return len(order)
}

// BuildPreamble assembles the context preamble for an assignment. The board
// is only consulted for code references and may be nil.
func (c *ContextService) BuildPreamble(ctx context.Context, board kanban.Provider, projectID, taskID string) (string, error) {
	defer metrics.MeasureSince([]string{"marcus", "context", "build"}, time.Now())

	task, err := c.state.TaskByID(projectID, taskID)
	if err != nil {
		return "", err
	}

	decisions, err := c.store.Decisions(projectID)
	if err != nil {
		return "", err
	}
	generation, err := c.store.Generation(projectID)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s/%s/%d/%d", projectID, taskID, generation, len(decisions))
	if cached, ok := c.cache.Get(key); ok {
		metrics.IncrCounter([]string{"marcus", "context", "cache_hit"}, 1)
		return cached, nil
	}

	deps := c.dependencyClosure(projectID, taskID, preambleDepth)

	var sb strings.Builder
	c.writeTaskSection(&sb, task)
	c.writeDecisionSection(&sb, task, deps, decisions)
	c.writeArtifactSection(&sb, projectID, task, deps)
	c.writeParentSection(&sb, task)
	c.writeCodeRefSection(ctx, &sb, board, projectID, deps)

	preamble := truncatePreamble(sb.String(), preambleMaxBytes)
	c.cache.Add(key, preamble)
	return preamble, nil
}

// Invalidate drops cached preambles. Cheap to call on any write; keys are
// generation-scoped so staleness is already bounded, this just frees memory
// on project switches.
func (c *ContextService) Invalidate() {
	c.cache.Purge()
}

// dependencyClosure returns the task IDs within depth hops upstream,
// nearest first.
func (c *ContextService) dependencyClosure(projectID, taskID string, depth int) []string {
	graph := c.state.Graph(projectID)
	if graph == nil {
		return nil
	}

	seen := map[string]bool{taskID: true}
	var closure []string
	frontier := []string{taskID}
	for hop := 0; hop < depth; hop++ {
		var next []string
		for _, id := range frontier {
			for _, dep := range graph.Dependencies(id) {
				if !seen[dep] {
					seen[dep] = true
					closure = append(closure, dep)
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}
	return closure
}

func (c *ContextService) writeTaskSection(sb *strings.Builder, task *structs.Task) {
	fmt.Fprintf(sb, "## Task: %s\n", task.Name)
	fmt.Fprintf(sb, "Phase: %s | Priority: %s", task.Phase, task.Priority)
	if len(task.RequiredSkills) > 0 {
		fmt.Fprintf(sb, " | Skills: %s", strings.Join(task.RequiredSkills, ", "))
	}
	sb.WriteString("\n")
	if task.Description != "" {
		fmt.Fprintf(sb, "\n%s\n", task.Description)
	}
}

// writeDecisionSection lists decisions recorded on upstream tasks, plus any
// decision anywhere in the project that names this task in AffectsTasks.
// Newest first.
func (c *ContextService) writeDecisionSection(sb *strings.Builder, task *structs.Task, deps []string, decisions []*structs.Decision) {
	depSet := make(map[string]bool, len(deps))
	for _, id := range deps {
		depSet[id] = true
	}

	var relevant []*structs.Decision
	for _, decision := range decisions {
		if depSet[decision.TaskID] || decision.TaskID == task.ID {
			relevant = append(relevant, decision)
			continue
		}
		for _, affected := range decision.AffectsTasks {
			if affected == task.ID {
				relevant = append(relevant, decision)
				break
			}
		}
	}
	if len(relevant) == 0 {
		return
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		return relevant[i].Timestamp.After(relevant[j].Timestamp)
	})

	sb.WriteString("\n## Decisions that affect this task\n")
	for _, d := range relevant {
		fmt.Fprintf(sb, "- [%s] %s: %s", d.Timestamp.Format("2006-01-02"), d.AgentID, d.What)
		if d.Why != "" {
			fmt.Fprintf(sb, " — because %s", d.Why)
		}
		if d.Impact != "" {
			fmt.Fprintf(sb, " (impact: %s)", d.Impact)
		}
		sb.WriteString("\n")
	}
}

// writeArtifactSection lists artifacts produced by upstream tasks, ordered
// by relevance to this task's phase, then newest first.
func (c *ContextService) writeArtifactSection(sb *strings.Builder, projectID string, task *structs.Task, deps []string) {
	var artifacts []*structs.Artifact
	for _, dep := range deps {
		got, err := c.store.ArtifactsByTask(projectID, dep)
		if err != nil {
			c.logger.Error("artifact lookup failed", "task_id", dep, "error", err)
			continue
		}
		artifacts = append(artifacts, got...)
	}
	if len(artifacts) == 0 {
		return
	}
	sort.SliceStable(artifacts, func(i, j int) bool {
		ri, rj := typeRank(task.Phase, artifacts[i].Type), typeRank(task.Phase, artifacts[j].Type)
		if ri != rj {
			return ri < rj
		}
		return artifacts[i].Timestamp.After(artifacts[j].Timestamp)
	})

	sb.WriteString("\n## Artifacts from dependencies\n")
	for _, a := range artifacts {
		fmt.Fprintf(sb, "- %s (%s)", a.RelativePath, a.Type)
		if a.Description != "" {
			fmt.Fprintf(sb, ": %s", a.Description)
		}
		sb.WriteString("\n")
	}
}

// writeParentSection surfaces the parent's description when the task is a
// decomposed subtask; the parent carries the feature-wide conventions.
func (c *ContextService) writeParentSection(sb *strings.Builder, task *structs.Task) {
	if task.ParentID == "" {
		return
	}
	parent, err := c.state.TaskByID(task.ProjectID, task.ParentID)
	if err != nil || parent.Description == "" {
		return
	}
	fmt.Fprintf(sb, "\n## Parent: %s\n%s\n", parent.Name, parent.Description)
}

// writeCodeRefSection lists up to three merged code references from
// upstream tasks, when the provider can supply them.
func (c *ContextService) writeCodeRefSection(ctx context.Context, sb *strings.Builder, board kanban.Provider, projectID string, deps []string) {
	referencer, ok := board.(kanban.CodeReferencer)
	if !ok {
		return
	}

	var refs []string
	for _, dep := range deps {
		got, err := referencer.CodeReferences(ctx, projectID, dep)
		if err != nil {
			continue
		}
		refs = append(refs, got...)
		if len(refs) >= preambleMaxCodeRefs {
			refs = refs[:preambleMaxCodeRefs]
			break
		}
	}
	if len(refs) == 0 {
		return
	}
	sb.WriteString("\n## Related code\n")
	for _, ref := range refs {
		fmt.Fprintf(sb, "- %s\n", ref)
	}
}

// truncatePreamble cuts at a rune boundary under the byte cap.
func truncatePreamble(s string, max int) string {
	if len(s) <= max {
		return s
	}
	const marker = "\n…(truncated)"
	cut := max - len(marker)
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
