package marcus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/marcushq/marcus/ai"
	"github.com/marcushq/marcus/kanban"
	"github.com/marcushq/marcus/marcus/structs"
)

// buildConcurrency bounds parallel feature creation against the board.
const buildConcurrency = 4

// ProjectBuilder turns a free-form project description into a phased board:
// the PRD parser extracts features, each feature expands into phase tasks
// per the complexity/mode matrix, and the tasks are created on the board
// with explicit dependency chains.
type ProjectBuilder struct {
	logger hclog.Logger
	parser ai.PRDParser
}

// NewProjectBuilder constructs a builder over the given parser.
func NewProjectBuilder(logger hclog.Logger, parser ai.PRDParser) *ProjectBuilder {
	return &ProjectBuilder{
		logger: logger.Named("project_builder"),
		parser: parser,
	}
}

// phaseMatrix maps (complexity, mode) to the phases each feature expands
// into. More coordination and more ceremony both add phases.
var phaseMatrix = map[string]map[string][]string{
	structs.ComplexityAtomic: {
		structs.ModePrototype:  {structs.PhaseImplement},
		structs.ModeStandard:   {structs.PhaseImplement, structs.PhaseTest},
		structs.ModeEnterprise: {structs.PhaseImplement, structs.PhaseTest, structs.PhaseDocs},
	},
	structs.ComplexitySimple: {
		structs.ModePrototype:  {structs.PhaseImplement},
		structs.ModeStandard:   {structs.PhaseImplement, structs.PhaseTest},
		structs.ModeEnterprise: {structs.PhaseDesign, structs.PhaseImplement, structs.PhaseTest, structs.PhaseDocs},
	},
	structs.ComplexityCoordinated: {
		structs.ModePrototype:  {structs.PhaseImplement, structs.PhaseTest},
		structs.ModeStandard:   {structs.PhaseDesign, structs.PhaseImplement, structs.PhaseTest},
		structs.ModeEnterprise: {structs.PhaseDesign, structs.PhaseImplement, structs.PhaseTest, structs.PhaseDocs},
	},
	structs.ComplexityDistributed: {
		structs.ModePrototype:  {structs.PhaseDesign, structs.PhaseImplement, structs.PhaseTest},
		structs.ModeStandard:   {structs.PhaseDesign, structs.PhaseImplement, structs.PhaseTest, structs.PhaseDocs},
		structs.ModeEnterprise: {structs.PhaseDesign, structs.PhaseImplement, structs.PhaseTest, structs.PhaseDocs},
	},
}

// phaseHourShare splits a feature's estimate across its phases.
var phaseHourShare = map[string]float64{
	structs.PhaseDesign:    0.25,
	structs.PhaseImplement: 1.0,
	structs.PhaseTest:      0.5,
	structs.PhaseDocs:      0.25,
}

var phaseTitle = map[string]string{
	structs.PhaseDesign:    "Design",
	structs.PhaseImplement: "Implement",
	structs.PhaseTest:      "Test",
	structs.PhaseDocs:      "Document",
}

// constraintTokens are technology words lifted from the description into
// labels and skill tags, so scheduling can match agents to stacks.
var constraintTokens = []string{
	"postgres", "mysql", "sqlite", "redis", "kafka",
	"graphql", "grpc", "rest", "websocket", "oauth",
	"kubernetes", "docker", "terraform", "aws", "gcp",
	"react", "vue", "typescript", "python", "go",
	"stripe", "twilio", "webhook",
	"vanilla-js", "no-frameworks", "no-orm",
}

// BuildResult reports what a build created.
type BuildResult struct {
	Features  int
	TaskIDs   []string
	UsedModel bool
}

// Build analyzes the description and creates the expanded tasks on the
// board. Features are created concurrently; tasks within a feature are
// created in phase order so dependency IDs exist before they are
// referenced. Mode defaults to standard.
func (b *ProjectBuilder) Build(ctx context.Context, board kanban.Provider, projectID, description, mode string) (*BuildResult, error) {
	if _, ok := phaseMatrix[structs.ComplexitySimple][mode]; !ok {
		mode = structs.ModeStandard
	}

	features, err := b.parser.Parse(ctx, description, ai.ParseOptions{ProjectName: projectID})
	if err != nil {
		return nil, fmt.Errorf("description analysis failed: %w", err)
	}

	constraints := extractConstraints(description)

	var mu sync.Mutex
	result := &BuildResult{Features: len(features)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(buildConcurrency)
	for _, feature := range features {
		feature := feature
		g.Go(func() error {
			ids, err := b.buildFeature(gctx, board, projectID, feature, mode, constraints)
			if err != nil {
				return err
			}
			mu.Lock()
			result.TaskIDs = append(result.TaskIDs, ids...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	b.logger.Info("project built", "project_id", projectID,
		"features", len(features), "tasks", len(result.TaskIDs), "mode", mode)
	return result, nil
}

// buildFeature creates one feature's phase chain and returns the created
// task IDs in phase order.
func (b *ProjectBuilder) buildFeature(ctx context.Context, board kanban.Provider, projectID string, feature *structs.TaskSpec, mode string, constraints []string) ([]string, error) {
	complexity := feature.Complexity
	if _, ok := phaseMatrix[complexity]; !ok {
		complexity = inferComplexity(feature)
	}
	phases := phaseMatrix[complexity][mode]

	baseHours := feature.EstimatedHours
	if baseHours <= 0 {
		baseHours = 2
	}

	labels := []string{"feature:" + feature.Feature}
	for _, constraint := range constraints {
		labels = append(labels, "constraint:"+constraint)
	}

	var ids []string
	var prev string
	for _, phase := range phases {
		spec := &structs.TaskSpec{
			Name:           fmt.Sprintf("%s %s", phaseTitle[phase], feature.Name),
			Description:    feature.Description,
			Phase:          phase,
			Priority:       feature.Priority,
			RequiredSkills: append([]string(nil), feature.RequiredSkills...),
			EstimatedHours: baseHours * phaseHourShare[phase],
			Labels:         append([]string{"phase:" + phase}, labels...),
			Feature:        feature.Feature,
		}
		if prev != "" {
			spec.DependsOn = []string{prev}
		}
		id, err := board.CreateTask(ctx, projectID, spec)
		if err != nil {
			return nil, fmt.Errorf("task creation for feature %q failed: %w", feature.Name, err)
		}
		ids = append(ids, id)
		prev = id
	}
	return ids, nil
}

// inferComplexity guesses how much coordination a feature needs from its
// spec when the parser did not say.
func inferComplexity(feature *structs.TaskSpec) string {
	switch {
	case len(feature.RequiredSkills) >= 3:
		return structs.ComplexityDistributed
	case len(feature.RequiredSkills) == 2 || feature.EstimatedHours >= 8:
		return structs.ComplexityCoordinated
	case len(feature.Description) < 40 && feature.EstimatedHours <= 1:
		return structs.ComplexityAtomic
	default:
		return structs.ComplexitySimple
	}
}

var wordRe = regexp.MustCompile(`[a-z0-9]+(?:-[a-z0-9]+)*`)

// extractConstraints returns the known technology tokens present as whole
// words in the description, in token-list order. Hyphenated words match
// both whole ("vanilla-js") and by part ("redis" in "Redis-backed").
func extractConstraints(description string) []string {
	words := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(description), -1) {
		words[w] = true
		if strings.Contains(w, "-") {
			for _, part := range strings.Split(w, "-") {
				words[part] = true
			}
		}
	}
	var out []string
	for _, token := range constraintTokens {
		if words[token] {
			out = append(out, token)
		}
	}
	return out
}
