package marcus

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/marcushq/marcus/ai"
	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/helper/testlog"
	"github.com/marcushq/marcus/kanban"
	"github.com/marcushq/marcus/marcus/structs"
)

// specParser returns a fixed feature list, letting builder tests pin the
// phase expansion without depending on parser heuristics.
type specParser struct {
	specs []*structs.TaskSpec
}

func (p *specParser) Parse(context.Context, string, ai.ParseOptions) ([]*structs.TaskSpec, error) {
	return p.specs, nil
}

func buildTasks(t *testing.T, parser ai.PRDParser, description, mode string) map[string]*structs.Task {
	builder := NewProjectBuilder(testlog.HCLogger(t), parser)
	board := kanban.NewMemoryProvider()

	result, err := builder.Build(context.Background(), board, "p1", description, mode)
	must.NoError(t, err)
	must.SliceNotEmpty(t, result.TaskIDs)

	listed, err := board.ListTasks(context.Background(), "p1")
	must.NoError(t, err)
	must.Len(t, len(result.TaskIDs), listed)

	byID := make(map[string]*structs.Task, len(listed))
	for _, task := range listed {
		byID[task.ID] = task
	}
	return byID
}

func TestProjectBuilder_PhaseExpansion(t *testing.T) {
	ci.Parallel(t)

	parser := &specParser{specs: []*structs.TaskSpec{{
		Name:           "user auth",
		Description:    "Users can register and log in.",
		Priority:       structs.PriorityHigh,
		Complexity:     structs.ComplexityCoordinated,
		EstimatedHours: 4,
		Feature:        "user-auth",
	}}}

	tasks := buildTasks(t, parser, "auth project", structs.ModeStandard)
	must.MapLen(t, 3, tasks)

	var design, implement, test *structs.Task
	for _, task := range tasks {
		switch task.Phase {
		case structs.PhaseDesign:
			design = task
		case structs.PhaseImplement:
			implement = task
		case structs.PhaseTest:
			test = task
		}
	}
	must.NotNil(t, design)
	must.NotNil(t, implement)
	must.NotNil(t, test)

	// Phases chain: implement depends on design, test on implement.
	must.SliceEmpty(t, design.Dependencies)
	must.Eq(t, []string{design.ID}, implement.Dependencies)
	must.Eq(t, []string{implement.ID}, test.Dependencies)

	// The estimate is split across phases.
	must.Eq(t, 1.0, design.EstimatedHours)
	must.Eq(t, 4.0, implement.EstimatedHours)
	must.Eq(t, 2.0, test.EstimatedHours)

	must.StrContains(t, design.Name, "Design user auth")
	must.True(t, design.HasLabel("feature:user-auth"))
	must.True(t, design.HasLabel("phase:design"))
	must.Eq(t, structs.PriorityHigh, implement.Priority)
}

func TestProjectBuilder_ModeControlsCeremony(t *testing.T) {
	ci.Parallel(t)

	spec := func() *structs.TaskSpec {
		return &structs.TaskSpec{
			Name:           "reporting",
			Description:    "Export monthly reports.",
			Priority:       structs.PriorityMedium,
			Complexity:     structs.ComplexitySimple,
			EstimatedHours: 2,
			Feature:        "reporting",
		}
	}

	prototype := buildTasks(t, &specParser{specs: []*structs.TaskSpec{spec()}},
		"reports", structs.ModePrototype)
	must.MapLen(t, 1, prototype)

	enterprise := buildTasks(t, &specParser{specs: []*structs.TaskSpec{spec()}},
		"reports", structs.ModeEnterprise)
	must.MapLen(t, 4, enterprise)

	// Unknown modes fall back to standard.
	fallback := buildTasks(t, &specParser{specs: []*structs.TaskSpec{spec()}},
		"reports", "yolo")
	must.MapLen(t, 2, fallback)
}

func TestProjectBuilder_ConstraintLabels(t *testing.T) {
	ci.Parallel(t)

	parser := &specParser{specs: []*structs.TaskSpec{{
		Name:       "billing",
		Priority:   structs.PriorityMedium,
		Complexity: structs.ComplexityAtomic,
		Feature:    "billing",
	}}}

	tasks := buildTasks(t, parser,
		"Billing uses stripe and stores invoices in postgres.", structs.ModeStandard)
	for _, task := range tasks {
		must.True(t, task.HasLabel("constraint:stripe"))
		must.True(t, task.HasLabel("constraint:postgres"))
	}
}

func TestProjectBuilder_ManyFeaturesConcurrently(t *testing.T) {
	ci.Parallel(t)

	var specs []*structs.TaskSpec
	for i := 0; i < 12; i++ {
		specs = append(specs, &structs.TaskSpec{
			Name:       fmt.Sprintf("feature %d", i),
			Priority:   structs.PriorityMedium,
			Complexity: structs.ComplexityAtomic,
			Feature:    fmt.Sprintf("feature-%d", i),
		})
	}

	tasks := buildTasks(t, &specParser{specs: specs}, "big project", structs.ModeStandard)
	// atomic x standard expands to implement+test per feature.
	must.MapLen(t, 24, tasks)

	// Dependencies never cross features.
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			depTask, ok := tasks[dep]
			must.True(t, ok)
			must.Eq(t, featureLabel(depTask), featureLabel(task))
		}
	}
}

func featureLabel(task *structs.Task) string {
	for _, l := range task.Labels {
		if strings.HasPrefix(l, "feature:") {
			return l
		}
	}
	return ""
}

func TestInferComplexity(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, structs.ComplexityDistributed, inferComplexity(&structs.TaskSpec{
		RequiredSkills: []string{"go", "react", "terraform"},
	}))
	must.Eq(t, structs.ComplexityCoordinated, inferComplexity(&structs.TaskSpec{
		EstimatedHours: 10,
	}))
	must.Eq(t, structs.ComplexityAtomic, inferComplexity(&structs.TaskSpec{
		Description: "tiny tweak", EstimatedHours: 0.5,
	}))
	must.Eq(t, structs.ComplexitySimple, inferComplexity(&structs.TaskSpec{
		Description: strings.Repeat("a reasonably sized feature ", 4),
		EstimatedHours: 3,
	}))
}

func TestExtractConstraints(t *testing.T) {
	ci.Parallel(t)

	got := extractConstraints("Deploy on kubernetes, cache in redis, talk to Stripe.")
	must.Eq(t, []string{"redis", "kubernetes", "stripe"}, got)

	// Hyphenated constraints survive tokenization whole.
	got = extractConstraints("Vanilla-JS frontend, no-frameworks, no-ORM data layer.")
	must.Eq(t, []string{"vanilla-js", "no-frameworks", "no-orm"}, got)

	// And hyphenated compounds still surface their parts.
	got = extractConstraints("A Redis-backed queue.")
	must.Eq(t, []string{"redis"}, got)

	// Whole words only: "golang" does not match "go".
	must.SliceEmpty(t, extractConstraints("A golang service with algorithms."))
}
