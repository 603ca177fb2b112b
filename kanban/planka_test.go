package kanban

import (
	"testing"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/marcushq/marcus/ci"
	"github.com/marcushq/marcus/marcus/structs"
	"github.com/shoenig/test/must"
)

func TestCardFooter_RoundTrip(t *testing.T) {
	ci.Parallel(t)

	spec := &structs.TaskSpec{
		Name:           "Implement login",
		Description:    "Build the login handler.",
		Phase:          structs.PhaseImplement,
		Priority:       structs.PriorityHigh,
		RequiredSkills: []string{"go", "sql"},
		DependsOn:      []string{"card-7"},
		EstimatedHours: 2.5,
	}

	encoded := encodeCardFooter(spec)
	must.StrContains(t, encoded, "Build the login handler.")

	desc, footer := decodeCardFooter(encoded)
	must.Eq(t, "Build the login handler.", desc)
	must.Eq(t, structs.PhaseImplement, footer.Phase)
	must.Eq(t, structs.PriorityHigh, footer.Priority)
	must.Eq(t, []string{"go", "sql"}, footer.Skills)
	must.Eq(t, []string{"card-7"}, footer.DependsOn)
	must.Eq(t, 2.5, footer.EstimatedHours)
}

func TestCardFooter_PlainDescription(t *testing.T) {
	ci.Parallel(t)

	desc, footer := decodeCardFooter("just a card someone typed")
	must.Eq(t, "just a card someone typed", desc)
	must.Eq(t, cardFooter{}, footer)
}

func TestNewPlankaProvider_ConfigErrors(t *testing.T) {
	ci.Parallel(t)

	logger := hclog.NewNullLogger()

	_, err := NewPlankaProvider(logger, map[string]string{"token": "x"})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "url")

	_, err = NewPlankaProvider(logger, map[string]string{"url": "https://planka.local"})
	must.Error(t, err)
	must.StrContains(t, err.Error(), "token")

	_, err = NewPlankaProvider(logger, map[string]string{"url": "https://planka.local", "token": "x"})
	must.NoError(t, err)
}
