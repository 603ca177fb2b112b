package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/marcushq/marcus/marcus/structs"
)

// ParseOptions tune PRD analysis.
type ParseOptions struct {
	// ProjectName names the project in the analysis prompt.
	ProjectName string

	// DefaultPriority is applied to features the parser does not rank.
	// Empty means medium.
	DefaultPriority string

	// MaxFeatures caps the number of features extracted. Zero means no
	// cap.
	MaxFeatures int
}

// PRDParser extracts feature-level work items from a free-form project
// description. The project builder expands these into phased tasks.
type PRDParser interface {
	Parse(ctx context.Context, description string, opts ParseOptions) ([]*structs.TaskSpec, error)
}

// LLMParser asks a language model to do the extraction, falling back to the
// deterministic parser when the model call or its output fails.
type LLMParser struct {
	logger   hclog.Logger
	client   Client
	fallback *FallbackParser
}

// NewLLMParser builds a parser over the given client.
func NewLLMParser(logger hclog.Logger, client Client) *LLMParser {
	return &LLMParser{
		logger:   logger.Named("prd_parser"),
		client:   client,
		fallback: NewFallbackParser(),
	}
}

const parsePromptFormat = `You are analyzing a product requirements description for the project %q.
Extract the distinct features it asks for. Respond with only a JSON array, no prose, where each element is:
{"name": short imperative feature name, "description": one sentence, "priority": one of "urgent"/"high"/"medium"/"low", "skills": array of lowercase skill tags, "estimated_hours": number}

Description:
%s`

// parsedFeature is the JSON shape the model is asked for.
type parsedFeature struct {
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Priority       string   `json:"priority"`
	Skills         []string `json:"skills"`
	EstimatedHours float64  `json:"estimated_hours"`
}

func (p *LLMParser) Parse(ctx context.Context, description string, opts ParseOptions) ([]*structs.TaskSpec, error) {
	prompt := fmt.Sprintf(parsePromptFormat, opts.ProjectName, description)

	raw, err := p.client.Complete(ctx, prompt)
	if err == nil {
		specs, perr := p.decode(raw, opts)
		if perr == nil {
			return specs, nil
		}
		err = perr
	}

	p.logger.Warn("model analysis failed, using fallback parser", "error", err)
	return p.fallback.Parse(ctx, description, opts)
}

// fenceRe strips a markdown code fence the model may wrap the JSON in.
var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func (p *LLMParser) decode(raw string, opts ParseOptions) ([]*structs.TaskSpec, error) {
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)

	var features []parsedFeature
	if err := json.Unmarshal([]byte(raw), &features); err != nil {
		return nil, fmt.Errorf("model output was not a feature array: %w", err)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("model output contained no features")
	}

	var specs []*structs.TaskSpec
	for _, f := range features {
		if strings.TrimSpace(f.Name) == "" {
			continue
		}
		priority := f.Priority
		if !validPriority(priority) {
			priority = defaultPriority(opts)
		}
		specs = append(specs, &structs.TaskSpec{
			Name:           strings.TrimSpace(f.Name),
			Description:    strings.TrimSpace(f.Description),
			Priority:       priority,
			RequiredSkills: f.Skills,
			EstimatedHours: f.EstimatedHours,
			Feature:        featureTag(f.Name),
		})
		if opts.MaxFeatures > 0 && len(specs) >= opts.MaxFeatures {
			break
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("model output contained no usable features")
	}
	return specs, nil
}

// FallbackParser splits the description into feature clauses without any
// model: bullet lines and sentences, then "and"-joined clauses. It is
// intentionally dumb; its job is a reasonable board, not a perfect one.
type FallbackParser struct{}

// NewFallbackParser returns the deterministic parser.
func NewFallbackParser() *FallbackParser {
	return &FallbackParser{}
}

var (
	sentenceSplitRe = regexp.MustCompile(`[.;\n]+`)
	bulletPrefixRe  = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
)

func (p *FallbackParser) Parse(_ context.Context, description string, opts ParseOptions) ([]*structs.TaskSpec, error) {
	var specs []*structs.TaskSpec
	for _, sentence := range sentenceSplitRe.Split(description, -1) {
		sentence = bulletPrefixRe.ReplaceAllString(sentence, "")
		for _, clause := range strings.Split(sentence, " and ") {
			clause = strings.TrimSpace(clause)
			if len(clause) < 3 {
				continue
			}
			specs = append(specs, &structs.TaskSpec{
				Name:        clauseName(clause),
				Description: clause,
				Priority:    clausePriority(clause, opts),
				Feature:     featureTag(clauseName(clause)),
			})
			if opts.MaxFeatures > 0 && len(specs) >= opts.MaxFeatures {
				return specs, nil
			}
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("description yielded no features")
	}
	return specs, nil
}

// clauseName truncates a clause into a short name.
func clauseName(clause string) string {
	words := strings.Fields(clause)
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}

// clausePriority bumps clauses that use requirement language.
func clausePriority(clause string, opts ParseOptions) string {
	lower := strings.ToLower(clause)
	switch {
	case strings.Contains(lower, "critical"), strings.Contains(lower, "urgent"):
		return structs.PriorityUrgent
	case strings.Contains(lower, "must"), strings.Contains(lower, "required"):
		return structs.PriorityHigh
	case strings.Contains(lower, "nice to have"), strings.Contains(lower, "optional"):
		return structs.PriorityLow
	}
	return defaultPriority(opts)
}

func defaultPriority(opts ParseOptions) string {
	if validPriority(opts.DefaultPriority) {
		return opts.DefaultPriority
	}
	return structs.PriorityMedium
}

func validPriority(p string) bool {
	switch p {
	case structs.PriorityUrgent, structs.PriorityHigh, structs.PriorityMedium, structs.PriorityLow:
		return true
	}
	return false
}

// featureTag normalizes a feature name into a label-safe tag.
var nonTagRe = regexp.MustCompile(`[^a-z0-9]+`)

func featureTag(name string) string {
	tag := nonTagRe.ReplaceAllString(strings.ToLower(name), "-")
	tag = strings.Trim(tag, "-")
	if len(tag) > 40 {
		tag = tag[:40]
	}
	return strings.Trim(tag, "-")
}
