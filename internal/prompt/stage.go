package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

// StageInput describes the stage a prompt is built for.
type StageInput struct {
	WorkItem         string
	Title            string
	Stage            string
	Context          string
	RequiredElements []string
	// Template overrides the stage template. It is a path relative to Workdir
	// or the name of a built-in template.
	Template string
	Workdir  string
}

// Prior is an earlier successful answer in the same run.
type Prior struct {
	Agent   string
	Content string
}

// Builder renders stage prompts. Templates are loaded once per name.
type Builder struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewBuilder creates a Builder.
func NewBuilder() *Builder {
	return &Builder{cache: make(map[string]string)}
}

// Build renders the prompt for in. Sequential dispatch passes the answers
// produced so far; parallel dispatch passes none.
func (b *Builder) Build(in StageInput, prior []Prior) (string, error) {
	name := in.Template
	if name == "" {
		name = TemplateFor(pipeline.Stage(in.Stage))
	}
	tmpl, err := b.template(name, in.Workdir)
	if err != nil {
		return "", fmt.Errorf("load template for stage %s: %w", in.Stage, err)
	}

	out, err := Render(tmpl, Vars{
		"work_item":         in.WorkItem,
		"title":             in.Title,
		"stage":             in.Stage,
		"context":           in.Context,
		"required_elements": strings.Join(in.RequiredElements, ", "),
		"prior_outputs":     FormatPrior(prior),
	})
	if err != nil {
		return "", fmt.Errorf("render stage %s: %w", in.Stage, err)
	}
	return out, nil
}

func (b *Builder) template(name, workdir string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := workdir + "\x00" + name
	if tmpl, ok := b.cache[key]; ok {
		return tmpl, nil
	}
	tmpl, err := LoadTemplate(name, workdir)
	if err != nil {
		return "", err
	}
	b.cache[key] = tmpl
	return tmpl, nil
}

// FormatPrior lays out earlier answers, one fenced section per agent.
func FormatPrior(prior []Prior) string {
	if len(prior) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, p := range prior {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "### %s\n```\n%s\n```\n", p.Agent, strings.TrimSpace(p.Content))
	}
	return sb.String()
}
