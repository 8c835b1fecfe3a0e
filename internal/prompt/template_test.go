package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/theturtlecsz/code-sub000/internal/pipeline"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{
			name: "simple vars",
			tmpl: "Work item {{work_item}} at {{stage}}.",
			vars: Vars{"work_item": "W-12", "stage": "plan"},
			want: "Work item W-12 at plan.",
		},
		{
			name: "whitespace inside tags",
			tmpl: "{{ work_item }}",
			vars: Vars{"work_item": "W-1"},
			want: "W-1",
		},
		{
			name: "conditional present",
			tmpl: "A{{#if context}}[{{context}}]{{/if}}B",
			vars: Vars{"context": "ctx"},
			want: "A[ctx]B",
		},
		{
			name: "conditional absent",
			tmpl: "A{{#if context}}[{{context}}]{{/if}}B",
			vars: Vars{},
			want: "AB",
		},
		{
			name: "conditional empty string",
			tmpl: "{{#if context}}has{{/if}}",
			vars: Vars{"context": ""},
			want: "",
		},
		{
			name: "else branch",
			tmpl: "{{#if prior_outputs}}build on them{{else}}answer first{{/if}}",
			vars: Vars{},
			want: "answer first",
		},
		{
			name: "nested conditionals",
			tmpl: "{{#if a}}a{{#if b}}b{{/if}}{{/if}}.",
			vars: Vars{"a": "1"},
			want: "a.",
		},
		{
			name: "missing var inside skipped block is fine",
			tmpl: "{{#if a}}{{undefined}}{{/if}}ok",
			vars: Vars{},
			want: "ok",
		},
		{
			name: "no vars",
			tmpl: "plain text",
			vars: Vars{},
			want: "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		wantErr string
	}{
		{"missing vars", "{{a}} and {{b}}", "a, b"},
		{"unclosed if", "{{#if a}}x", "unclosed"},
		{"dangling close", "x{{/if}}", "dangling"},
		{"else outside block", "{{else}}", "outside"},
		{"double else", "{{#if a}}x{{else}}y{{else}}z{{/if}}", "outside"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.tmpl, Vars{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestBuiltinTemplatesRender(t *testing.T) {
	b := NewBuilder()
	for _, stage := range []string{"specify", "plan", "tasks", "implement", "validate", "audit", "unlock"} {
		t.Run(stage, func(t *testing.T) {
			out, err := b.Build(StageInput{
				WorkItem:         "W-7",
				Title:            "Add rate limiting",
				Stage:            stage,
				RequiredElements: []string{"work_breakdown", "acceptance_mapping"},
			}, nil)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if !strings.Contains(out, "# Stage: "+stage) {
				t.Errorf("missing stage header in %q", out)
			}
			if !strings.Contains(out, "work_breakdown, acceptance_mapping") {
				t.Error("missing required elements")
			}
			if strings.Contains(out, "Earlier Answers") {
				t.Error("prior outputs section rendered without prior outputs")
			}
		})
	}
}

func TestBuild_WithPriorOutputs(t *testing.T) {
	b := NewBuilder()
	out, err := b.Build(StageInput{WorkItem: "W-7", Title: "t", Stage: "plan"}, []Prior{
		{Agent: "gemini", Content: `{"work_breakdown": ["a"]}`},
		{Agent: "claude", Content: "second answer\n"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, want := range []string{"Earlier Answers", "### gemini", "### claude", `{"work_breakdown": ["a"]}`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Index(out, "### gemini") > strings.Index(out, "### claude") {
		t.Error("prior outputs out of dispatch order")
	}
}

func TestBuild_UnknownStage(t *testing.T) {
	_, err := NewBuilder().Build(StageInput{Stage: "deploy"}, nil)
	if err == nil {
		t.Fatal("expected error for stage without template")
	}
}

func TestLoadTemplate_ProjectOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "templates"), 0o755); err != nil {
		t.Fatal(err)
	}
	custom := "custom {{work_item}}"
	if err := os.WriteFile(filepath.Join(dir, "templates", "plan.md"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadTemplate("templates/plan.md", dir)
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if got != custom {
		t.Errorf("got %q, want project template", got)
	}

	// Missing project file falls back to the built-in by base name.
	got, err = LoadTemplate("templates/tasks.md", dir)
	if err != nil {
		t.Fatalf("LoadTemplate fallback: %v", err)
	}
	if got != tasksTemplate {
		t.Error("expected built-in tasks template")
	}
}

func TestLoadTemplate_Traversal(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadTemplate("../../etc/passwd", dir); err == nil || !strings.Contains(err.Error(), "escapes") {
		t.Errorf("expected traversal error, got %v", err)
	}
}

func TestEveryStageHasBuiltinTemplate(t *testing.T) {
	for _, st := range pipeline.Stages {
		if _, ok := builtinTemplates[TemplateFor(st)]; !ok {
			t.Errorf("no built-in template for stage %q", st)
		}
	}
	if len(builtinTemplates) != len(pipeline.Stages) {
		t.Errorf("got %d built-in templates, want %d", len(builtinTemplates), len(pipeline.Stages))
	}
}
