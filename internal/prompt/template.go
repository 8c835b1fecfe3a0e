package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

var tagRe = regexp.MustCompile(`\{\{\s*(#if\s+[a-zA-Z_][a-zA-Z0-9_]*|else|/if|[a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

type node struct {
	text     string // literal text, when kind == textNode
	name     string // variable or condition name
	kind     int
	then     []node
	otherwise []node
}

const (
	textNode = iota
	varNode
	ifNode
)

// Render expands a template string with the given variables.
// {{name}} is replaced with its value; a variable with no entry in vars is an
// error. {{#if name}}...{{else}}...{{/if}} keeps the first branch when name is
// set and non-empty. Blocks nest.
func Render(tmpl string, vars Vars) (string, error) {
	nodes, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	var missing []string
	execute(&b, nodes, vars, &missing)
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return b.String(), nil
}

func parse(tmpl string) ([]node, error) {
	type frame struct {
		n      *node
		inElse bool
	}
	root := &node{kind: ifNode}
	stack := []frame{{n: root}}

	appendNode := func(n node) {
		top := &stack[len(stack)-1]
		if top.inElse {
			top.n.otherwise = append(top.n.otherwise, n)
		} else {
			top.n.then = append(top.n.then, n)
		}
	}

	pos := 0
	for _, loc := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		if loc[0] > pos {
			appendNode(node{kind: textNode, text: tmpl[pos:loc[0]]})
		}
		pos = loc[1]
		tag := tmpl[loc[2]:loc[3]]

		switch {
		case strings.HasPrefix(tag, "#if"):
			stack = append(stack, frame{n: &node{kind: ifNode, name: strings.TrimSpace(tag[3:])}})
		case tag == "else":
			if len(stack) == 1 || stack[len(stack)-1].inElse {
				return nil, fmt.Errorf("{{else}} outside of an {{#if}} block")
			}
			stack[len(stack)-1].inElse = true
		case tag == "/if":
			if len(stack) == 1 {
				return nil, fmt.Errorf("dangling {{/if}} without matching {{#if}}")
			}
			done := stack[len(stack)-1].n
			stack = stack[:len(stack)-1]
			appendNode(*done)
		default:
			appendNode(node{kind: varNode, name: tag})
		}
	}
	if pos < len(tmpl) {
		appendNode(node{kind: textNode, text: tmpl[pos:]})
	}
	if len(stack) > 1 {
		return nil, fmt.Errorf("unclosed conditional block: {{#if %s}}", stack[len(stack)-1].n.name)
	}
	return root.then, nil
}

func execute(b *strings.Builder, nodes []node, vars Vars, missing *[]string) {
	for _, n := range nodes {
		switch n.kind {
		case textNode:
			b.WriteString(n.text)
		case varNode:
			val, ok := vars[n.name]
			if !ok {
				*missing = append(*missing, n.name)
				continue
			}
			b.WriteString(val)
		case ifNode:
			if vars[n.name] != "" {
				execute(b, n.then, vars, missing)
			} else {
				execute(b, n.otherwise, vars, missing)
			}
		}
	}
}

// LoadTemplate returns the template at templatePath. A file under workdir
// overrides the built-in template of the same name.
func LoadTemplate(templatePath string, workdir string) (string, error) {
	if workdir != "" {
		projectPath := filepath.Join(workdir, templatePath)
		absProject, err := filepath.Abs(projectPath)
		if err == nil {
			absWorkdir, err2 := filepath.Abs(workdir)
			if err2 == nil && !strings.HasPrefix(absProject, absWorkdir+string(filepath.Separator)) {
				return "", fmt.Errorf("template path %q escapes workdir", templatePath)
			}
		}
		if data, err := os.ReadFile(projectPath); err == nil {
			return string(data), nil
		}
	}

	if tmpl, ok := builtinTemplates[filepath.Base(templatePath)]; ok {
		return tmpl, nil
	}
	return "", fmt.Errorf("template %q not found", templatePath)
}
