package prompt

import "github.com/theturtlecsz/code-sub000/internal/pipeline"

// stageTemplates holds the built-in template of each stage.
var stageTemplates = map[pipeline.Stage]string{
	pipeline.StageSpecify:   specifyTemplate,
	pipeline.StagePlan:      planTemplate,
	pipeline.StageTasks:     tasksTemplate,
	pipeline.StageImplement: implementTemplate,
	pipeline.StageValidate:  validateTemplate,
	pipeline.StageAudit:     auditTemplate,
	pipeline.StageUnlock:    unlockTemplate,
}

// builtinTemplates maps template filename to content. A project can override
// a stage template with a file of the same name.
var builtinTemplates = func() map[string]string {
	m := make(map[string]string, len(stageTemplates))
	for st, tmpl := range stageTemplates {
		m[TemplateFor(st)] = tmpl
	}
	return m
}()

// TemplateFor returns the built-in template name for a stage.
func TemplateFor(stage pipeline.Stage) string {
	return string(stage) + ".md"
}

const responseFormat = `## Response Format
Respond with a single JSON object.
{{#if required_elements}}
It must contain these keys: {{required_elements}}
{{/if}}
You may add "magnitude" (critical, important, minor) and "resolvability"
(auto_fix, suggest_fix, need_human) when you can judge the impact of your answer.
`

const contextBlock = `## Work Item {{work_item}}
{{title}}
{{#if context}}

## Context
{{context}}
{{/if}}
{{#if prior_outputs}}

## Earlier Answers In This Run
Other agents already answered this stage. Build on them and call out anything
you disagree with.

{{prior_outputs}}
{{/if}}
`

const specifyTemplate = `# Stage: specify

` + contextBlock + `
## Goal
Write a specification for the work item: the problem, the users affected, the
functional requirements and what is explicitly out of scope.

` + responseFormat

const planTemplate = `# Stage: plan

` + contextBlock + `
## Goal
Break the work into a plan. List the pieces of work in "work_breakdown" and
map every acceptance criterion to the piece that satisfies it in
"acceptance_mapping". Flag risks you see.

` + responseFormat

const tasksTemplate = `# Stage: tasks

` + contextBlock + `
## Goal
Turn the plan into ordered, independently verifiable tasks under "tasks".
Each task names the files it touches and how it is tested.

` + responseFormat

const implementTemplate = `# Stage: implement

` + contextBlock + `
## Goal
Describe the implementation under "implementation": the changes per file and
any migration or configuration they require. Do not leave placeholders.

` + responseFormat

const validateTemplate = `# Stage: validate

` + contextBlock + `
## Goal
Describe how the implementation is validated under "test_strategy": which
tests exist, which must be added and what each one proves.

` + responseFormat

const auditTemplate = `# Stage: audit

` + contextBlock + `
## Goal
Audit the work for security and operational risk. Put your
overall judgement in "audit_verdict" (approve or reject) and list findings.

` + responseFormat

const unlockTemplate = `# Stage: unlock

` + contextBlock + `
## Goal
Decide whether the work item may ship. Put "approve" or "reject" in
"unlock_decision" and explain what remains open, if anything.

` + responseFormat
