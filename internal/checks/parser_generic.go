package checks

import "fmt"

// GenericParser judges a check by exit code and keeps the output of failures.
type GenericParser struct{}

// maxOutputLen caps how much output a failure keeps in its findings.
const maxOutputLen = 8000

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	if exitCode == 0 {
		return ParseResult{Passed: true, Summary: "passed (exit code 0)"}
	}

	combined := stdout
	if stderr != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr
	}
	// Error summaries are usually at the end.
	if len(combined) > maxOutputLen {
		combined = "...(truncated)\n" + combined[len(combined)-maxOutputLen:]
	}

	return ParseResult{
		Passed:   false,
		Summary:  fmt.Sprintf("exit code %d, stdout=%d bytes, stderr=%d bytes", exitCode, len(stdout), len(stderr)),
		Findings: combined,
	}
}
