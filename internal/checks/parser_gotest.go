package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GoTestParser parses `go test -json` event streams.
type GoTestParser struct{}

type goTestEvent struct {
	Action  string  `json:"Action"`
	Package string  `json:"Package"`
	Test    string  `json:"Test"`
	Output  string  `json:"Output"`
	Elapsed float64 `json:"Elapsed"`
}

type goTestFailure struct {
	Package string `json:"package"`
	Test    string `json:"test"`
	Output  string `json:"output,omitempty"`
}

type goTestResult struct {
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Skipped  int             `json:"skipped"`
	Failures []goTestFailure `json:"failures,omitempty"`
}

// maxTestOutput caps the output kept per failed test.
const maxTestOutput = 2000

func (p *GoTestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var res goTestResult
	output := make(map[string]*strings.Builder)
	parsed := 0

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		parsed++
		if ev.Test == "" {
			continue
		}
		key := ev.Package + "." + ev.Test
		switch ev.Action {
		case "output":
			b, ok := output[key]
			if !ok {
				b = &strings.Builder{}
				output[key] = b
			}
			if b.Len() < maxTestOutput {
				b.WriteString(ev.Output)
			}
		case "pass":
			res.Passed++
		case "skip":
			res.Skipped++
		case "fail":
			res.Failed++
			f := goTestFailure{Package: ev.Package, Test: ev.Test}
			if b, ok := output[key]; ok {
				f.Output = b.String()
			}
			res.Failures = append(res.Failures, f)
		}
	}

	if parsed == 0 {
		return ParseResult{
			Passed:   exitCode == 0,
			Summary:  fmt.Sprintf("exit code %d (could not parse test JSON)", exitCode),
			Findings: strings.TrimSpace(stderr),
		}
	}

	return ParseResult{
		Passed:   exitCode == 0 && res.Failed == 0,
		Summary:  fmt.Sprintf("%d passed, %d failed, %d skipped", res.Passed, res.Failed, res.Skipped),
		Findings: res,
	}
}
