package memory

import (
	"bytes"
	_ "embed"
	"text/template"

	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/judge.md
var judgePromptRaw string

var judgePromptTmpl = template.Must(template.New("judge").Parse(judgePromptRaw))

// BuildJudgmentPrompt renders the instruction sent to the judgment provider
// for a new statement and its nearest live entries.
func BuildJudgmentPrompt(text string, candidates []*Entry) (string, error) {
	var buf bytes.Buffer
	if err := judgePromptTmpl.Execute(&buf, map[string]any{
		"Text":       text,
		"Candidates": candidates,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to execute judge prompt template")
	}
	return buf.String(), nil
}
