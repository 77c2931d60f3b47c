// Package taskparse extracts discrete sub-tasks from a coordinator
// agent's free-text plan. Parsing is pure: identical input always
// yields identical output.
package taskparse

import (
	"regexp"
	"strings"
)

// Task is one sub-task extracted from a plan.
type Task struct {
	Index        int      `json:"index"`
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Component    string   `json:"component,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// idShape matches task labels like WF-07 or TASK-123.
const idShape = `[A-Za-z]{2,10}-\d{1,4}`

// headingPatterns are tried in order; the first one that yields at
// least one match wins. Patterns are never merged, which avoids
// double-counting when a plan mixes marker styles.
var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\*\*Task\s+(` + idShape + `)\s*:?\*\*\s*:?\s*(.*)$`),
	regexp.MustCompile(`(?m)^#{2,4}\s*Task\s+(` + idShape + `)\s*:\s*(.*)$`),
	regexp.MustCompile(`(?m)^\d+[.)]\s*Task\s+(` + idShape + `)\s*:\s*(.*)$`),
}

// Field labels inside a task body. The coordinator prompt is not
// language-pinned, so the Portuguese labels seen in real plans are
// accepted alongside the English ones.
var (
	idRe        = regexp.MustCompile(idShape)
	componentRe = regexp.MustCompile(`(?mi)^\*{0,2}componente?\s*:?\*{0,2}\s*:?\s*(.+)$`)
	priorityRe  = regexp.MustCompile(`(?mi)^\*{0,2}(?:priority|prioridade)\s*:?\*{0,2}\s*:?\s*(.+)$`)
	dependsRe   = regexp.MustCompile(`(?mi)^\*{0,2}(?:dependencies|depend[êe]ncias|depends\s+on)\s*:?\*{0,2}\s*:?\s*(.+)$`)
)

// Parse extracts tasks from plan text. It returns an empty slice when
// no recognizable task markers exist.
func Parse(text string) []Task {
	for _, pat := range headingPatterns {
		matches := pat.FindAllStringSubmatchIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		return extract(text, matches)
	}
	return nil
}

func extract(text string, matches [][]int) []Task {
	tasks := make([]Task, 0, len(matches))
	for i, m := range matches {
		id := text[m[2]:m[3]]
		title := strings.TrimSpace(text[m[4]:m[5]])

		// Body runs from the end of this heading to the start of the
		// next one, or the end of the document.
		bodyEnd := len(text)
		if i+1 < len(matches) {
			bodyEnd = matches[i+1][0]
		}
		body := strings.TrimSpace(text[m[1]:bodyEnd])

		t := Task{
			Index: i,
			ID:    id,
			Title: title,
			Body:  body,
		}
		if sm := componentRe.FindStringSubmatch(body); sm != nil {
			t.Component = strings.TrimSpace(sm[1])
		}
		if sm := priorityRe.FindStringSubmatch(body); sm != nil {
			t.Priority = strings.TrimSpace(sm[1])
		}
		if sm := dependsRe.FindStringSubmatch(body); sm != nil {
			t.Dependencies = idRe.FindAllString(sm[1], -1)
		}
		tasks = append(tasks, t)
	}
	return tasks
}
