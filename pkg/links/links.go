// Package links is the stable home for operator link types. Import this
// package directly; earlier in-process locations for these types are retired.
package links

import "strings"

const (
	dagPlaceholderConstant  = "{dag_id}"
	runPlaceholderConstant  = "{run_id}"
	taskPlaceholderConstant = "{task_id}"
)

// OperatorLink is a named external link attached to an operator, rendered per
// task attempt from a URL template.
type OperatorLink struct {
	Name        string
	URLTemplate string
}

// RenderURL expands the template's {dag_id}, {run_id}, and {task_id}
// placeholders for one task attempt.
func (link OperatorLink) RenderURL(dagID string, runID string, taskID string) string {
	replacer := strings.NewReplacer(
		dagPlaceholderConstant, dagID,
		runPlaceholderConstant, runID,
		taskPlaceholderConstant, taskID,
	)
	return replacer.Replace(link.URLTemplate)
}
