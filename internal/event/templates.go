package event

// Template holds a canned title/description pattern used to fill in
// human-readable defaults for typed helper calls such as
// send_task_completion, backing the read-only event-templates resource.
type Template struct {
	Type        Type
	Title       string
	Description string
}

var templates = map[Type]Template{
	TypeTaskCompleted: {
		Type:        TypeTaskCompleted,
		Title:       "Task completed",
		Description: "The orchestrator finished the requested task.",
	},
	TypeTaskFailed: {
		Type:        TypeTaskFailed,
		Title:       "Task failed",
		Description: "The orchestrator could not complete the requested task.",
	},
	TypeBuildCompleted: {
		Type:        TypeBuildCompleted,
		Title:       "Build finished",
		Description: "The build pipeline completed.",
	},
	TypeBuildFailed: {
		Type:        TypeBuildFailed,
		Title:       "Build failed",
		Description: "The build pipeline reported a failure.",
	},
	TypeTestSuiteSummary: {
		Type:        TypeTestSuiteSummary,
		Title:       "Test run summary",
		Description: "Test suite execution finished.",
	},
	TypeApprovalRequest: {
		Type:        TypeApprovalRequest,
		Title:       "Approval requested",
		Description: "The orchestrator is waiting for a human decision.",
	},
	TypePerformanceAlert: {
		Type:        TypePerformanceAlert,
		Title:       "Performance alert",
		Description: "A monitored metric crossed its configured threshold.",
	},
	TypeInfoMessage: {
		Type:        TypeInfoMessage,
		Title:       "Notice",
		Description: "",
	},
}

// Templates returns the built-in catalog backing the event-templates
// resource. The returned map is a copy; callers may not mutate the
// package-level catalog.
func Templates() map[Type]Template {
	out := make(map[Type]Template, len(templates))
	for k, v := range templates {
		out[k] = v
	}
	return out
}

// TemplateFor returns the built-in template for t, and whether one exists.
func TemplateFor(t Type) (Template, bool) {
	tpl, ok := templates[t]
	return tpl, ok
}
