package app

import "github.com/lamb-project/completion-gateway/internal/tools"

// toolResolver implements assistant.ToolResolver over the fixed set of
// tools this build ships (spec.md's reference tools, C4): weather is
// always available; the Moodle tools are only available when a Moodle
// site is configured.
type toolResolver struct {
	byName map[string]tools.Tool
}

func newToolResolver(moodle *tools.MoodleClient) *toolResolver {
	byName := map[string]tools.Tool{}
	weather := tools.NewWeatherTool()
	byName[weather.Spec.Name] = weather

	if moodle != nil {
		courses := tools.NewCoursesTool(moodle)
		assignments := tools.NewAssignmentsStatusTool(moodle)
		byName[courses.Spec.Name] = courses
		byName[assignments.Spec.Name] = assignments
	}

	return &toolResolver{byName: byName}
}

// Resolve implements assistant.ToolResolver: unknown names are silently
// dropped rather than failing the turn, mirroring ParseMetadata's
// tolerant handling of malformed/absent metadata.
func (r *toolResolver) Resolve(names []string) *tools.Registry {
	var selected []tools.Tool
	for _, n := range names {
		if t, ok := r.byName[n]; ok {
			selected = append(selected, t)
		}
	}
	return tools.NewRegistry(selected...)
}
