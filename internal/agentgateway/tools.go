package agentgateway

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/memyselfmike/telic-loop/internal/loopstate"
)

// RegisterDefaultTools wires the stable tool contract: report_vrc,
// report_course_correction, report_coherence, and the task-mutation
// tools, each schema-validated with the same granularity caps
// LoopState.AddTask enforces as its own backstop.
func RegisterDefaultTools(r *ToolRegistry, idSource func() string) error {
	if idSource == nil {
		idSource = newULID
	}

	registrations := []struct {
		name   string
		desc   string
		params map[string]any
		exec   ToolExec
	}{
		{"report_vrc", "Report a Vision Reality Check result.", vrcSchema(), makeExecReportVRC(r)},
		{"report_course_correction", "Report a course-correction verb and reason.", courseCorrectionSchema(), execReportCourseCorrection},
		{"report_coherence", "Report a structural coherence scan result.", coherenceSchema(), execReportCoherence},
		{"create_task", "Create a new task.", createTaskSchema(), makeExecCreateTask(idSource)},
		{"create_verification", "Register a verification script covering one or more tasks.", createVerificationSchema(), makeExecCreateVerification(idSource)},
		{"update_task", "Update an existing task's description or acceptance criteria.", updateTaskSchema(), execUpdateTask},
		{"complete_task", "Mark a task done.", taskIDSchema(), execCompleteTask},
		{"block_task", "Mark a task blocked with a reason.", blockTaskSchema(), execBlockTask},
		{"report_research", "Attach research findings for a topic, satisfying research:<topic> dependencies.", researchSchema(), execReportResearch},
	}
	for _, reg := range registrations {
		if err := r.Register(reg.name, reg.desc, reg.params, reg.exec); err != nil {
			return err
		}
	}
	return nil
}

func newULID() string {
	return ulid.Make().String()
}

func vrcSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value_score":            map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"deliverables_verified":  map[string]any{"type": "integer", "minimum": 0},
			"deliverables_total":     map[string]any{"type": "integer", "minimum": 0},
			"deliverables_blocked":   map[string]any{"type": "integer", "minimum": 0},
			"recommendation":         map[string]any{"type": "string", "enum": []any{"CONTINUE", "COURSE_CORRECT", "DESCOPE", "SHIP_READY"}},
			"summary":                map[string]any{"type": "string"},
			"gaps": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":             map[string]any{"type": "string"},
						"severity":       map[string]any{"type": "string", "enum": []any{"critical", "blocking", "degraded", "polish"}},
						"suggested_task": map[string]any{"type": "string"},
					},
					"required": []any{"id", "severity"},
				},
			},
		},
		"required": []any{"value_score", "deliverables_total", "recommendation"},
	}
}

// makeExecReportVRC closes over the registry so the snapshot it builds
// carries the engine's own Mode/Iteration rather than anything the model
// could self-report.
func makeExecReportVRC(r *ToolRegistry) ToolExec {
	return func(state *loopstate.LoopState, args map[string]any) (any, error) {
		snap := loopstate.VRCSnapshot{
			Iteration:            state.Iteration,
			Mode:                 r.currentVRCMode,
			Timestamp:            time.Now().UTC(),
			ValueScore:           numberArg(args, "value_score"),
			DeliverablesTotal:    intArg(args, "deliverables_total"),
			DeliverablesVerified: intArg(args, "deliverables_verified"),
			DeliverablesBlocked:  intArg(args, "deliverables_blocked"),
			Recommendation:       loopstate.VRCRecommendation(stringArg(args, "recommendation")),
			Summary:              stringArg(args, "summary"),
		}
		for _, raw := range sliceArg(args, "gaps") {
			g, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			snap.Gaps = append(snap.Gaps, loopstate.Gap{
				ID:            stringArg(g, "id"),
				Severity:      loopstate.GapSeverity(stringArg(g, "severity")),
				SuggestedTask: stringArg(g, "suggested_task"),
			})
		}
		state.AppendVRC(snap)
		return "vrc recorded", nil
	}
}

func courseCorrectionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":                 map[string]any{"type": "string", "enum": []any{"restructure", "descope", "new_tasks", "rollback", "regenerate_tests", "escalate"}},
			"reason":                 map[string]any{"type": "string", "minLength": 1},
			"rollback_to_checkpoint": map[string]any{"type": "string"},
			"tasks_to_restructure":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"action", "reason"},
	}
}

func execReportCourseCorrection(state *loopstate.LoopState, args map[string]any) (any, error) {
	result := loopstate.AgentResult{
		"action":                 stringArg(args, "action"),
		"reason":                 stringArg(args, "reason"),
		"rollback_to_checkpoint": stringArg(args, "rollback_to_checkpoint"),
		"tasks_to_restructure":   sliceArg(args, "tasks_to_restructure"),
	}
	state.Context.Values["course_correction"] = map[string]any(result)
	return "course correction recorded", nil
}

func coherenceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode":    map[string]any{"type": "string", "enum": []any{"quick", "full"}},
			"overall": map[string]any{"type": "string", "enum": []any{"HEALTHY", "WARNING", "CRITICAL"}},
			"dimensions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":     map[string]any{"type": "string"},
						"status":   map[string]any{"type": "string", "enum": []any{"HEALTHY", "WARNING", "CRITICAL"}},
						"findings": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required": []any{"name", "status"},
				},
			},
		},
		"required": []any{"mode", "overall"},
	}
}

func execReportCoherence(state *loopstate.LoopState, args map[string]any) (any, error) {
	report := loopstate.CoherenceReport{
		Mode:      stringArg(args, "mode"),
		Overall:   loopstate.HealthStatus(stringArg(args, "overall")),
		Timestamp: time.Now().UTC(),
	}
	for _, raw := range sliceArg(args, "dimensions") {
		d, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		dim := loopstate.CoherenceDimension{
			Name:   stringArg(d, "name"),
			Status: loopstate.HealthStatus(stringArg(d, "status")),
		}
		for _, f := range sliceArg(d, "findings") {
			if s, ok := f.(string); ok {
				dim.Findings = append(dim.Findings, s)
			}
		}
		report.Dimensions = append(report.Dimensions, dim)
	}
	state.AppendCoherence(report)
	return "coherence recorded", nil
}

func descriptionSchema() map[string]any {
	return map[string]any{"type": "string", "maxLength": loopstate.MaxDescriptionChars}
}

func filesExpectedSchema() map[string]any {
	return map[string]any{
		"type":     "array",
		"items":    map[string]any{"type": "string"},
		"maxItems": loopstate.MaxFilesExpected,
	}
}

func createTaskSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":             map[string]any{"type": "string", "minLength": 1},
			"description":    descriptionSchema(),
			"value":          map[string]any{"type": "string"},
			"acceptance":     map[string]any{"type": "string"},
			"dependencies":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"files_expected": filesExpectedSchema(),
			"source":         map[string]any{"type": "string", "enum": []any{"plan", "mid_loop", "critical_eval", "exit_gate", "regression", "refactor"}},
		},
		"required": []any{"description"},
	}
}

func makeExecCreateTask(idSource func() string) ToolExec {
	return func(state *loopstate.LoopState, args map[string]any) (any, error) {
		id := stringArg(args, "id")
		if id == "" {
			id = idSource()
		}
		t := &loopstate.Task{
			ID:          id,
			Source:      loopstate.TaskSource(stringArgOr(args, "source", string(loopstate.SourceMidLoop))),
			Description: stringArg(args, "description"),
			Value:       stringArg(args, "value"),
			Acceptance:  stringArg(args, "acceptance"),
		}
		for _, d := range sliceArg(args, "dependencies") {
			if s, ok := d.(string); ok {
				t.Dependencies = append(t.Dependencies, s)
			}
		}
		for _, f := range sliceArg(args, "files_expected") {
			if s, ok := f.(string); ok {
				t.FilesExpected = append(t.FilesExpected, s)
			}
		}
		if err := state.AddTask(t); err != nil {
			return nil, fmt.Errorf("create_task: %w", err)
		}
		return "task " + id + " created", nil
	}
}

func createVerificationSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":          map[string]any{"type": "string"},
			"script_path": map[string]any{"type": "string", "minLength": 1},
			"category":    map[string]any{"type": "string", "enum": []any{"unit", "integration", "value"}},
			"covers":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"script_path", "covers"},
	}
}

func makeExecCreateVerification(idSource func() string) ToolExec {
	return func(state *loopstate.LoopState, args map[string]any) (any, error) {
		id := stringArg(args, "id")
		if id == "" {
			id = idSource()
		}
		v := &loopstate.Verification{
			ID:         id,
			ScriptPath: stringArg(args, "script_path"),
			Category:   loopstate.VerificationCategory(stringArgOr(args, "category", string(loopstate.VerificationUnit))),
		}
		for _, c := range sliceArg(args, "covers") {
			if s, ok := c.(string); ok {
				v.Covers = append(v.Covers, s)
			}
		}
		if err := state.AddVerification(v); err != nil {
			return nil, fmt.Errorf("create_verification: %w", err)
		}
		return "verification " + id + " created", nil
	}
}

func taskIDSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"id": map[string]any{"type": "string", "minLength": 1}},
		"required":   []any{"id"},
	}
}

func execCompleteTask(state *loopstate.LoopState, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	if err := state.CompleteTask(id); err != nil {
		return nil, fmt.Errorf("complete_task: %w", err)
	}
	return "task " + id + " completed", nil
}

func updateTaskSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":             map[string]any{"type": "string", "minLength": 1},
			"description":    descriptionSchema(),
			"acceptance":     map[string]any{"type": "string"},
			"files_expected": filesExpectedSchema(),
		},
		"required": []any{"id"},
	}
}

func execUpdateTask(state *loopstate.LoopState, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	t, ok := state.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("update_task: unknown task %s", id)
	}
	if desc := stringArg(args, "description"); desc != "" {
		if len(desc) > loopstate.MaxDescriptionChars {
			return nil, fmt.Errorf("update_task: description exceeds %d chars", loopstate.MaxDescriptionChars)
		}
		t.Description = desc
	}
	if acc := stringArg(args, "acceptance"); acc != "" {
		t.Acceptance = acc
	}
	if files := sliceArg(args, "files_expected"); files != nil {
		if len(files) > loopstate.MaxFilesExpected {
			return nil, fmt.Errorf("update_task: files_expected exceeds %d entries", loopstate.MaxFilesExpected)
		}
		t.FilesExpected = nil
		for _, f := range files {
			if s, ok := f.(string); ok {
				t.FilesExpected = append(t.FilesExpected, s)
			}
		}
	}
	t.UpdatedAt = time.Now().UTC()
	return "task " + id + " updated", nil
}

func blockTaskSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":     map[string]any{"type": "string", "minLength": 1},
			"reason": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []any{"id", "reason"},
	}
}

func execBlockTask(state *loopstate.LoopState, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	reason := stringArg(args, "reason")
	if err := state.BlockTask(id, reason); err != nil {
		return nil, fmt.Errorf("block_task: %w", err)
	}
	return "task " + id + " blocked", nil
}

func researchSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"topic":    map[string]any{"type": "string", "minLength": 1},
			"findings": map[string]any{"type": "string", "minLength": 1},
		},
		"required": []any{"topic", "findings"},
	}
}

func execReportResearch(state *loopstate.LoopState, args map[string]any) (any, error) {
	topic := stringArg(args, "topic")
	if topic == "" {
		return nil, fmt.Errorf("report_research: topic required")
	}
	state.Context.Values["research:"+topic] = stringArg(args, "findings")
	return "research recorded for " + topic, nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func stringArgOr(args map[string]any, key, fallback string) string {
	if v := stringArg(args, key); v != "" {
		return v
	}
	return fallback
}

func numberArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func intArg(args map[string]any, key string) int {
	return int(numberArg(args, key))
}

func sliceArg(args map[string]any, key string) []any {
	if v, ok := args[key].([]any); ok {
		return v
	}
	return nil
}
