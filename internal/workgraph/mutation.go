package workgraph

import (
	"encoding/json"
	"strings"
)

type MutationAction string

const (
	MutationCreate           MutationAction = "create"
	MutationUpdate           MutationAction = "update"
	MutationDelete           MutationAction = "delete"
	MutationUndelete         MutationAction = "undelete"
	MutationAddMembership    MutationAction = "add_membership"
	MutationRemoveMembership MutationAction = "remove_membership"
	MutationMoveMembership   MutationAction = "move_membership"
	MutationAddDependency    MutationAction = "add_dependency"
	MutationRemoveDependency MutationAction = "remove_dependency"
	MutationSetParent        MutationAction = "set_parent"
	MutationDuplicate        MutationAction = "duplicate"
)

// Mutation is the narrow entry point the CRUD/validation layer calls into.
// The caller owns authorization and field-level schema checks; the store
// owns graph integrity and event emission.
type Mutation struct {
	WorkspaceGID  string         `json:"workspaceGid"`
	ResourceType  string         `json:"resourceType"`
	Action        MutationAction `json:"action"`
	Payload       map[string]any `json:"payload"`
	UserGID       string         `json:"userGid,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// Payloads decode into a closed set of typed operations so the apply path
// can switch exhaustively instead of poking at loose maps.

type createOp struct {
	Name       string
	Fields     map[string]string
	ParentGID  string
	ProjectGID string
	SectionGID string
}

type updateOp struct {
	GID             string
	ExpectedVersion int64
	Name            string
	HasName         bool
	Fields          map[string]string
}

type lifecycleOp struct {
	GID             string
	ExpectedVersion int64
}

type membershipOp struct {
	TaskGID      string
	ProjectGID   string
	SectionGID   string
	InsertBefore string
	InsertAfter  string
}

type dependencyOp struct {
	BlockingGID string
	BlockedGID  string
}

type parentOp struct {
	TaskGID   string
	ParentGID string
}

type duplicateOp struct {
	GID     string
	Name    string
	Include []string
}

func parseCreateOp(payload map[string]any) (createOp, error) {
	op := createOp{
		Name:       strings.TrimSpace(toString(payload["name"])),
		Fields:     toStringMap(payload["fields"]),
		ParentGID:  strings.TrimSpace(toString(payload["parentGid"])),
		ProjectGID: strings.TrimSpace(toString(payload["projectGid"])),
		SectionGID: strings.TrimSpace(toString(payload["sectionGid"])),
	}
	return op, nil
}

func parseUpdateOp(payload map[string]any) (updateOp, error) {
	op := updateOp{
		GID:             strings.TrimSpace(toString(payload["gid"])),
		ExpectedVersion: toInt64(payload["expectedVersion"]),
		Fields:          toStringMap(payload["fields"]),
	}
	if raw, ok := payload["name"]; ok {
		op.Name = strings.TrimSpace(toString(raw))
		op.HasName = true
	}
	if op.GID == "" {
		return op, validationErr("gid", "is required")
	}
	return op, nil
}

func parseLifecycleOp(payload map[string]any) (lifecycleOp, error) {
	op := lifecycleOp{
		GID:             strings.TrimSpace(toString(payload["gid"])),
		ExpectedVersion: toInt64(payload["expectedVersion"]),
	}
	if op.GID == "" {
		return op, validationErr("gid", "is required")
	}
	return op, nil
}

func parseMembershipOp(payload map[string]any, needTask bool) (membershipOp, error) {
	op := membershipOp{
		TaskGID:      strings.TrimSpace(toString(payload["taskGid"])),
		ProjectGID:   strings.TrimSpace(toString(payload["projectGid"])),
		SectionGID:   strings.TrimSpace(toString(payload["sectionGid"])),
		InsertBefore: strings.TrimSpace(toString(payload["insertBefore"])),
		InsertAfter:  strings.TrimSpace(toString(payload["insertAfter"])),
	}
	if needTask && op.TaskGID == "" {
		return op, validationErr("taskGid", "is required")
	}
	if op.ProjectGID == "" {
		return op, validationErr("projectGid", "is required")
	}
	if op.InsertBefore != "" && op.InsertAfter != "" {
		return op, validationErr("insertBefore", "conflicts with insertAfter")
	}
	return op, nil
}

func parseDependencyOp(payload map[string]any) (dependencyOp, error) {
	op := dependencyOp{
		BlockingGID: strings.TrimSpace(toString(payload["blockingGid"])),
		BlockedGID:  strings.TrimSpace(toString(payload["blockedGid"])),
	}
	if op.BlockingGID == "" {
		return op, validationErr("blockingGid", "is required")
	}
	if op.BlockedGID == "" {
		return op, validationErr("blockedGid", "is required")
	}
	if op.BlockingGID == op.BlockedGID {
		return op, validationErr("blockedGid", "cannot depend on itself")
	}
	return op, nil
}

func parseParentOp(payload map[string]any) (parentOp, error) {
	op := parentOp{
		TaskGID:   strings.TrimSpace(toString(payload["taskGid"])),
		ParentGID: strings.TrimSpace(toString(payload["parentGid"])),
	}
	if op.TaskGID == "" {
		return op, validationErr("taskGid", "is required")
	}
	if op.TaskGID == op.ParentGID {
		return op, validationErr("parentGid", "cannot be its own parent")
	}
	return op, nil
}

func parseDuplicateOp(payload map[string]any) (duplicateOp, error) {
	op := duplicateOp{
		GID:     strings.TrimSpace(toString(payload["gid"])),
		Name:    strings.TrimSpace(toString(payload["name"])),
		Include: toStringSlice(payload["include"]),
	}
	if op.GID == "" {
		return op, validationErr("gid", "is required")
	}
	for _, part := range op.Include {
		switch part {
		case "fields", "memberships", "dependencies", "subtasks":
		default:
			return op, validationErr("include", "contains unknown manifest entry "+part)
		}
	}
	return op, nil
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func toInt64(value any) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func toStringMap(value any) map[string]string {
	raw, ok := value.(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for key, entry := range raw {
		out[key] = toString(entry)
	}
	return out
}

func toStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if s := strings.TrimSpace(toString(entry)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
