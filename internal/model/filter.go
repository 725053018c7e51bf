package model

import "slices"

// Filter narrows what a single connection receives.
// The zero value allows everything.
type Filter struct {
	EventTypes  []string `json:"eventTypes,omitempty"`  // Allow-list of event names
	WorkspaceID string   `json:"workspaceId,omitempty"` // Only events sourced from or targeting this workspace
	ProjectID   string   `json:"projectId,omitempty"`   // Only events sourced from or targeting this project
	UserID      string   `json:"userId,omitempty"`      // Only events produced by this user
	MinPriority Priority `json:"minPriority,omitempty"`
}

// Allows reports whether evt passes the filter. A nil filter allows everything.
func (f *Filter) Allows(evt BroadcastEvent) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, evt.Event) {
		return false
	}
	if f.WorkspaceID != "" && evt.Source.WorkspaceID != f.WorkspaceID &&
		!(evt.Target.Type == TargetWorkspace && evt.Target.ID == f.WorkspaceID) {
		return false
	}
	if f.ProjectID != "" && evt.Source.ProjectID != f.ProjectID &&
		!(evt.Target.Type == TargetProject && evt.Target.ID == f.ProjectID) {
		return false
	}
	if f.UserID != "" && evt.Source.UserID != f.UserID {
		return false
	}
	if f.MinPriority != "" && evt.Priority.Rank() < f.MinPriority.Rank() {
		return false
	}
	return true
}
