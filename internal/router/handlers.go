package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/collabhub/internal/connection"
	"github.com/rickgao/collabhub/internal/model"
	"github.com/rickgao/collabhub/internal/presence"
)

// Authorization actions checked by the default handlers.
const (
	ActionProjectJoin = "project.join"
	ActionTaskEdit    = "task.edit"
)

// Inbound payloads

type channelRequest struct {
	Channel string        `json:"channel"`
	Filter  *model.Filter `json:"filter,omitempty"`
}

type projectRequest struct {
	ProjectID string `json:"projectId"`
}

type presenceRequest struct {
	Status       model.PresenceStatus `json:"status"`
	Location     *model.Location      `json:"location,omitempty"`
	Device       string               `json:"device,omitempty"`
	CustomStatus *model.CustomStatus  `json:"customStatus,omitempty"`
}

type typingRequest struct {
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType"`
}

type taskEditRequest struct {
	TaskID    string         `json:"taskId"`
	ProjectID string         `json:"projectId"`
	Operation map[string]any `json:"operation"`
}

type replayRequest struct {
	Since int64 `json:"since"` // Unix milliseconds
}

type notificationReadRequest struct {
	NotificationID string `json:"notificationId"`
}

type presenceQuery struct {
	ScopeType model.LocationType `json:"scopeType"`
	ScopeID   string             `json:"scopeId"`
}

type activityFeedRequest struct {
	WorkspaceID  string             `json:"workspaceId,omitempty"`
	Limit        int                `json:"limit,omitempty"`
	Offset       int                `json:"offset,omitempty"`
	UserID       string             `json:"userId,omitempty"`
	Type         model.ActivityType `json:"type,omitempty"`
	ResourceType string             `json:"resourceType,omitempty"`
	Since        int64              `json:"since,omitempty"`
}

// Outbound payloads

// TaskEditOperation is broadcast to project members for every edit.
type TaskEditOperation struct {
	TaskID    string         `json:"taskId"`
	ProjectID string         `json:"projectId"`
	UserID    string         `json:"userId"`
	Operation map[string]any `json:"operation"`
}

// ReplayedEvent is a stored event as sent in events.replayed.
type ReplayedEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type,omitempty"`
	Event     string         `json:"event"`
	Data      any            `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Source    model.Source   `json:"source"`
	Priority  model.Priority `json:"priority"`
}

// ToReplayed converts stored events to their wire form.
func ToReplayed(evts []model.BroadcastEvent) []ReplayedEvent {
	out := make([]ReplayedEvent, len(evts))
	for i, e := range evts {
		out[i] = ReplayedEvent{
			ID:        e.ID,
			Type:      e.Type,
			Event:     e.Event,
			Data:      e.Data,
			Timestamp: e.Timestamp.UnixMilli(),
			Source:    e.Source,
			Priority:  e.Priority,
		}
	}
	return out
}

type handlers struct {
	Deps
	logger *slog.Logger
}

// RegisterHandlers installs the default inbound catalog on r.
func RegisterHandlers(r *Router, d Deps) error {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	h := handlers{Deps: d, logger: r.logger}

	return errors.Join(
		Handle(r, "ping", pingSchema, h.ping),
		Handle(r, "subscribe", channelSchema, h.subscribe),
		Handle(r, "unsubscribe", channelSchema, h.unsubscribe),
		Handle(r, "filter.set", filterSchema, h.setFilter),
		Handle(r, "project.join", projectSchema, h.joinProject),
		Handle(r, "project.leave", projectSchema, h.leaveProject),
		Handle(r, "presence.update", presenceUpdateSchema, h.updatePresence),
		Handle(r, "presence.query", presenceQuerySchema, h.queryPresence),
		Handle(r, "typing.start", typingSchema, h.typing(true)),
		Handle(r, "typing.stop", typingSchema, h.typing(false)),
		Handle(r, "task.edit.operation", taskEditSchema, h.editTask),
		Handle(r, "events.replay", eventsReplaySchema, h.replay),
		Handle(r, "notification.read", notificationReadSchema, h.readNotification),
		Handle(r, "activity.feed", activityFeedSchema, h.activityFeed),
	)
}

func (h handlers) ping(_ context.Context, call Call, _ struct{}) error {
	return call.Reply("pong", map[string]int64{"timestamp": h.Clock.Now().UnixMilli()})
}

func (h handlers) subscribe(ctx context.Context, call Call, req channelRequest) error {
	if err := h.authorizeChannel(ctx, call.User(), req.Channel); err != nil {
		return err
	}
	if _, err := h.Registry.Subscribe(call.Conn.ID(), req.Channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", req.Channel, err)
	}
	if req.Filter != nil {
		call.Conn.SetFilter(req.Filter)
	}
	return call.Reply("subscribed", map[string]string{"channel": req.Channel})
}

func (h handlers) unsubscribe(_ context.Context, call Call, req channelRequest) error {
	if _, err := h.Registry.Unsubscribe(call.Conn.ID(), req.Channel); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", req.Channel, err)
	}
	return call.Reply("unsubscribed", map[string]string{"channel": req.Channel})
}

// authorizeChannel allows a user's own user and workspace channels, channels
// of roles it holds, and projects the authorizer admits.
func (h handlers) authorizeChannel(ctx context.Context, user model.User, channel string) error {
	kind, id, ok := connection.ParseChannel(channel)
	if !ok {
		return Errorf(CodeMalformedMessage, "invalid channel %q", channel)
	}

	allowed := false
	switch kind {
	case connection.KindUser:
		allowed = id == user.ID
	case connection.KindWorkspace:
		allowed = id == user.WorkspaceID
	case connection.KindRole:
		allowed = user.HasRole(id)
	case connection.KindProject:
		var err error
		allowed, err = h.authorize(ctx, user, ActionProjectJoin, model.ResourceRef{Type: "project", ID: id})
		if err != nil {
			return err
		}
	default:
		return Errorf(CodeMalformedMessage, "unknown channel kind %q", kind)
	}

	if !allowed {
		return Errorf(CodePermissionDenied, "not allowed to subscribe to %s", channel)
	}
	return nil
}

func (h handlers) authorize(ctx context.Context, user model.User, action string, res model.ResourceRef) (bool, error) {
	if h.Authorizer == nil {
		return false, nil
	}
	ok, err := h.Authorizer.Authorize(ctx, user, action, res)
	if err != nil {
		return false, fmt.Errorf("authorize %s: %w", action, err)
	}
	return ok, nil
}

func (h handlers) setFilter(_ context.Context, call Call, f model.Filter) error {
	if f.MinPriority != "" && !f.MinPriority.Valid() {
		return Errorf(CodeMalformedMessage, "invalid minPriority %q", f.MinPriority)
	}

	if len(f.EventTypes) == 0 && f.WorkspaceID == "" && f.ProjectID == "" && f.UserID == "" && f.MinPriority == "" {
		call.Conn.SetFilter(nil)
	} else {
		call.Conn.SetFilter(&f)
	}
	return call.Reply("filter.updated", f)
}

func (h handlers) joinProject(ctx context.Context, call Call, req projectRequest) error {
	ok, err := h.authorize(ctx, call.User(), ActionProjectJoin, model.ResourceRef{Type: "project", ID: req.ProjectID})
	if err != nil {
		return err
	}
	if !ok {
		return Errorf(CodePermissionDenied, "not a member of project %s", req.ProjectID)
	}

	if _, err := h.Registry.SubscribeToProject(call.Conn.ID(), req.ProjectID); err != nil {
		return fmt.Errorf("join project %s: %w", req.ProjectID, err)
	}
	return call.Reply("project.joined", map[string]string{"projectId": req.ProjectID})
}

func (h handlers) leaveProject(_ context.Context, call Call, req projectRequest) error {
	if _, err := h.Registry.UnsubscribeFromProject(call.Conn.ID(), req.ProjectID); err != nil {
		return fmt.Errorf("leave project %s: %w", req.ProjectID, err)
	}
	return call.Reply("project.left", map[string]string{"projectId": req.ProjectID})
}

func (h handlers) updatePresence(_ context.Context, call Call, req presenceRequest) error {
	user := call.User()
	p, err := h.Presence.UpdatePresence(user.ID, presence.Update{
		Status:       req.Status,
		Location:     req.Location,
		Device:       req.Device,
		CustomStatus: req.CustomStatus,
		WorkspaceID:  user.WorkspaceID,
	})
	if err != nil {
		return presenceError(err)
	}
	return call.Reply(presence.EventPresenceUpdated, p)
}

func (h handlers) queryPresence(ctx context.Context, call Call, q presenceQuery) error {
	user := call.User()

	var users []model.UserPresence
	switch q.ScopeType {
	case model.LocationWorkspace:
		if q.ScopeID != user.WorkspaceID {
			return Errorf(CodePermissionDenied, "workspace %s is not yours", q.ScopeID)
		}
		users = h.Presence.WorkspacePresence(q.ScopeID)
	case model.LocationProject:
		if err := h.requireProject(ctx, call, q.ScopeID); err != nil {
			return err
		}
		users = sameWorkspace(h.Presence.ScopePresence(q.ScopeType, q.ScopeID), user.WorkspaceID)
	default:
		users = sameWorkspace(h.Presence.ScopePresence(q.ScopeType, q.ScopeID), user.WorkspaceID)
	}
	if users == nil {
		users = []model.UserPresence{}
	}

	return call.Reply("presence.list", map[string]any{
		"scopeType": q.ScopeType,
		"scopeId":   q.ScopeID,
		"users":     users,
	})
}

// requireProject admits connections joined to projectID, or users the
// authorizer lets join it.
func (h handlers) requireProject(ctx context.Context, call Call, projectID string) error {
	if call.Conn.IsSubscribed(connection.ProjectChannel(projectID)) {
		return nil
	}
	ok, err := h.authorize(ctx, call.User(), ActionProjectJoin, model.ResourceRef{Type: "project", ID: projectID})
	if err != nil {
		return err
	}
	if !ok {
		return Errorf(CodePermissionDenied, "not a member of project %s", projectID)
	}
	return nil
}

// sameWorkspace keeps the records of workspaceID.
func sameWorkspace(users []model.UserPresence, workspaceID string) []model.UserPresence {
	out := make([]model.UserPresence, 0, len(users))
	for _, p := range users {
		if p.WorkspaceID == workspaceID {
			out = append(out, p)
		}
	}
	return out
}

func (h handlers) typing(isTyping bool) HandlerFunc[typingRequest] {
	event := presence.EventTypingStopped
	if isTyping {
		event = presence.EventTypingStarted
	}

	return func(_ context.Context, call Call, req typingRequest) error {
		if err := h.Presence.UpdateTyping(call.User().ID, req.ResourceID, req.ResourceType, isTyping); err != nil {
			return presenceError(err)
		}
		return call.Reply(event, req)
	}
}

func (h handlers) editTask(ctx context.Context, call Call, req taskEditRequest) error {
	user := call.User()

	ok, err := h.authorize(ctx, user, ActionTaskEdit, model.ResourceRef{Type: "task", ID: req.TaskID})
	if err != nil {
		return err
	}
	if !ok {
		return Errorf(CodePermissionDenied, "cannot edit task %s", req.TaskID)
	}
	if !call.Conn.IsSubscribed(connection.ProjectChannel(req.ProjectID)) {
		return Errorf(CodePermissionDenied, "join project %s before editing its tasks", req.ProjectID)
	}

	report, err := h.Publisher.Broadcast(model.BroadcastEvent{
		Type:  "task",
		Event: "task.edit.operation",
		Data: TaskEditOperation{
			TaskID:    req.TaskID,
			ProjectID: req.ProjectID,
			UserID:    user.ID,
			Operation: req.Operation,
		},
		Source: model.Source{UserID: user.ID, WorkspaceID: user.WorkspaceID, ProjectID: req.ProjectID},
		Target: model.Target{
			Type:         model.TargetProject,
			ID:           req.ProjectID,
			ExcludeUsers: []string{user.ID},
		},
		Priority: model.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("broadcast edit: %w", err)
	}

	if _, err := h.Presence.RecordActivity(user.ID, model.ActivityEdit,
		model.ResourceRef{Type: "task", ID: req.TaskID},
		map[string]any{"projectId": req.ProjectID},
	); err != nil {
		h.logger.Warn("record edit activity", "user_id", user.ID, "task_id", req.TaskID, "error", err)
	}

	return call.Reply("task.edit.ack", map[string]any{
		"taskId":     req.TaskID,
		"eventId":    report.EventID,
		"recipients": len(report.Outcomes),
	})
}

func (h handlers) replay(_ context.Context, call Call, req replayRequest) error {
	evts := h.Publisher.StoredEvents(call.User(), time.UnixMilli(req.Since), call.Conn.Filter())
	return call.Reply("events.replayed", map[string]any{
		"since":  req.Since,
		"events": ToReplayed(evts),
	})
}

func (h handlers) readNotification(ctx context.Context, call Call, req notificationReadRequest) error {
	if h.Notifications == nil {
		return Errorf(CodeNotFound, "notifications are not enabled")
	}

	ok, err := h.Notifications.MarkNotificationAsRead(ctx, req.NotificationID, call.User().ID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if !ok {
		return Errorf(CodeNotFound, "notification %s not found", req.NotificationID)
	}
	return call.Reply("notification.marked", map[string]string{"notificationId": req.NotificationID})
}

func (h handlers) activityFeed(_ context.Context, call Call, req activityFeedRequest) error {
	user := call.User()
	ws := req.WorkspaceID
	if ws == "" {
		ws = user.WorkspaceID
	}
	if ws != user.WorkspaceID {
		return Errorf(CodePermissionDenied, "workspace %s is not yours", ws)
	}

	q := presence.FeedQuery{
		Limit:        req.Limit,
		Offset:       req.Offset,
		UserID:       req.UserID,
		Type:         req.Type,
		ResourceType: req.ResourceType,
	}
	if req.Since > 0 {
		q.Since = time.UnixMilli(req.Since)
	}

	return call.Reply("activity.list", map[string]any{
		"workspaceId": ws,
		"activities":  h.Presence.GetActivityFeed(ws, q),
	})
}

// presenceError maps tracker validation failures to malformed-message errors.
func presenceError(err error) error {
	switch {
	case errors.Is(err, presence.ErrInvalidStatus),
		errors.Is(err, presence.ErrInvalidLocation),
		errors.Is(err, presence.ErrInvalidResource),
		errors.Is(err, presence.ErrInvalidActivity):
		return Errorf(CodeMalformedMessage, "%v", err)
	}
	return err
}
