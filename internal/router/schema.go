package router

// JSON schemas for inbound message data, keyed by event in RegisterHandlers.

const pingSchema = `{
  "type": "object"
}`

const channelSchema = `{
  "type": "object",
  "required": ["channel"],
  "properties": {
    "channel": {"type": "string", "minLength": 3, "pattern": "^[a-z]+:.+$"},
    "filter": {"$ref": "#/$defs/filter"}
  },
  "$defs": {
    "filter": {
      "type": "object",
      "properties": {
        "eventTypes": {"type": "array", "items": {"type": "string"}},
        "workspaceId": {"type": "string"},
        "projectId": {"type": "string"},
        "userId": {"type": "string"},
        "minPriority": {"enum": ["high", "normal", "low"]}
      },
      "additionalProperties": false
    }
  }
}`

const filterSchema = `{
  "type": "object",
  "properties": {
    "eventTypes": {"type": "array", "items": {"type": "string"}},
    "workspaceId": {"type": "string"},
    "projectId": {"type": "string"},
    "userId": {"type": "string"},
    "minPriority": {"enum": ["high", "normal", "low"]}
  },
  "additionalProperties": false
}`

const projectSchema = `{
  "type": "object",
  "required": ["projectId"],
  "properties": {
    "projectId": {"type": "string", "minLength": 1}
  }
}`

const presenceUpdateSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"enum": ["online", "away", "busy", "offline"]},
    "location": {
      "type": ["object", "null"],
      "required": ["type", "id"],
      "properties": {
        "type": {"enum": ["workspace", "project", "task", "document"]},
        "id": {"type": "string", "minLength": 1}
      }
    },
    "device": {"type": "string"},
    "customStatus": {
      "type": ["object", "null"],
      "required": ["message"],
      "properties": {
        "message": {"type": "string"},
        "expiresAt": {"type": "string", "format": "date-time"}
      }
    }
  }
}`

const typingSchema = `{
  "type": "object",
  "required": ["resourceId", "resourceType"],
  "properties": {
    "resourceId": {"type": "string", "minLength": 1},
    "resourceType": {"type": "string", "minLength": 1}
  }
}`

const taskEditSchema = `{
  "type": "object",
  "required": ["taskId", "projectId", "operation"],
  "properties": {
    "taskId": {"type": "string", "minLength": 1},
    "projectId": {"type": "string", "minLength": 1},
    "operation": {"type": "object"}
  }
}`

const eventsReplaySchema = `{
  "type": "object",
  "properties": {
    "since": {"type": "integer", "minimum": 0}
  }
}`

const notificationReadSchema = `{
  "type": "object",
  "required": ["notificationId"],
  "properties": {
    "notificationId": {"type": "string", "minLength": 1}
  }
}`

const presenceQuerySchema = `{
  "type": "object",
  "required": ["scopeType", "scopeId"],
  "properties": {
    "scopeType": {"enum": ["workspace", "project", "task", "document"]},
    "scopeId": {"type": "string", "minLength": 1}
  }
}`

const activityFeedSchema = `{
  "type": "object",
  "properties": {
    "workspaceId": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 200},
    "offset": {"type": "integer", "minimum": 0},
    "userId": {"type": "string"},
    "type": {"enum": ["view", "edit", "comment", "assign", "complete", "create", "delete"]},
    "resourceType": {"type": "string"},
    "since": {"type": "integer", "minimum": 0}
  }
}`
