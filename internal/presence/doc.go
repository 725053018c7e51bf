// Package presence tracks short-lived collaboration state.
//
// The Tracker keeps:
//   - one presence record per user, with exclusive membership in the scope
//     (workspace, project, task or document) named by its location
//   - typing indicators per resource that expire after an idle threshold
//   - a capped, age-bounded activity feed per workspace
//
// Changes are published through the broadcaster and the Tracker's hook topics.
package presence
