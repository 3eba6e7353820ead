package cache

import "fmt"

// Key layout. The {graph:...} hash tag keeps every key of one graph on the
// same cluster slot so pipelines and scripts can touch several of them.
//
// - entryKey(graph, user, session): Hash of one session's presence, with TTL
// - sessionsKey(graph, user):       Set<sessionID> of a user's live sessions, with TTL
// - activeKey(graph):               Set<userID> of users active on the graph

const (
	keyEntryFmt    = "presence:entry:{graph:%s}:%s:%s"
	keySessionsFmt = "presence:sessions:{graph:%s}:%s"
	keyActiveFmt   = "presence:active:{graph:%s}"
)

func entryKey(graphID, userID, sessionID string) string {
	return fmt.Sprintf(keyEntryFmt, graphID, userID, sessionID)
}
func sessionsKey(graphID, userID string) string { return fmt.Sprintf(keySessionsFmt, graphID, userID) }
func activeKey(graphID string) string           { return fmt.Sprintf(keyActiveFmt, graphID) }

// Hash fields of a presence entry.
const (
	fieldStatus    = "status"
	fieldHeartbeat = "lastHeartbeat"
	fieldConnected = "connectedAt"
	FieldCursor    = "cursor"
	FieldSelection = "selection"
	FieldViewport  = "viewport"
)
