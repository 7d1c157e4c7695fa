package cache

import "fmt"

// Key layout:
// - sessionKey(id):  online clients of a session (ZSet<clientID>, score=expireAtUnix)
// - cursorKey(id,c): last reported cursor of one client (String with TTL)

const (
	keySessionFmt = "presence:session:{%s}"
	keyCursorFmt  = "presence:cursor:{%s}:%s"
)

func sessionKey(sessionID string) string { return fmt.Sprintf(keySessionFmt, sessionID) }

func cursorKey(sessionID, clientID string) string {
	return fmt.Sprintf(keyCursorFmt, sessionID, clientID)
}
