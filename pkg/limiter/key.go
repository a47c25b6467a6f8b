package limiter

import "strings"

// Key builds the per-key identity used by the limiter: session-key
// (preferred) falling back to client id, then device id, joined with the
// dangerous command name. At least one of sessionKey, clientID, deviceID
// must be non-empty.
func Key(sessionKey, clientID, deviceID, commandName string) string {
	var scope string
	switch {
	case sessionKey != "":
		scope = sessionKey
	case clientID != "":
		scope = clientID
	default:
		scope = deviceID
	}
	return scope + ":command:" + commandName
}

// Scope strips the trailing ":command:<name>" suffix, for callers that
// need the bare session/client/device scope (e.g. metrics labels).
func Scope(key string) string {
	if i := strings.Index(key, ":command:"); i >= 0 {
		return key[:i]
	}
	return key
}
