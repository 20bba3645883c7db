package changes

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Channel is the PostgreSQL notification channel used for change announcements.
const Channel = "lynx_changes"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Notification is the payload carried by a change announcement. It never
// contains record data; receivers read the log for that.
type Notification struct {
	Position   int64  `json:"position"`
	Collection string `json:"collection"`
	RecordID   string `json:"id"`
	Kind       Kind   `json:"kind"`
	Version    int    `json:"version"`
}

// NotificationFor builds the announcement for a logged change.
func NotificationFor(c *Change) Notification {
	return Notification{
		Position:   c.Position,
		Collection: c.Collection,
		RecordID:   c.RecordID,
		Kind:       c.Kind,
		Version:    c.Version,
	}
}

// EncodeNotification renders n as a notification payload.
func EncodeNotification(n Notification) (string, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseNotification decodes a payload received on Channel.
func ParseNotification(payload string) (Notification, error) {
	var n Notification
	if payload == "" {
		return n, fmt.Errorf("changes: empty notification payload")
	}
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return n, fmt.Errorf("changes: parse notification: %w", err)
	}
	if n.Collection == "" || n.RecordID == "" {
		return n, fmt.Errorf("changes: parse notification: missing collection or id")
	}
	if !n.Kind.Valid() {
		return n, fmt.Errorf("changes: parse notification: unknown kind %q", n.Kind)
	}
	return n, nil
}
