package core

// Message types posted from the controller to client windows.
const (
	MessageShowNotification    = "SHOW_NOTIFICATION"
	MessageCloseNotification   = "CLOSE_NOTIFICATION"
	MessageFocus               = "FOCUS"
	MessageNavigate            = "NAVIGATE"
	MessageOpenWindow          = "OPEN_WINDOW"
	MessageControllerChanged   = "CONTROLLER_CHANGED"
	MessageSyncOfflineMessages = "SYNC_OFFLINE_MESSAGES"
)

// MessageClientURL is sent by a window whenever its location changes.
const MessageClientURL = "CLIENT_URL"

// ClientMessage is a message posted to a client window.
type ClientMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Window is an open application window controlled by the edge.
type Window struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Focused    bool   `json:"focused"`
	// Controlled is set once the controller has claimed the window.
	Controlled bool   `json:"controlled"`
}
