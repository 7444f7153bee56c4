package protocol

import "fmt"

// NotificationScreen names the destination a tapped local notification
// routes to.
type NotificationScreen string

const (
	ScreenVoiceSession NotificationScreen = "voice-session"
	ScreenCompose      NotificationScreen = "compose"
)

// NotificationFlow tags why the notification was scheduled.
type NotificationFlow string

const (
	FlowScheduled NotificationFlow = "scheduled"
)

// NotificationPayload is the static data embedded in a one-shot local
// notification. Tapping it is trusted as sufficient evidence that the
// scheduled time arrived; no remote check happens on that path.
type NotificationPayload struct {
	Screen   NotificationScreen `json:"screen"`
	FlowType NotificationFlow   `json:"flow_type"`
	Mode     string             `json:"conversation_mode,omitempty"`
}

// Validate rejects payloads outside the known variant set so a new
// destination has to be added here before it can ride a notification.
func (p NotificationPayload) Validate() error {
	switch p.Screen {
	case ScreenVoiceSession, ScreenCompose:
	default:
		return fmt.Errorf("unknown notification screen %q", p.Screen)
	}
	switch p.FlowType {
	case FlowScheduled:
	default:
		return fmt.Errorf("unknown notification flow %q", p.FlowType)
	}
	return nil
}

// PayloadForMode maps a schedule's conversation mode onto the notification
// destination: voice check-ins open the live session screen, text check-ins
// open the composer.
func PayloadForMode(mode string) NotificationPayload {
	screen := ScreenCompose
	if mode == "voice" {
		screen = ScreenVoiceSession
	}
	return NotificationPayload{Screen: screen, FlowType: FlowScheduled, Mode: mode}
}
