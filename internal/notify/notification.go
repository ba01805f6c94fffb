// Package notify fans controller notifications out to every connected
// control surface (MQTT, TCP control clients, websocket streams).
package notify

import (
	"time"
)

// Notification names sent to controllers.
const (
	NameSetComposePort = "set_compose_port"
	NameSetEncodePort  = "set_encode_port"
	NameSetAudioPort   = "set_audio_port"
	NameAddPreviewPort = "add_preview_port"
	NameNewModeOnline  = "new_mode_online"
)

// Notification is one message pushed to controllers.
type Notification struct {
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newNotification(name string, args map[string]interface{}) Notification {
	return Notification{Name: name, Args: args, Timestamp: time.Now()}
}

// SetComposePort announces the composite output port.
func SetComposePort(port int) Notification {
	return newNotification(NameSetComposePort, map[string]interface{}{"port": port})
}

// SetEncodePort announces the encoded output port.
func SetEncodePort(port int) Notification {
	return newNotification(NameSetEncodePort, map[string]interface{}{"port": port})
}

// SetAudioPort announces the port of the audio on air.
func SetAudioPort(port int) Notification {
	return newNotification(NameSetAudioPort, map[string]interface{}{"port": port})
}

// AddPreviewPort announces a new preview output.
func AddPreviewPort(port int, serve, typ string) Notification {
	return newNotification(NameAddPreviewPort, map[string]interface{}{
		"port":  port,
		"serve": serve,
		"type":  typ,
	})
}

// NewModeOnline announces that a composite mode transition completed.
func NewModeOnline(mode int) Notification {
	return newNotification(NameNewModeOnline, map[string]interface{}{"mode": mode})
}
