package backends

import "log"

// LogBackend writes notifications to the process log. Used in development and
// as a fallback when no real channel is configured.
type LogBackend struct{}

// NewLogBackend creates the log backend
func NewLogBackend() *LogBackend {
	return &LogBackend{}
}

func (b *LogBackend) ID() string {
	return "log"
}

func (b *LogBackend) Send(msg *Message) error {
	log.Printf("NOTIFY user=%s alert_group=%s important=%t title=%q", msg.User.Username, msg.AlertGroup.PublicID, msg.Important, msg.Title)
	return nil
}
