package notify

import (
	"context"

	"github.com/gen2brain/beeep"
)

// DesktopNotifier shows a native desktop notification.
type DesktopNotifier struct {
	send func(title, body string) error
}

func NewDesktopNotifier(appName string) *DesktopNotifier {
	if appName != "" {
		beeep.AppName = appName
	}
	return &DesktopNotifier{send: func(title, body string) error {
		return beeep.Notify(title, body, "")
	}}
}

func (n *DesktopNotifier) Notify(_ context.Context, msg Message) error {
	return n.send(msg.Title, msg.Body)
}
