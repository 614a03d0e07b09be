// internal/websocket/handler/idle.go
package handler

import (
	"context"
	"fmt"

	wstypes "fieldops-security/internal/domain/websocket"
	ws "fieldops-security/internal/websocket"
)

// IdleHandler forwards the client's activity and idle-dialog actions to the
// connection's monitor.
type IdleHandler struct{}

func NewIdleHandler() *IdleHandler {
	return &IdleHandler{}
}

func (h *IdleHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeActivity,
		wstypes.EventTypeStayLoggedIn,
		wstypes.EventTypeLogoutNow,
	}
}

func (h *IdleHandler) HandleMessage(_ context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	m := client.Monitor()

	switch msg.Type {
	case wstypes.EventTypeActivity:
		m.Activity()
	case wstypes.EventTypeStayLoggedIn:
		m.StayLoggedIn()
	case wstypes.EventTypeLogoutNow:
		m.LogoutNow()
	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
	return nil
}
