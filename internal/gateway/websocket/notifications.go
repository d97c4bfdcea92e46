package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	ws "github.com/agentmesh/agentmesh/pkg/websocket"
)

// Notifier bridges event bus subjects to WebSocket push notifications, so
// producers publish to the bus without knowing about the gateway.
type Notifier struct {
	hub    *Hub
	bus    bus.EventBus
	subs   []bus.Subscription
	logger *logger.Logger
}

// NewNotifier creates a notifier bound to a hub and event bus
func NewNotifier(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Notifier {
	return &Notifier{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "ws_notifier")),
	}
}

// Start subscribes to the bus subjects that drive push notifications
func (n *Notifier) Start() error {
	sub, err := n.bus.Subscribe(events.BuildAgentStatusWildcardSubject(), n.onAgentStatusChanged)
	if err != nil {
		return err
	}
	n.subs = append(n.subs, sub)

	sub, err = n.bus.Subscribe(events.BuildSessionWildcardSubject(events.SessionEnded), n.onSessionEnded)
	if err != nil {
		return err
	}
	n.subs = append(n.subs, sub)

	n.logger.Info("Notification forwarding started")
	return nil
}

// Stop removes all bus subscriptions
func (n *Notifier) Stop() {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil {
			n.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	n.subs = nil
}

// onAgentStatusChanged pushes status transitions to the agent's subscribers
func (n *Notifier) onAgentStatusChanged(ctx context.Context, event *bus.Event) error {
	agentID, _ := event.Data["agent_id"].(string)
	if agentID == "" {
		n.logger.Warn("Agent status event missing agent_id", zap.String("event_id", event.ID))
		return nil
	}

	msg, err := ws.NewNotification(ws.PushAgentStatusUpdate, event.Data)
	if err != nil {
		return err
	}
	n.hub.BroadcastToGroup(AgentGroup(agentID), msg)
	return nil
}

// onSessionEnded tells the session's participants the session is over
func (n *Notifier) onSessionEnded(ctx context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["session_id"].(string)
	if sessionID == "" {
		n.logger.Warn("Session ended event missing session_id", zap.String("event_id", event.ID))
		return nil
	}

	msg, err := ws.NewNotification(ws.PushSessionEnded, event.Data)
	if err != nil {
		return err
	}
	n.hub.BroadcastToGroup(SessionGroup(sessionID), msg)
	return nil
}
