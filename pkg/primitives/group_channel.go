package primitives

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/metrics"
)

// Broadcast delivers data to the OnGroupMessage of every current member,
// this one included.
func (g *Group) Broadcast(ctx context.Context, data []byte) error {
	const op = "group.broadcast"
	if !g.active.Load() {
		return newError(ErrGeneric, op, "member has left the group")
	}
	p, err := g.publish(ctx, g.broadcastRoot, messagePrefix, data)
	if p != "" && g.janitor != nil {
		g.janitor.Schedule(p, g.messageTTL)
	}
	if err != nil {
		return wrap(op, err)
	}
	metrics.GroupMessages.WithLabelValues("sent").Inc()
	return nil
}

// drainBroadcast re-arms the channel watch, then hands every message newer
// than the cursor to the listener. On error the cursor stays on the last
// delivered message, so a retry resumes there.
func (g *Group) drainBroadcast(ctx context.Context) error {
	if !g.active.Load() {
		return nil
	}
	if _, _, err := g.store.GetData(ctx, g.broadcastRoot, g.signalOn(g.broadcastSig)); err != nil {
		return fmt.Errorf("watch broadcast channel: %w", err)
	}
	names, err := g.channelEntries(ctx, g.broadcastRoot, messagePrefix)
	if err != nil {
		return fmt.Errorf("list broadcast channel: %w", err)
	}
	for _, name := range names {
		if name <= g.broadcastCursor {
			continue
		}
		data, _, err := g.store.GetData(ctx, coordination.Join(g.broadcastRoot, name), nil)
		if errors.Is(err, coordination.ErrNoNode) {
			g.broadcastCursor = name
			continue
		}
		if err != nil {
			return fmt.Errorf("read broadcast message %s: %w", name, err)
		}
		g.broadcastCursor = name
		metrics.GroupMessages.WithLabelValues("received").Inc()
		if !g.active.Load() {
			return nil
		}
		g.listener.OnGroupMessage(data)
	}
	return nil
}

// ClearGroupMessages deletes every message currently in the broadcast channel.
func (g *Group) ClearGroupMessages(ctx context.Context) error {
	const op = "group.clear_messages"
	names, err := g.channelEntries(ctx, g.broadcastRoot, messagePrefix)
	if err != nil {
		return wrap(op, err)
	}
	for _, name := range names {
		if err := g.deleteQuietly(ctx, coordination.Join(g.broadcastRoot, name)); err != nil {
			return wrap(op, err)
		}
	}
	g.log.Debug("cleared group messages", zap.Int("count", len(names)))
	return nil
}
