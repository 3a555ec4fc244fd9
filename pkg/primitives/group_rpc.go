package primitives

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coordkit/pkg/coordination"
	"coordkit/pkg/metrics"
)

// SendReceive sends payload to the member target and waits for the reply of
// its OnPeerMessage. It fails with ErrPeerUnreachable as soon as target is no
// longer a member, with ErrWaitTimeout after the peer timeout and with
// ErrPeerError when the handler failed.
func (g *Group) SendReceive(ctx context.Context, target string, payload []byte) (out []byte, err error) {
	const op = "group.send_receive"
	start := time.Now()
	defer func() {
		metrics.RecordPeerRequest(peerOutcome(err), time.Since(start).Seconds())
	}()

	if !g.active.Load() {
		return nil, newError(ErrGeneric, op, "member has left the group")
	}
	alive, err := g.memberAlive(ctx, target)
	if err != nil {
		return nil, wrap(op, err)
	}
	if !alive {
		return nil, newError(ErrPeerUnreachable, op, target)
	}
	channel, err := g.peerChannel(ctx, target)
	if err != nil {
		return nil, wrap(op, err)
	}

	correlationID := uuid.NewString()
	body, err := g.codec.Marshal(peerRequest{CorrelationID: correlationID, Payload: payload})
	if err != nil {
		return nil, wrap(op, err)
	}
	resultPath := coordination.Join(g.resultsRoot, correlationID)
	arrived := make(chan struct{}, 1)
	onResult := func(coordination.Event) { notify(arrived) }
	if _, err := g.store.Exists(ctx, resultPath, onResult); err != nil {
		return nil, wrap(op, err)
	}
	requestPath, err := g.publish(ctx, channel, requestPrefix, body)
	if err != nil {
		return nil, wrap(op, err)
	}
	log := g.log.With(zap.String("target", target), zap.String("correlation_id", correlationID))
	log.Debug("peer request sent")

	deadline := time.NewTimer(g.peerTimeout)
	defer deadline.Stop()
	liveness := time.NewTicker(g.liveness)
	defer liveness.Stop()

	abandon := func() {
		cleanup := context.WithoutCancel(ctx)
		// Creating and deleting the result fires the pending watch so it
		// does not linger in the store client.
		if _, err := g.store.Create(cleanup, resultPath, nil, coordination.Ephemeral); err == nil {
			_ = g.deleteQuietly(cleanup, resultPath)
		}
		_ = g.deleteQuietly(cleanup, requestPath)
	}

	for {
		select {
		case <-arrived:
			st, err := g.store.Exists(ctx, resultPath, onResult)
			if err != nil {
				return nil, wrap(op, err)
			}
			if st != nil {
				return g.collect(ctx, op, resultPath)
			}
		case <-liveness.C:
			alive, err := g.memberAlive(ctx, target)
			if err != nil {
				log.Warn("liveness check failed", zap.Error(err))
				continue
			}
			if !alive {
				abandon()
				return nil, newError(ErrPeerUnreachable, op, target)
			}
		case <-deadline.C:
			abandon()
			log.Warn("peer request timed out", zap.Duration("timeout", g.peerTimeout))
			return nil, newError(ErrWaitTimeout, op, g.peerTimeout.String())
		case <-ctx.Done():
			abandon()
			return nil, wrap(op, ctx.Err())
		}
	}
}

// collect reads the response envelope and reassembles the chunks.
func (g *Group) collect(ctx context.Context, op, resultPath string) ([]byte, error) {
	data, _, err := g.store.GetData(ctx, resultPath, nil)
	if err != nil {
		return nil, wrap(op, err)
	}
	_ = g.deleteQuietly(ctx, resultPath)

	var resp peerResponse
	if err := g.codec.Unmarshal(data, &resp); err != nil {
		return nil, wrap(op, fmt.Errorf("decode response: %w", err))
	}
	if !resp.Success {
		return nil, &Error{Kind: ErrPeerError, Op: op, Message: resp.Message}
	}
	out := make([]byte, 0)
	for _, id := range resp.ResultChunkIDs {
		p := coordination.Join(g.resultsRoot, id)
		chunk, _, err := g.store.GetData(ctx, p, nil)
		if err != nil {
			return nil, wrap(op, fmt.Errorf("read result chunk %s: %w", id, err))
		}
		out = append(out, chunk...)
		_ = g.deleteQuietly(ctx, p)
	}
	return out, nil
}

func (g *Group) memberAlive(ctx context.Context, memberID string) (bool, error) {
	st, err := g.store.Exists(ctx, coordination.Join(g.root, memberPrefix+memberID), nil)
	if err != nil {
		return false, err
	}
	return st != nil, nil
}

// peerChannel returns the request channel of target, creating it once.
// Liveness is checked again after creation: a target that left in between
// has already removed its channel, so the one just created would be orphaned.
func (g *Group) peerChannel(ctx context.Context, target string) (string, error) {
	g.chanMu.Lock()
	defer g.chanMu.Unlock()
	if p, ok := g.peerChannels[target]; ok {
		return p, nil
	}
	p := coordination.Join(g.requestsRoot, target)
	if err := ensurePath(ctx, g.store, p); err != nil {
		return "", err
	}
	alive, err := g.memberAlive(ctx, target)
	if err != nil {
		return "", err
	}
	if !alive {
		if err := deleteTree(ctx, g.store, p); err != nil {
			g.log.Warn("failed to delete orphaned request channel", zap.String("target", target), zap.Error(err))
		}
		return "", newError(ErrPeerUnreachable, "group.send_receive", target)
	}
	g.peerChannels[target] = p
	return p, nil
}

func (g *Group) forgetPeer(target string) {
	g.chanMu.Lock()
	delete(g.peerChannels, target)
	g.chanMu.Unlock()
}

// drainRequests re-arms the watch on this member's request channel, then
// serves pending requests oldest first. Served requests are deleted.
func (g *Group) drainRequests(ctx context.Context) error {
	if !g.active.Load() {
		return nil
	}
	if _, _, err := g.store.GetData(ctx, g.ownChannel, g.signalOn(g.requestSig)); err != nil {
		return fmt.Errorf("watch request channel: %w", err)
	}
	names, err := g.channelEntries(ctx, g.ownChannel, requestPrefix)
	if err != nil {
		return fmt.Errorf("list request channel: %w", err)
	}
	for _, name := range names {
		if name <= g.requestCursor {
			continue
		}
		if !g.active.Load() {
			return nil
		}
		p := coordination.Join(g.ownChannel, name)
		data, _, err := g.store.GetData(ctx, p, nil)
		if errors.Is(err, coordination.ErrNoNode) {
			g.requestCursor = name
			continue
		}
		if err != nil {
			return fmt.Errorf("read peer request %s: %w", name, err)
		}
		g.requestCursor = name
		if err := g.deleteQuietly(ctx, p); err != nil {
			g.log.Warn("failed to delete peer request", zap.String("request", name), zap.Error(err))
		}
		g.serve(ctx, data)
	}
	return nil
}

func (g *Group) serve(ctx context.Context, data []byte) {
	var req peerRequest
	if err := g.codec.Unmarshal(data, &req); err != nil {
		g.log.Warn("dropping undecodable peer request", zap.Error(err))
		return
	}
	log := g.log.With(zap.String("correlation_id", req.CorrelationID))

	out, herr := g.handle(req.Payload)
	if !g.active.Load() {
		return
	}
	resp := peerResponse{Success: herr == nil}
	if herr != nil {
		resp.Message = herr.Error()
	} else {
		ids, err := g.writeChunks(ctx, out)
		if err != nil {
			log.Warn("failed to write result chunks", zap.Error(err))
			resp = peerResponse{Message: "failed to write result: " + err.Error()}
		} else {
			resp.ResultChunkIDs = ids
		}
	}

	body, err := g.codec.Marshal(resp)
	if err != nil {
		log.Error("failed to encode peer response", zap.Error(err))
		return
	}
	resultPath := coordination.Join(g.resultsRoot, req.CorrelationID)
	if _, err := g.store.Create(ctx, resultPath, body, coordination.Ephemeral); err != nil {
		log.Warn("failed to publish peer response", zap.Error(err))
		return
	}
	if g.janitor != nil {
		g.janitor.Schedule(resultPath, g.messageTTL)
	}
	log.Debug("peer request served", zap.Bool("success", resp.Success), zap.Int("chunks", len(resp.ResultChunkIDs)))
}

func (g *Group) handle(payload []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("peer handler panic: %v", r)
		}
	}()
	return g.listener.OnPeerMessage(payload)
}

// writeChunks stores out as ephemeral nodes of at most maxChunk bytes each.
func (g *Group) writeChunks(ctx context.Context, out []byte) ([]string, error) {
	var ids []string
	for len(out) > 0 {
		n := min(len(out), g.maxChunk)
		id := uuid.NewString()
		p := coordination.Join(g.resultsRoot, id)
		if _, err := g.store.Create(ctx, p, out[:n], coordination.Ephemeral); err != nil {
			return nil, err
		}
		if g.janitor != nil {
			g.janitor.Schedule(p, g.messageTTL)
		}
		ids = append(ids, id)
		out = out[n:]
	}
	return ids, nil
}

func peerOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPeerUnreachable):
		return "unreachable"
	case errors.Is(err, ErrWaitTimeout):
		return "timeout"
	case errors.Is(err, ErrPeerError):
		return "peer_error"
	default:
		return "error"
	}
}
