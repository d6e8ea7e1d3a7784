package session

import (
	"log/slog"

	"github.com/overlaymesh/sessiond/internal/cryptoauth"
	"github.com/overlaymesh/sessiond/internal/wire"
)

// publish marshals and hands frame to the event bus, updating the emitted-
// events counter. Event emission is synchronous (§5): by the time
// publish returns, the bus has consumed the frame.
func (mgr *Manager) publish(frame wire.Frame) {
	mgr.metrics.EventsEmitted.WithLabelValues(frame.Event.String()).Inc()
	if err := mgr.bus.Publish(frame.Marshal()); err != nil {
		mgr.log.Error("publish event failed", slog.String("event", frame.Event.String()), slog.Any("err", err))
	}
}

func (mgr *Manager) nodeOf(sess *Session) wire.Node {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return wire.Node{
		Path:      sess.sendSwitchLabel,
		Metric:    sess.metric,
		Version:   sess.version,
		PublicKey: sess.ca.PeerPublicKey(),
		IP6:       sess.ip6,
	}
}

// emitSession publishes Core_SESSION, broadcast unless a specific
// pathfinder requested it (e.g. in response to Pathfinder_SESSIONS).
func (mgr *Manager) emitSession(sess *Session) {
	mgr.emitSessionTo(sess, wire.BroadcastPathfinder)
}

func (mgr *Manager) emitSessionTo(sess *Session, target uint32) {
	mgr.publish(wire.Frame{Event: wire.CoreSESSION, Target: target, Payload: mgr.nodeOf(sess).Marshal()})
}

// emitSessionEnded publishes Core_SESSION_ENDED for a just-removed session.
func (mgr *Manager) emitSessionEnded(sess *Session) {
	mgr.publish(wire.Frame{Event: wire.CoreSESSIONENDED, Target: wire.BroadcastPathfinder, Payload: mgr.nodeOf(sess).Marshal()})
}

// emitDiscoveredPath publishes Core_DISCOVERED_PATH when a session's
// return-path label changes.
func (mgr *Manager) emitDiscoveredPath(sess *Session) {
	mgr.publish(wire.Frame{Event: wire.CoreDISCOVEREDPATH, Target: wire.BroadcastPathfinder, Payload: mgr.nodeOf(sess).Marshal()})
}

// emitUnsetupSession publishes Core_UNSETUP_SESSION asking the pathfinder
// to consider re-triggering a handshake.
func (mgr *Manager) emitUnsetupSession(sess *Session) {
	mgr.publish(wire.Frame{Event: wire.CoreUNSETUPSESSION, Target: wire.BroadcastPathfinder, Payload: mgr.nodeOf(sess).Marshal()})
}

// emitSearchReq publishes Core_SEARCH_REQ for a destination address.
func (mgr *Manager) emitSearchReq(ip wire.IPv6, version uint32) {
	payload := wire.SearchReq{IP6: ip, Version: version}.Marshal()
	mgr.publish(wire.Frame{Event: wire.CoreSEARCHREQ, Target: wire.BroadcastPathfinder, Payload: payload})
}

// HandleSessionsRequest implements the Pathfinder_SESSIONS inbound event
// (§4.6): re-emit one Core_SESSION per live session, targeted at the
// requesting pathfinder so the reply can be routed back to just them (spec
// law L3: the count emitted equals the number of live sessions at the
// instant of the request).
func (mgr *Manager) HandleSessionsRequest(sourcePathfinder uint32) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	sessions := make([]*Session, 0, mgr.index.len())
	for _, i := range mgr.index.byIP {
		sessions = append(sessions, mgr.index.slots[i])
	}
	for _, sess := range sessions {
		mgr.emitSessionTo(sess, sourcePathfinder)
	}
}

// HandleNodeEvent implements the Pathfinder_NODE inbound event (spec
// §4.6): reconcile path metadata for a discovered node, and flush any
// buffered message once the resulting session is ready for data.
func (mgr *Manager) HandleNodeEvent(node wire.Node) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	_, haveSession := mgr.getByIP6(node.IP6)
	haveBuffer := mgr.buffers.has(node.IP6)
	if !haveSession && !haveBuffer {
		return
	}
	if node.Metric == DeadLink && !haveSession {
		return
	}

	sess, err := mgr.getOrCreate(node.IP6, node.PublicKey, node.Version, node.Path, node.Metric, false)
	if err != nil {
		mgr.log.Debug("node event get_or_create failed", slog.Any("err", err))
		return
	}

	if mgr.buffers.has(node.IP6) && sess.Ready() {
		msg, _ := mgr.buffers.pop(node.IP6)
		mgr.metrics.BufferedMessages.Set(float64(mgr.buffers.len()))
		if err := mgr.encryptAndForwardLocked(sess, msg); err != nil {
			mgr.log.Warn("flush buffered message failed", slog.Any("err", err))
		}
		return
	}
	if sess.ca.State() < cryptoauth.StateReceivedKey {
		mgr.emitUnsetupSession(sess)
	}
}
