package session

import (
	"context"
	"time"

	"github.com/overlaymesh/sessiond/internal/cryptoauth"
)

// RunHousekeeper drives the periodic housekeeping loop (§4.8,
// component C7) until ctx is cancelled. Grounded on the teacher package's
// Hub.cleanupLoop: a ticker-driven scan under the same lock message
// handling uses, rather than a separate goroutine with its own
// synchronization.
func (mgr *Manager) RunHousekeeper(ctx context.Context) {
	ticker := time.NewTicker(mgr.cfg.HousekeeperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.runHousekeepingPass()
		}
	}
}

// runHousekeepingPass implements one sweep of §4.8. Split out
// from RunHousekeeper so tests can drive it synchronously
// against a fake clock instead of waiting on a real ticker.
func (mgr *Manager) runHousekeepingPass() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	now := mgr.now()

	// Iterate back-to-front so a removal does not shift yet-to-visit slots.
	for i := len(mgr.index.slots) - 1; i >= 0; i-- {
		sess := mgr.index.slots[i]
		if sess == nil {
			continue
		}

		sess.mu.Lock()
		keepAliveAge := now.Sub(sess.timeOfKeepAliveIn)
		maintain := sess.maintainSession
		searchAge := now.Sub(sess.lastSearchTime)
		version := sess.version
		haveLabel := sess.sendSwitchLabel != 0 || sess.recvSwitchLabel != 0
		ip := sess.ip6
		sess.mu.Unlock()
		state := sess.ca.State()

		if keepAliveAge > mgr.cfg.SessionTimeout {
			mgr.removeSession(sess)
			continue
		}
		if !maintain {
			continue
		}
		if searchAge >= mgr.cfg.SessionSearchAfter {
			sess.mu.Lock()
			sess.lastSearchTime = now
			sess.mu.Unlock()
			mgr.emitSearchReq(ip, version)
			continue
		}
		if state < cryptoauth.StateReceivedKey && version != 0 && haveLabel {
			mgr.emitUnsetupSession(sess)
		}
	}

	mgr.buffers.checkTimedOut(now)
	mgr.metrics.BufferedMessages.Set(float64(mgr.buffers.len()))
}
