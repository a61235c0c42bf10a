package registry

import (
	"time"

	"github.com/t77yq/crisis-escalation/internal/model"
)

// dedupKey identifies one ongoing risk episode
type dedupKey struct {
	userID    string
	sessionID string
	riskType  model.RiskType
}

type dedupEntry struct {
	alertID   string
	expiresAt time.Time
}

// liveDedup returns the alert ID holding the window for key, if unexpired.
// Caller holds dedupMu.
func (r *Registry) liveDedup(key dedupKey, now time.Time) (string, bool) {
	de, ok := r.dedup[key]
	if !ok || !now.Before(de.expiresAt) {
		return "", false
	}
	return de.alertID, true
}

// SweepDedup drops expired dedup windows and returns how many were removed
func (r *Registry) SweepDedup(now time.Time) int {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	removed := 0
	for key, de := range r.dedup {
		if !now.Before(de.expiresAt) {
			delete(r.dedup, key)
			removed++
		}
	}
	return removed
}

// DedupWindows returns the number of dedup windows currently held
func (r *Registry) DedupWindows() int {
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	return len(r.dedup)
}

// restoreDedup reopens the dedup window of a restored alert if it has not
// expired and the alert can still absorb detections
func (r *Registry) restoreDedup(alert *model.Alert, now time.Time) {
	if r.dedupWindow <= 0 || !alert.Status.AcceptsMerge() {
		return
	}
	expiresAt := alert.CreatedAt.Add(r.dedupWindow)
	if !now.Before(expiresAt) {
		return
	}

	key := dedupKey{userID: alert.UserID, sessionID: alert.SessionID, riskType: alert.RiskType}
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	if de, ok := r.dedup[key]; ok && !de.expiresAt.Before(expiresAt) {
		return
	}
	r.dedup[key] = dedupEntry{alertID: alert.ID, expiresAt: expiresAt}
}
