// Package governor gates outbound sends: time-of-day windows, a minimum gap
// per destination, daily caps, and trailing burst caps. Check decides, Commit
// records — Commit only after a confirmed successful send.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relaydesk/internal/store"
)

// Reason identifies the first constraint that blocked a send.
type Reason string

const (
	ReasonWindow      Reason = "window"
	ReasonGap         Reason = "gap"
	ReasonDailyGlobal Reason = "daily.global"
	ReasonDailyChat   Reason = "daily.chat"
	ReasonBurstGlobal Reason = "burst.global"
	ReasonBurstChat   Reason = "burst.chat"
)

// Decision is the outcome of a Check. Wait is a hint: how long until the
// constraint could clear. Zero Wait with OK false means "wait for rollover,
// do not retry soon".
type Decision struct {
	OK     bool
	Reason Reason
	Wait   time.Duration
}

// Window is a daily send window in minutes-of-day, [Start, End). End < Start
// wraps past midnight.
type Window struct {
	Start int
	End   int
}

// ParseWindow reads "HH:MM-HH:MM".
func ParseWindow(s string) (Window, error) {
	var sh, sm, eh, em int
	if _, err := fmt.Sscanf(s, "%d:%d-%d:%d", &sh, &sm, &eh, &em); err != nil {
		return Window{}, fmt.Errorf("governor: parse window %q: %w", s, err)
	}
	if sh < 0 || sh > 23 || eh < 0 || eh > 23 || sm < 0 || sm > 59 || em < 0 || em > 59 {
		return Window{}, fmt.Errorf("governor: window %q out of range", s)
	}
	return Window{Start: sh*60 + sm, End: eh*60 + em}, nil
}

func (w Window) contains(minute int) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return minute >= w.Start && minute < w.End
	}
	// Wraps past midnight, e.g. 22:00-02:00.
	return minute >= w.Start || minute < w.End
}

// Limits configures the governor. Zero caps disable the corresponding check.
type Limits struct {
	Windows         []Window
	MinGap          time.Duration
	DailyMaxGlobal  int
	DailyMaxPerChat int
	BurstWindow     time.Duration
	BurstMaxGlobal  int
	BurstMaxPerChat int
	MaxTrackedChats int
}

const kvNamespace = "governor"

type destState struct {
	Sent       int     `json:"sent"`
	LastSentAt int64   `json:"last_sent_at"` // unix ms
	Burst      []int64 `json:"burst,omitempty"`
}

type persisted struct {
	DateKey        string                `json:"date_key"`
	GlobalSent     int                   `json:"global_sent"`
	GlobalBurst    []int64               `json:"global_burst,omitempty"`
	PerDestination map[string]*destState `json:"per_destination"`
}

// Governor owns all rate state. Single writer; the mutex covers the live
// config swap from hot reload.
type Governor struct {
	mu     sync.Mutex
	limits Limits
	state  persisted
	kv     store.KV // nil = memory only
	now    func() time.Time
}

func New(limits Limits, kv store.KV) *Governor {
	if limits.MaxTrackedChats <= 0 {
		limits.MaxTrackedChats = 512
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = time.Minute
	}
	g := &Governor{
		limits: limits,
		state:  persisted{PerDestination: make(map[string]*destState)},
		kv:     kv,
		now:    time.Now,
	}
	g.load()
	return g
}

// SetNow overrides the clock. Test hook.
func (g *Governor) SetNow(now func() time.Time) { g.now = now }

// SetLimits swaps the limits in place. Used by config hot reload; counters
// are kept.
func (g *Governor) SetLimits(limits Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limits.MaxTrackedChats <= 0 {
		limits.MaxTrackedChats = 512
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = time.Minute
	}
	g.limits = limits
}

// Check evaluates the constraints in order and returns the first failure.
// It never mutates counters beyond day rollover and burst pruning.
func (g *Governor) Check(destination string, weight int) Decision {
	if weight <= 0 {
		weight = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollover(now)

	minute := now.Hour()*60 + now.Minute()
	if len(g.limits.Windows) > 0 {
		inWindow := false
		for _, w := range g.limits.Windows {
			if w.contains(minute) {
				inWindow = true
				break
			}
		}
		if !inWindow {
			return Decision{Reason: ReasonWindow, Wait: g.untilNextWindow(minute)}
		}
	}

	dst := g.state.PerDestination[destination]

	if g.limits.MinGap > 0 && dst != nil && dst.LastSentAt > 0 {
		elapsed := now.Sub(time.UnixMilli(dst.LastSentAt))
		if elapsed < g.limits.MinGap {
			return Decision{Reason: ReasonGap, Wait: g.limits.MinGap - elapsed}
		}
	}

	if g.limits.DailyMaxGlobal > 0 && g.state.GlobalSent+weight > g.limits.DailyMaxGlobal {
		return Decision{Reason: ReasonDailyGlobal}
	}
	if g.limits.DailyMaxPerChat > 0 && dst != nil && dst.Sent+weight > g.limits.DailyMaxPerChat {
		return Decision{Reason: ReasonDailyChat}
	}

	cutoff := now.Add(-g.limits.BurstWindow).UnixMilli()
	g.state.GlobalBurst = pruneBurst(g.state.GlobalBurst, cutoff)
	if g.limits.BurstMaxGlobal > 0 && len(g.state.GlobalBurst)+weight > g.limits.BurstMaxGlobal {
		return Decision{Reason: ReasonBurstGlobal}
	}
	if dst != nil {
		dst.Burst = pruneBurst(dst.Burst, cutoff)
		if g.limits.BurstMaxPerChat > 0 && len(dst.Burst)+weight > g.limits.BurstMaxPerChat {
			return Decision{Reason: ReasonBurstChat}
		}
	}

	return Decision{OK: true}
}

// Commit records a confirmed send. Callers that bypass Check still must not
// call Commit unless the send went out, so bypassed traffic cannot corrupt
// the counters.
func (g *Governor) Commit(destination string, weight int) {
	if weight <= 0 {
		weight = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollover(now)

	dst := g.state.PerDestination[destination]
	if dst == nil {
		if len(g.state.PerDestination) >= g.limits.MaxTrackedChats {
			g.pruneDestinations()
		}
		dst = &destState{}
		g.state.PerDestination[destination] = dst
	}

	nowMs := now.UnixMilli()
	cutoff := now.Add(-g.limits.BurstWindow).UnixMilli()

	g.state.GlobalSent += weight
	g.state.GlobalBurst = append(pruneBurst(g.state.GlobalBurst, cutoff), nowMs)
	dst.Sent += weight
	dst.LastSentAt = nowMs
	dst.Burst = append(pruneBurst(dst.Burst, cutoff), nowMs)

	g.persist()
}

// Snapshot is a read-only view for status introspection.
type Snapshot struct {
	DateKey      string `json:"date_key"`
	GlobalSent   int    `json:"global_sent"`
	TrackedChats int    `json:"tracked_chats"`
}

func (g *Governor) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover(g.now())
	return Snapshot{
		DateKey:      g.state.DateKey,
		GlobalSent:   g.state.GlobalSent,
		TrackedChats: len(g.state.PerDestination),
	}
}

// rollover wipes all counters when the local calendar day changed. Caller
// holds the lock.
func (g *Governor) rollover(now time.Time) {
	key := now.Format("2006-01-02")
	if g.state.DateKey == key {
		return
	}
	g.state = persisted{
		DateKey:        key,
		PerDestination: make(map[string]*destState),
	}
}

// untilNextWindow returns the wait until the nearest window start. Caller
// holds the lock; only called when no window contains the current minute.
func (g *Governor) untilNextWindow(minute int) time.Duration {
	best := -1
	for _, w := range g.limits.Windows {
		delta := w.Start - minute
		if delta <= 0 {
			delta += 24 * 60
		}
		if best < 0 || delta < best {
			best = delta
		}
	}
	if best < 0 {
		return 0
	}
	return time.Duration(best) * time.Minute
}

// pruneDestinations drops the destinations with the oldest last send until
// under cap. Caller holds the lock.
func (g *Governor) pruneDestinations() {
	for len(g.state.PerDestination) >= g.limits.MaxTrackedChats {
		oldestID := ""
		var oldest int64
		for id, d := range g.state.PerDestination {
			if oldestID == "" || d.LastSentAt < oldest {
				oldestID = id
				oldest = d.LastSentAt
			}
		}
		delete(g.state.PerDestination, oldestID)
	}
}

func pruneBurst(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	return ts[i:]
}

func (g *Governor) load() {
	if g.kv == nil {
		return
	}
	var saved persisted
	ok, err := g.kv.Get(context.Background(), kvNamespace, "state", &saved)
	if err != nil {
		slog.Warn("governor state load failed", "error", err)
		return
	}
	if ok {
		if saved.PerDestination == nil {
			saved.PerDestination = make(map[string]*destState)
		}
		g.state = saved
	}
}

// persist is best effort. Losing this state skews counters by at most one
// process lifetime. Caller holds the lock.
func (g *Governor) persist() {
	if g.kv == nil {
		return
	}
	if err := g.kv.Set(context.Background(), kvNamespace, "state", g.state); err != nil {
		slog.Warn("governor state persist failed", "error", err)
	}
}
