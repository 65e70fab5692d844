package quotecast

import (
	"sort"
	"strings"
	"sync"

	"github.com/alanyoungcy/quotecast/internal/domain"
)

// Pair is one subscribed (instrument, metric) combination.
type Pair struct {
	Instrument string
	Metric     string
}

// Name is the upstream spelling of the pair, e.g. "AAPL.BATS,E.LastPrice".
func (p Pair) Name() string {
	return p.Instrument + "." + p.Metric
}

// parsePair splits an upstream name at its last dot; instrument ids may
// themselves contain dots.
func parsePair(name string) (Pair, bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return Pair{}, false
	}
	return Pair{Instrument: name[:i], Metric: name[i+1:]}, true
}

// Delta is a wire-level subscription change.
type Delta struct {
	Add    []Pair
	Remove []Pair
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0
}

// ControlData renders the delta as the upstream control string,
// e.g. "a_req(X.LastPrice);a_rel(X.BidPrice);".
func (d Delta) ControlData() string {
	var b strings.Builder
	for _, p := range d.Add {
		b.WriteString("a_req(")
		b.WriteString(p.Name())
		b.WriteString(");")
	}
	for _, p := range d.Remove {
		b.WriteString("a_rel(")
		b.WriteString(p.Name())
		b.WriteString(");")
	}
	return b.String()
}

// Ledger tracks the desired subscription set and the set last sent
// upstream. Add and Remove never touch the wire; DrainDelta hands out the
// difference exactly once.
type Ledger struct {
	mu      sync.Mutex
	desired map[Pair]struct{}
	sent    map[Pair]struct{}
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		desired: make(map[Pair]struct{}),
		sent:    make(map[Pair]struct{}),
	}
}

// Add marks metrics of instrument as wanted.
func (l *Ledger) Add(instrument string, metrics ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range metrics {
		if instrument == "" || m == "" {
			continue
		}
		l.desired[Pair{Instrument: instrument, Metric: m}] = struct{}{}
	}
}

// Remove marks metrics of instrument as no longer wanted.
func (l *Ledger) Remove(instrument string, metrics ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range metrics {
		delete(l.desired, Pair{Instrument: instrument, Metric: m})
	}
}

// Apply records a subscription request. Subscriptions are applied before
// unsubscriptions, so a pair named in both ends up removed.
func (l *Ledger) Apply(req domain.SubscriptionRequest) {
	for id, metrics := range req.Subscriptions {
		l.Add(id, metrics...)
	}
	for id, metrics := range req.Unsubscriptions {
		l.Remove(id, metrics...)
	}
}

// DrainDelta returns the net change since the previous drain and marks it
// as sent.
func (l *Ledger) DrainDelta() Delta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drainLocked()
}

// Replay forgets what was sent and returns the whole desired set. Used
// after the upstream session was replaced.
func (l *Ledger) Replay() Delta {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = make(map[Pair]struct{})
	return l.drainLocked()
}

// Revert undoes a drained delta that never reached the upstream, so the
// next drain hands it out again.
func (l *Ledger) Revert(d Delta) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range d.Add {
		delete(l.sent, p)
	}
	for _, p := range d.Remove {
		l.sent[p] = struct{}{}
	}
}

// Invalidate forgets what was sent without touching the desired set.
func (l *Ledger) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = make(map[Pair]struct{})
}

// Reset drops all state.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.desired = make(map[Pair]struct{})
	l.sent = make(map[Pair]struct{})
}

// Len returns the number of desired pairs.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.desired)
}

// Snapshot returns the desired set grouped by instrument, metrics sorted.
func (l *Ledger) Snapshot() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string][]string)
	for p := range l.desired {
		out[p.Instrument] = append(out[p.Instrument], p.Metric)
	}
	for _, metrics := range out {
		sort.Strings(metrics)
	}
	return out
}

func (l *Ledger) drainLocked() Delta {
	var d Delta
	for p := range l.desired {
		if _, ok := l.sent[p]; !ok {
			d.Add = append(d.Add, p)
		}
	}
	for p := range l.sent {
		if _, ok := l.desired[p]; !ok {
			d.Remove = append(d.Remove, p)
		}
	}
	sortPairs(d.Add)
	sortPairs(d.Remove)

	l.sent = make(map[Pair]struct{}, len(l.desired))
	for p := range l.desired {
		l.sent[p] = struct{}{}
	}
	return d
}

func sortPairs(ps []Pair) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Instrument != ps[j].Instrument {
			return ps[i].Instrument < ps[j].Instrument
		}
		return ps[i].Metric < ps[j].Metric
	})
}
