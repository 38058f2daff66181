package subs

import (
	"fmt"
	"sort"
	"sync"

	"stomprelay.com/internal/relay/conn"
	"stomprelay.com/pkg/xerr"
)

// Subscriber is one (connection, subscription id) pair of a topic.
type Subscriber struct {
	Conn  conn.ID
	SubID string
}

type Stats struct {
	Topics        int `json:"topics"`
	Subscriptions int `json:"subscriptions"`
	Bound         int `json:"bound"`
}

// Table maps topics to subscribers and connections to their private
// address. Reads take the read lock, mutations the write lock; fan-out works
// on copies so a concurrent removal never disturbs an iteration.
type Table struct {
	replyDest  string
	userSuffix string

	mu      sync.RWMutex
	topics  map[string]map[conn.ID]string   // topic -> conn -> subID
	owned   map[conn.ID]map[string]struct{} // conn -> topics，断开时 O(k) 清理
	private map[conn.ID]string              // conn -> private address
	owners  map[string]conn.ID              // private address -> conn
}

// NewTable builds a table whose private addresses look like
// <replyDest><userSuffix><conn id>, e.g. /reply-user3f2c...
func NewTable(replyDest, userSuffix string) *Table {
	if replyDest == "" {
		replyDest = "/reply"
	}
	if userSuffix == "" {
		userSuffix = "-user"
	}
	return &Table{
		replyDest:  replyDest,
		userSuffix: userSuffix,
		topics:     make(map[string]map[conn.ID]string, 64),
		owned:      make(map[conn.ID]map[string]struct{}, 1024),
		private:    make(map[conn.ID]string, 1024),
		owners:     make(map[string]conn.ID, 1024),
	}
}

// Bind establishes id's private address. Binding twice returns the same
// address.
func (t *Table) Bind(id conn.ID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if addr, ok := t.private[id]; ok {
		return addr
	}
	addr := t.replyDest + t.userSuffix + string(id)
	t.private[id] = addr
	t.owners[addr] = id
	return addr
}

func (t *Table) PrivateAddressOf(id conn.ID) (string, error) {
	t.mu.RLock()
	addr, ok := t.private[id]
	t.mu.RUnlock()
	if !ok {
		return "", xerr.Wrap(xerr.ErrConnectionNotFound, xerr.ConnectionNotFound, fmt.Sprintf("no private address for %s", id))
	}
	return addr, nil
}

// PrivateTarget resolves id's private address to a single subscriber. SubID
// is empty unless the connection explicitly subscribed to its reply
// destination.
func (t *Table) PrivateTarget(id conn.ID) (string, Subscriber, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.private[id]
	if !ok {
		return "", Subscriber{}, xerr.Wrap(xerr.ErrConnectionNotFound, xerr.ConnectionNotFound, fmt.Sprintf("no private address for %s", id))
	}
	return addr, Subscriber{Conn: id, SubID: t.topics[addr][id]}, nil
}

// IsPrivate reports whether topic is any connection's private address.
func (t *Table) IsPrivate(topic string) bool {
	t.mu.RLock()
	_, ok := t.owners[topic]
	t.mu.RUnlock()
	return ok
}

// Subscribe adds id to topic. Subscribing again is a no-op that keeps the
// first subscription id and reports added=false. Only the owner may subscribe
// to a private address, and only bound connections may subscribe at all.
func (t *Table) Subscribe(id conn.ID, topic, subID string) (added bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.private[id]; !ok {
		return false, xerr.Wrap(xerr.ErrConnectionNotFound, xerr.ConnectionNotFound, fmt.Sprintf("subscribe %s: conn %s not bound", topic, id))
	}
	if owner, ok := t.owners[topic]; ok && owner != id {
		return false, xerr.Wrap(xerr.ErrPrivateAddress, xerr.PrivateAddress, topic)
	}

	set := t.topics[topic]
	if set == nil {
		set = make(map[conn.ID]string, 16)
		t.topics[topic] = set
	}
	if _, ok := set[id]; ok {
		return false, nil
	}
	set[id] = subID

	own := t.owned[id]
	if own == nil {
		own = make(map[string]struct{}, 4)
		t.owned[id] = own
	}
	own[topic] = struct{}{}
	return true, nil
}

// SetSubID re-points id's subscription on topic to subID. The session uses it
// when a client drops one of several ids it holds on the same topic.
func (t *Table) SetSubID(id conn.ID, topic, subID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.topics[topic]
	if _, ok := set[id]; !ok {
		return xerr.Wrap(xerr.ErrSubscriptionNotFound, xerr.SubscriptionNotFound, fmt.Sprintf("%s on %s", id, topic))
	}
	set[id] = subID
	return nil
}

// Unsubscribe removes id from topic. Removing a subscription that does not
// exist changes nothing and returns ErrSubscriptionNotFound.
func (t *Table) Unsubscribe(id conn.ID, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := t.topics[topic]
	if _, ok := set[id]; !ok {
		return xerr.Wrap(xerr.ErrSubscriptionNotFound, xerr.SubscriptionNotFound, fmt.Sprintf("%s on %s", id, topic))
	}
	t.removeLocked(id, topic)
	return nil
}

func (t *Table) removeLocked(id conn.ID, topic string) {
	if set := t.topics[topic]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(t.topics, topic)
		}
	}
	if own := t.owned[id]; own != nil {
		delete(own, topic)
		if len(own) == 0 {
			delete(t.owned, id)
		}
	}
}

// SubscribersOf returns a snapshot of topic's subscribers.
func (t *Table) SubscribersOf(topic string) []Subscriber {
	t.mu.RLock()
	set := t.topics[topic]
	out := make([]Subscriber, 0, len(set))
	for id, subID := range set {
		out = append(out, Subscriber{Conn: id, SubID: subID})
	}
	t.mu.RUnlock()
	return out
}

// SubscriptionsOf lists the topics id is subscribed to, sorted.
func (t *Table) SubscriptionsOf(id conn.ID) []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.owned[id]))
	for topic := range t.owned[id] {
		out = append(out, topic)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RemoveConn drops every subscription of id and its private address. It
// returns the number of subscriptions removed and is safe to repeat.
func (t *Table) RemoveConn(id conn.ID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for topic := range t.owned[id] {
		t.removeLocked(id, topic)
		n++
	}
	delete(t.owned, id)
	if addr, ok := t.private[id]; ok {
		delete(t.owners, addr)
		delete(t.private, id)
	}
	return n
}

func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := Stats{Topics: len(t.topics), Bound: len(t.private)}
	for _, set := range t.topics {
		st.Subscriptions += len(set)
	}
	return st
}

// TopicCounts returns subscriber counts per topic, private addresses
// excluded.
func (t *Table) TopicCounts() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]int, len(t.topics))
	for topic, set := range t.topics {
		if _, private := t.owners[topic]; private {
			continue
		}
		out[topic] = len(set)
	}
	return out
}
