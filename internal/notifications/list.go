// Package notifications keeps the local notification list and mirrors
// read and delete actions to the data source.
package notifications

import (
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/portalsync/internal/metrics"
)

// Type is the category of a notification.
type Type string

const (
	TypeInfo        Type = "info"
	TypeSuccess     Type = "success"
	TypeWarning     Type = "warning"
	TypeError       Type = "error"
	TypeTransaction Type = "transaction"
	TypeInvestment  Type = "investment"
	TypeSystem      Type = "system"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeInfo, TypeSuccess, TypeWarning, TypeError, TypeTransaction, TypeInvestment, TypeSystem:
		return true
	}
	return false
}

// Notification is one server-pushed or polled event.
type Notification struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	IsRead    bool      `json:"isRead"`
	ActionURL string    `json:"actionUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// List is the local notification list, deduplicated by id.
type List struct {
	metrics *metrics.Metrics

	mu      sync.RWMutex
	items   map[string]Notification
	subs    map[int]func([]Notification, int)
	nextSub int
}

// NewList creates an empty list.
func NewList(m *metrics.Metrics) *List {
	return &List{
		metrics: metrics.OrDiscard(m),
		items:   make(map[string]Notification),
		subs:    make(map[int]func([]Notification, int)),
	}
}

// Apply merges ns into the list. A notification whose id is already held
// replaces the stored one. Entries without an id are dropped. It returns
// how many ids were new.
func (l *List) Apply(ns ...Notification) int {
	l.mu.Lock()
	added := mergeInto(l.items, l.items, ns)
	l.mu.Unlock()

	l.received(added)
	l.changed()
	return added
}

// Replace sets the list to exactly ns, as returned by a full poll. Readers
// see either the old list or the new one.
func (l *List) Replace(ns []Notification) {
	items := make(map[string]Notification, len(ns))

	l.mu.Lock()
	added := mergeInto(items, l.items, ns)
	l.items = items
	l.mu.Unlock()

	l.received(added)
	l.changed()
}

// mergeInto stores ns in dst and counts the ids absent from known.
func mergeInto(dst, known map[string]Notification, ns []Notification) int {
	added := 0
	for _, n := range ns {
		if n.ID == "" {
			continue
		}
		if !n.Type.Valid() {
			n.Type = TypeInfo
		}
		if _, ok := known[n.ID]; !ok {
			added++
		}
		dst[n.ID] = n
	}
	return added
}

func (l *List) received(n int) {
	if n > 0 {
		l.metrics.NotificationsReceived.Add(float64(n))
	}
}

// Items returns the notifications, newest first.
func (l *List) Items() []Notification {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedLocked()
}

func (l *List) sortedLocked() []Notification {
	out := make([]Notification, 0, len(l.items))
	for _, n := range l.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UnreadCount is the number of entries with IsRead false.
func (l *List) UnreadCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unreadLocked()
}

func (l *List) unreadLocked() int {
	n := 0
	for _, item := range l.items {
		if !item.IsRead {
			n++
		}
	}
	return n
}

// Get returns the notification with id.
func (l *List) Get(id string) (Notification, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.items[id]
	return n, ok
}

// SetRead sets the read flag of id and returns the previous value.
func (l *List) SetRead(id string, read bool) (was bool, ok bool) {
	l.mu.Lock()
	n, ok := l.items[id]
	if ok {
		was = n.IsRead
		n.IsRead = read
		l.items[id] = n
	}
	l.mu.Unlock()

	if ok && was != read {
		l.changed()
	}
	return was, ok
}

// MarkAllRead marks every entry read and returns the ids that changed.
func (l *List) MarkAllRead() []string {
	l.mu.Lock()
	var ids []string
	for id, n := range l.items {
		if !n.IsRead {
			n.IsRead = true
			l.items[id] = n
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	if len(ids) > 0 {
		l.changed()
	}
	return ids
}

// Remove deletes id and returns the removed entry.
func (l *List) Remove(id string) (Notification, bool) {
	l.mu.Lock()
	n, ok := l.items[id]
	delete(l.items, id)
	l.mu.Unlock()

	if ok {
		l.changed()
	}
	return n, ok
}

// Subscribe calls fn with the sorted list and unread count after every
// change.
func (l *List) Subscribe(fn func(items []Notification, unread int)) (unsubscribe func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

func (l *List) changed() {
	l.mu.RLock()
	items := l.sortedLocked()
	unread := l.unreadLocked()
	fns := make([]func([]Notification, int), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	l.metrics.UnreadNotifications.Set(float64(unread))
	for _, fn := range fns {
		fn(items, unread)
	}
}
