package kernel

import (
	"sort"
	"sync"
)

// Event is something that happened to a kernel without being asked for.
type Event int

const (
	// EventRestart is fired after a kernel that died on its own was relaunched.
	EventRestart Event = iota

	// EventDead is fired when a kernel died on its own and was not relaunched. The kernel is Failed.
	EventDead
)

func (e Event) String() string {
	switch e {
	case EventRestart:
		return "restart"
	case EventDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Callback is called with the manager of the kernel an Event happened to. Callbacks run on the liveness monitor's
// goroutine, after the manager's lock was released, so they may call the manager.
type Callback func(km *KernelManager)

// CallbackId identifies a registered Callback.
type CallbackId uint64

type registeredCallback struct {
	event Event
	fn    Callback
}

// callbacks holds the callbacks of one kernel manager.
type callbacks struct {
	mu     sync.Mutex
	nextId CallbackId
	fns    map[CallbackId]registeredCallback
}

func (c *callbacks) add(event Event, fn Callback) CallbackId {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fns == nil {
		c.fns = make(map[CallbackId]registeredCallback)
	}

	c.nextId++
	c.fns[c.nextId] = registeredCallback{event: event, fn: fn}
	return c.nextId
}

func (c *callbacks) remove(id CallbackId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.fns[id]
	delete(c.fns, id)
	return ok
}

// forEvent returns the callbacks of event in registration order.
func (c *callbacks) forEvent(event Event) []Callback {
	c.mu.Lock()
	ids := make([]CallbackId, 0, len(c.fns))
	for id, rc := range c.fns {
		if rc.event == event {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]Callback, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.fns[id].fn)
	}
	c.mu.Unlock()

	return fns
}
