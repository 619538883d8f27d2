package relay

// ListenerKind enumerates the connection-level conditions callers can
// observe. Each kind has its own callback type.
type ListenerKind int

const (
	ListenerDisconnect ListenerKind = iota // func(error)
	ListenerError                          // func(error)
	ListenerNotice                         // func(string)
)

type listeners struct {
	disconnect map[uint64]func(error)
	err        map[uint64]func(error)
	notice     map[uint64]func(string)
}

// OnDisconnect registers fn to run once when the connection goes away.
// The returned func unregisters it.
func (c *Connection) OnDisconnect(fn func(error)) (remove func()) {
	return c.addListener(ListenerDisconnect, fn, nil)
}

// OnError registers fn for transport errors not initiated by Close.
func (c *Connection) OnError(fn func(error)) (remove func()) {
	return c.addListener(ListenerError, fn, nil)
}

// OnNotice registers fn for every NOTICE, relevant or not.
func (c *Connection) OnNotice(fn func(string)) (remove func()) {
	return c.addListener(ListenerNotice, nil, fn)
}

func (c *Connection) addListener(kind ListenerKind, errFn func(error), msgFn func(string)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextListen++
	id := c.nextListen
	switch kind {
	case ListenerDisconnect:
		if c.listeners.disconnect == nil {
			c.listeners.disconnect = make(map[uint64]func(error))
		}
		c.listeners.disconnect[id] = errFn
	case ListenerError:
		if c.listeners.err == nil {
			c.listeners.err = make(map[uint64]func(error))
		}
		c.listeners.err[id] = errFn
	case ListenerNotice:
		if c.listeners.notice == nil {
			c.listeners.notice = make(map[uint64]func(string))
		}
		c.listeners.notice[id] = msgFn
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch kind {
		case ListenerDisconnect:
			delete(c.listeners.disconnect, id)
		case ListenerError:
			delete(c.listeners.err, id)
		case ListenerNotice:
			delete(c.listeners.notice, id)
		}
	}
}

func (c *Connection) snapshotDisconnect() []func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(error), 0, len(c.listeners.disconnect))
	for _, fn := range c.listeners.disconnect {
		out = append(out, fn)
	}
	return out
}

func (c *Connection) snapshotError() []func(error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(error), 0, len(c.listeners.err))
	for _, fn := range c.listeners.err {
		out = append(out, fn)
	}
	return out
}

func (c *Connection) snapshotNotice() []func(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(string), 0, len(c.listeners.notice))
	for _, fn := range c.listeners.notice {
		out = append(out, fn)
	}
	return out
}
