package service

// UIStore holds view state shared across screens. It is owned by the app and
// handed to whoever needs it.
type UIStore struct {
	loop        *Loop
	dockOpen    bool
	subscribers map[int]func(bool)
	nextSubID   int
}

func NewUIStore(loop *Loop) *UIStore {
	return &UIStore{loop: loop, subscribers: map[int]func(bool){}}
}

func (s *UIStore) DockOpen() bool {
	var open bool
	s.loop.Do(func() { open = s.dockOpen })
	return open
}

func (s *UIStore) SetDockOpen(open bool) {
	s.loop.Do(func() { s.setDockOpen(open) })
}

// ToggleDock flips the dock and returns the new value.
func (s *UIStore) ToggleDock() bool {
	var open bool
	s.loop.Do(func() {
		s.setDockOpen(!s.dockOpen)
		open = s.dockOpen
	})
	return open
}

func (s *UIStore) Subscribe(fn func(bool)) func() {
	var id int
	s.loop.Do(func() {
		s.nextSubID++
		id = s.nextSubID
		s.subscribers[id] = fn
	})
	return func() {
		s.loop.Post(func() { delete(s.subscribers, id) })
	}
}

func (s *UIStore) setDockOpen(open bool) {
	if s.dockOpen == open {
		return
	}
	s.dockOpen = open
	for _, fn := range s.subscribers {
		fn(open)
	}
}
