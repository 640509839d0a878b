package storage

// ChangeKind is the kind of mutation announced to subscribers.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Entity names the table a change applies to.
type Entity string

const (
	EntityMessage          Entity = "message"
	EntityConversationMeta Entity = "conversation_meta"
	EntityMessageMeta      Entity = "message_meta"
	EntityContact          Entity = "contact"
)

// Change describes one committed mutation.
type Change struct {
	Kind   ChangeKind
	Entity Entity
	Key    string
}

// Subscribe registers a change listener. Events are dropped for a subscriber
// whose buffer is full; writers never block on slow readers. The returned
// cancel func unregisters and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (s *Store) publish(changes ...Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, change := range changes {
		for _, ch := range s.subscribers {
			select {
			case ch <- change:
			default:
			}
		}
	}
}

func (s *Store) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
}
