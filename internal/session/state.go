package session

import (
	"sync"
	"time"
)

// State фаза жизненного цикла сессии синхронизации
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateSyncing
	StateWaiting
	StateError
	StateClosed
)

// String возвращает имя состояния для логов и подписчиков
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSyncing:
		return "syncing"
	case StateWaiting:
		return "waiting"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Имена событий сессии
const (
	EventPeerJoined   = "peer:joined"
	EventSyncStart    = "sync:start"
	EventSyncComplete = "sync:complete"
	EventSyncError    = "sync:error"
)

// Stats итоги одного цикла синхронизации
type Stats struct {
	Pushed    int
	Pulled    int
	Conflicts int
}

// Event событие жизненного цикла сессии
type Event struct {
	Err   error
	Stats *Stats
	Name  string
	Time  time.Time
}

// StateFeed раздает изменения состояния. Новый подписчик сразу
// получает последнее состояние: поздняя подписка не теряет текущую фазу.
type StateFeed struct {
	subs   map[int]chan State
	latest State
	nextID int
	primed bool
	mu     sync.Mutex
}

// NewStateFeed создает feed состояний
func NewStateFeed() *StateFeed {
	return &StateFeed{subs: make(map[int]chan State)}
}

// Subscribe возвращает канал состояний и функцию отписки.
// Медленный подписчик пропускает промежуточные состояния, но всегда
// получит более позднее: канал буферизован и отправка не блокирует.
func (f *StateFeed) Subscribe() (<-chan State, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan State, 8)
	if f.primed {
		ch <- f.latest
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// Publish рассылает новое состояние
func (f *StateFeed) Publish(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.latest = s
	f.primed = true
	for _, ch := range f.subs {
		select {
		case ch <- s:
		default:
			// Переполненный подписчик получит следующее состояние
		}
	}
}

// EventFeed раздает события без replay: подписчик видит только то,
// что случилось после подписки.
type EventFeed struct {
	subs   map[int]chan Event
	nextID int
	mu     sync.Mutex
}

// NewEventFeed создает feed событий
func NewEventFeed() *EventFeed {
	return &EventFeed{subs: make(map[int]chan Event)}
}

// Subscribe возвращает канал событий и функцию отписки
func (f *EventFeed) Subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, 16)
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
}

// Publish рассылает событие подписчикам
func (f *EventFeed) Publish(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
