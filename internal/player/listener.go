package player

import "sync"

// Listener receives player notifications. Calls happen synchronously on the goroutine that
// caused the change, never while the player's lock is held.
type Listener interface {
	OnMediaStatusChanged(status MediaStatus)
	OnPlaybackStateChanged(state PlaybackState)
	OnError(code ErrorCode, message string)
}

// ListenerFuncs adapts plain functions to Listener; nil fields are skipped
type ListenerFuncs struct {
	MediaStatusChanged   func(MediaStatus)
	PlaybackStateChanged func(PlaybackState)
	Error                func(ErrorCode, string)
}

func (f ListenerFuncs) OnMediaStatusChanged(s MediaStatus) {
	if f.MediaStatusChanged != nil {
		f.MediaStatusChanged(s)
	}
}

func (f ListenerFuncs) OnPlaybackStateChanged(s PlaybackState) {
	if f.PlaybackStateChanged != nil {
		f.PlaybackStateChanged(s)
	}
}

func (f ListenerFuncs) OnError(code ErrorCode, message string) {
	if f.Error != nil {
		f.Error(code, message)
	}
}

// ListenerID identifies a registration for RemoveListener
type ListenerID uint64

type listeners struct {
	mu   sync.RWMutex
	next ListenerID
	subs map[ListenerID]Listener
	ids  []ListenerID // registration order
}

func (l *listeners) add(lst Listener) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		l.subs = make(map[ListenerID]Listener)
	}
	l.next++
	l.subs[l.next] = lst
	l.ids = append(l.ids, l.next)
	return l.next
}

func (l *listeners) remove(id ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[id]; !ok {
		return
	}
	delete(l.subs, id)
	for i, v := range l.ids {
		if v == id {
			l.ids = append(l.ids[:i], l.ids[i+1:]...)
			break
		}
	}
}

func (l *listeners) snapshot() []Listener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Listener, 0, len(l.ids))
	for _, id := range l.ids {
		out = append(out, l.subs[id])
	}
	return out
}

type eventKind int

const (
	statusEvent eventKind = iota
	stateEvent
	errorEvent
)

type event struct {
	kind   eventKind
	status MediaStatus
	state  PlaybackState
	code   ErrorCode
	msg    string
}

// events collects notifications while the player lock is held
type events []event

func (e *events) status(s MediaStatus) {
	*e = append(*e, event{kind: statusEvent, status: s})
}

func (e *events) state(s PlaybackState) {
	*e = append(*e, event{kind: stateEvent, state: s})
}

func (e *events) err(code ErrorCode, msg string) {
	*e = append(*e, event{kind: errorEvent, code: code, msg: msg})
}

func (l *listeners) dispatch(evs events) {
	if len(evs) == 0 {
		return
	}
	subs := l.snapshot()
	for _, ev := range evs {
		for _, s := range subs {
			switch ev.kind {
			case statusEvent:
				s.OnMediaStatusChanged(ev.status)
			case stateEvent:
				s.OnPlaybackStateChanged(ev.state)
			case errorEvent:
				s.OnError(ev.code, ev.msg)
			}
		}
	}
}
