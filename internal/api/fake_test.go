package api

import (
	"context"
	"sync"

	"github.com/nikicat/sync-menu/internal/indicator"
)

// fakeProvider implements SourceProvider for tests.
type fakeProvider struct {
	mu        sync.Mutex
	sources   []indicator.Source
	history   []indicator.Event
	observers map[indicator.Observer]struct{}
	pauses    []PauseRequest
	pauseErr  error
}

func newFakeProvider(sources ...indicator.Source) *fakeProvider {
	return &fakeProvider{
		sources:   sources,
		observers: make(map[indicator.Observer]struct{}),
	}
}

func (f *fakeProvider) Name() string { return "com.canonical.indicator.sync" }

func (f *fakeProvider) Sources() []indicator.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]indicator.Source(nil), f.sources...)
}

func (f *fakeProvider) History() []indicator.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]indicator.Event(nil), f.history...)
}

func (f *fakeProvider) SetPaused(_ context.Context, id string, paused bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pauseErr != nil {
		return f.pauseErr
	}
	for _, src := range f.sources {
		if src.ID == id {
			f.pauses = append(f.pauses, PauseRequest{ID: id, Paused: paused})
			return nil
		}
	}
	return indicator.ErrNotFound
}

func (f *fakeProvider) Subscribe(o indicator.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers[o] = struct{}{}
}

func (f *fakeProvider) Unsubscribe(o indicator.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.observers, o)
}

func (f *fakeProvider) observerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeProvider) emit(e indicator.Event) {
	f.mu.Lock()
	observers := make([]indicator.Observer, 0, len(f.observers))
	for o := range f.observers {
		observers = append(observers, o)
	}
	f.mu.Unlock()
	for _, o := range observers {
		o.OnEvent(e)
	}
}
