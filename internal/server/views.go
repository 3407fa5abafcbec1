package server

import (
	"errors"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/coordination/explorer/internal/filter"
)

const (
	viewIdentifierPrefix = "view-"
	viewNotFoundMessage  = "view not found"
)

var errViewNotFound = errors.New(viewNotFoundMessage)

// viewRecord is the per-client exploration state: the filter form values and the
// pointer interaction. Both are replaced as whole values.
type viewRecord struct {
	identifier  string
	state       filter.State
	interaction filter.Interaction
	generation  uint64
}

// viewSnapshot copies a view for serialization and resolution.
type viewSnapshot struct {
	Identifier  string
	State       filter.State
	Interaction filter.Interaction
}

// viewTracker holds every open view.
type viewTracker struct {
	mutex              sync.Mutex
	views              map[string]*viewRecord
	generateIdentifier func() (string, error)
}

// newViewTracker constructs a tracker with empty state.
func newViewTracker(generateIdentifier func() (string, error)) *viewTracker {
	if generateIdentifier == nil {
		generateIdentifier = func() (string, error) { return gonanoid.New() }
	}
	return &viewTracker{views: make(map[string]*viewRecord), generateIdentifier: generateIdentifier}
}

// CreateView registers a view with default filter state.
func (tracker *viewTracker) CreateView(generation uint64) (viewSnapshot, error) {
	suffix, err := tracker.generateIdentifier()
	if err != nil {
		return viewSnapshot{}, err
	}
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	record := &viewRecord{
		identifier: viewIdentifierPrefix + suffix,
		state:      filter.DefaultState(),
		generation: generation,
	}
	tracker.views[record.identifier] = record
	return record.snapshot(), nil
}

// ViewSnapshot returns the view state as seen by job generation. Interactions recorded
// against an earlier job refer to elements that no longer exist and are dropped.
func (tracker *viewTracker) ViewSnapshot(identifier string, generation uint64) (viewSnapshot, bool) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	record, exists := tracker.views[identifier]
	if !exists {
		return viewSnapshot{}, false
	}
	record.sync(generation)
	return record.snapshot(), true
}

// ReplaceState swaps the filter state atomically. A new filter clears selections.
func (tracker *viewTracker) ReplaceState(identifier string, generation uint64, state filter.State) (viewSnapshot, error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	record, exists := tracker.views[identifier]
	if !exists {
		return viewSnapshot{}, errViewNotFound
	}
	record.sync(generation)
	record.state = state
	record.interaction = record.interaction.ClearSelection()
	return record.snapshot(), nil
}

// ApplyInteraction runs transition against the current interaction and stores the result.
func (tracker *viewTracker) ApplyInteraction(identifier string, generation uint64, transition func(filter.Interaction) (filter.Interaction, error)) (viewSnapshot, error) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	record, exists := tracker.views[identifier]
	if !exists {
		return viewSnapshot{}, errViewNotFound
	}
	record.sync(generation)
	next, err := transition(record.interaction)
	if err != nil {
		return record.snapshot(), err
	}
	record.interaction = next
	return record.snapshot(), nil
}

// DeleteView forgets a view.
func (tracker *viewTracker) DeleteView(identifier string) bool {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()

	if _, exists := tracker.views[identifier]; !exists {
		return false
	}
	delete(tracker.views, identifier)
	return true
}

func (record *viewRecord) sync(generation uint64) {
	if record.generation != generation {
		record.generation = generation
		record.interaction = filter.Interaction{}
	}
}

func (record *viewRecord) snapshot() viewSnapshot {
	return viewSnapshot{
		Identifier:  record.identifier,
		State:       record.state,
		Interaction: record.interaction,
	}
}
