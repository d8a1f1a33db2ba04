package collection

import (
	"fmt"
	"sync"
)

// the sub-logic of one collection member. Opaque to the collection;
// selectors passed to `Pluck` and `Merge` may type assert it
type Entity any

type EntityType interface {
	// the type name scopes entity events (`<Name>-<identity>`)
	// and, lowercased, wraps request bodies
	Name() string
	New(sources *Sources) (Entity, error)
}

// the capability bundle handed to one entity
type Sources struct {
	Identity  Identity
	Scope     string
	State     *StateChannel
	Events    EventSource
	Scheduler Scheduler
}

// a named event source. Streams returned for the same name are shared
type EventSource interface {
	Events(name string) *Stream[any]
}

// produces event sources namespaced by scope,
// so that two entities never observe each other's events
type Capabilities interface {
	Scoped(scope string) EventSource
}

func ScopeOf(entityType EntityType, identity Identity) string {
	return fmt.Sprintf("%s-%s", entityType.Name(), identity)
}

// the per-entity state source.
// inbound carries server data into the entity (seed, confirm, push),
// edits carry the entity's own changes out. State is every snapshot of either.
// while the entity is temporary only the collection pushes inbound
type StateChannel struct {
	inbound *Stream[Descriptor]
	edits   *Stream[Descriptor]
	state   *Stream[Descriptor]
}

func NewStateChannel() *StateChannel {
	channel := &StateChannel{
		inbound: NewRememberStream[Descriptor](),
		edits:   NewStream[Descriptor](),
		state:   NewRememberStream[Descriptor](),
	}
	channel.inbound.Subscribe(channel.state.Next)
	channel.edits.Subscribe(channel.state.Next)
	return channel
}

// the inbound sink
func (self *StateChannel) Push(descriptor Descriptor) {
	self.inbound.Next(descriptor)
}

// forwards `source` into the inbound sink. Completion of `source` is ignored,
// the channel stays open for later pushes
func (self *StateChannel) Follow(source *Stream[Descriptor]) {
	source.Subscribe(self.inbound.Next)
}

func (self *StateChannel) Edit(descriptor Descriptor) {
	self.edits.Next(descriptor)
}

func (self *StateChannel) Inbound() *Stream[Descriptor] {
	return self.inbound
}

func (self *StateChannel) Edits() *Stream[Descriptor] {
	return self.edits
}

func (self *StateChannel) State() *Stream[Descriptor] {
	return self.state
}

// a running entity tagged with its identity
type Instance struct {
	stateLock sync.Mutex
	identity  Identity

	scope   string
	entity  Entity
	channel *StateChannel

	// loop only
	// the last settled edit while the identity was still temporary
	heldUpdate Descriptor
}

func (self *Instance) Identity() Identity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.identity
}

func (self *Instance) setIdentity(identity Identity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.identity = identity
}

func (self *Instance) Scope() string {
	return self.scope
}

func (self *Instance) Entity() Entity {
	return self.entity
}

func (self *Instance) Channel() *StateChannel {
	return self.channel
}

func (self *Instance) State() *Stream[Descriptor] {
	return self.channel.State()
}

func (self *Instance) String() string {
	return fmt.Sprintf("%s(%s)", self.scope, self.Identity())
}

// constructs the entity for `identity`. A constructor error or panic is returned to the caller
func instantiate(
	entityType EntityType,
	capabilities Capabilities,
	scheduler Scheduler,
	identity Identity,
	channel *StateChannel,
) (instance *Instance, returnErr error) {
	scope := ScopeOf(entityType, identity)

	var events EventSource
	if capabilities != nil {
		events = capabilities.Scoped(scope)
	} else {
		events = noEvents{}
	}

	sources := &Sources{
		Identity:  identity,
		Scope:     scope,
		State:     channel,
		Events:    events,
		Scheduler: scheduler,
	}

	var entity Entity
	HandleError(func() {
		entity, returnErr = entityType.New(sources)
	}, func(err error) {
		returnErr = err
	})
	if returnErr != nil {
		return nil, fmt.Errorf("instantiate %s: %w", scope, returnErr)
	}

	return &Instance{
		identity: identity,
		scope:    scope,
		entity:   entity,
		channel:  channel,
	}, nil
}

type noEvents struct{}

func (noEvents) Events(name string) *Stream[any] {
	return Never[any]()
}
