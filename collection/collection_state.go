package collection

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// the aggregate state of one collection.
// a state value is never mutated after it is committed; each transition builds new
// slices and maps (copy on write), so a snapshot handed out stays consistent
type CollectionState struct {
	// server index order, then local add order
	Items []*Instance
	// temporary identity -> inbound sink, only for entities not yet confirmed
	Pending map[Identity]*StateChannel
	// permanent identity -> instance
	Confirmed map[Identity]*Instance
}

func emptyCollectionState() *CollectionState {
	return &CollectionState{
		Items:     []*Instance{},
		Pending:   map[Identity]*StateChannel{},
		Confirmed: map[Identity]*Instance{},
	}
}

func (self *CollectionState) Len() int {
	return len(self.Items)
}

func (self *CollectionState) Contains(identity Identity) bool {
	if identity.IsTemporary() {
		_, ok := self.Pending[identity]
		return ok
	}
	_, ok := self.Confirmed[identity]
	return ok
}

func (self *CollectionState) Identities() []Identity {
	identities := make([]Identity, 0, len(self.Items))
	for _, instance := range self.Items {
		identities = append(identities, instance.Identity())
	}
	return identities
}

// the instance that currently holds `identity`, if any
func (self *CollectionState) find(identity Identity) (*Instance, bool) {
	if !identity.IsTemporary() {
		instance, ok := self.Confirmed[identity]
		return instance, ok
	}
	if _, ok := self.Pending[identity]; !ok {
		return nil, false
	}
	for _, instance := range self.Items {
		if instance.Identity() == identity {
			return instance, true
		}
	}
	return nil, false
}

func (self *CollectionState) copy() *CollectionState {
	return &CollectionState{
		Items:     slices.Clone(self.Items),
		Pending:   maps.Clone(self.Pending),
		Confirmed: maps.Clone(self.Confirmed),
	}
}

// a described transition of `CollectionState`
type Reduction interface {
	apply(env *reducer, state *CollectionState) *transition
}

// the result of applying one reduction.
// the effects are carried out by the collection after the state is committed
type transition struct {
	state       *CollectionState
	diagnostics []*Diagnostic
	added       []*Instance
	confirmed   []*confirmation
}

type confirmation struct {
	instance   *Instance
	channel    *StateChannel
	from       Identity
	to         Identity
	descriptor Descriptor
}

func unchanged(state *CollectionState, diagnostics ...*Diagnostic) *transition {
	return &transition{
		state:       state,
		diagnostics: diagnostics,
	}
}

// what a reduction may depend on besides the state.
// supplied once at collection construction, never per reduction
type reducer struct {
	entityType   EntityType
	capabilities Capabilities
	scheduler    Scheduler
	idField      string
	tempIdField  string
}

// applies `reduction`, recovering a panic as a diagnostic with the state unchanged
func (self *reducer) reduce(state *CollectionState, reduction Reduction) (t *transition) {
	HandleError(func() {
		t = reduction.apply(self, state)
	}, func(err error) {
		t = unchanged(state, &Diagnostic{
			Kind:  DiagnosticReduction,
			Err:   fmt.Errorf("%T: %w", reduction, err),
			Fatal: true,
		})
	})
	return
}

// seed the collection from the index response
type SeedReduction struct {
	Descriptors []Descriptor
}

func (self *SeedReduction) apply(env *reducer, state *CollectionState) *transition {
	t := &transition{
		state: state,
	}
	for _, descriptor := range self.Descriptors {
		env.insert(t, descriptor)
	}
	return t
}

// one seed insert. A descriptor that cannot be inserted is skipped with a diagnostic
func (self *reducer) insert(t *transition, descriptor Descriptor) {
	identity, err := descriptor.Identity(self.idField)
	if err != nil {
		t.diagnostics = append(t.diagnostics, &Diagnostic{
			Kind: DiagnosticMissingIdentity,
			Err:  fmt.Errorf("seed %s: %w", descriptor, err),
		})
		return
	}
	if t.state.Contains(identity) {
		t.diagnostics = append(t.diagnostics, &Diagnostic{
			Kind:     DiagnosticDuplicateIdentity,
			Identity: identity,
			Err:      ErrDuplicateIdentity,
		})
		return
	}

	channel := NewStateChannel()
	channel.Push(descriptor)
	instance, err := instantiate(self.entityType, self.capabilities, self.scheduler, identity, channel)
	if err != nil {
		t.diagnostics = append(t.diagnostics, &Diagnostic{
			Kind:     DiagnosticInstantiation,
			Identity: identity,
			Err:      err,
			Fatal:    true,
		})
		return
	}

	next := t.state.copy()
	next.Items = append(next.Items, instance)
	next.Confirmed[identity] = instance
	t.state = next
	t.added = append(t.added, instance)
}

// append a locally created entity under its temporary identity
type AddLocalReduction struct {
	Identity Identity
	State    *Stream[Descriptor]
}

func (self *AddLocalReduction) apply(env *reducer, state *CollectionState) *transition {
	if !self.Identity.IsTemporary() {
		return unchanged(state, &Diagnostic{
			Kind:     DiagnosticUnknownCorrelation,
			Identity: self.Identity,
			Err:      fmt.Errorf("add with a permanent identity"),
			Fatal:    true,
		})
	}
	if state.Contains(self.Identity) {
		return unchanged(state, &Diagnostic{
			Kind:     DiagnosticDuplicateIdentity,
			Identity: self.Identity,
			Err:      ErrDuplicateIdentity,
			Fatal:    true,
		})
	}

	channel := NewStateChannel()
	instance, err := instantiate(env.entityType, env.capabilities, env.scheduler, self.Identity, channel)
	if err != nil {
		return unchanged(state, &Diagnostic{
			Kind:     DiagnosticInstantiation,
			Identity: self.Identity,
			Err:      err,
			Fatal:    true,
		})
	}

	// the local fields carry the temporary id, so views can tell unconfirmed entities apart
	tempId := self.Identity.String()
	channel.Follow(Map(self.State, func(descriptor Descriptor) Descriptor {
		return descriptor.With(Descriptor{
			env.tempIdField: tempId,
		})
	}))

	next := state.copy()
	next.Items = append(next.Items, instance)
	next.Pending[self.Identity] = channel
	return &transition{
		state: next,
		added: []*Instance{instance},
	}
}

// re-key a pending entity under the permanent identity the server assigned
type ConfirmCreateReduction struct {
	Identity  Identity
	Confirmed Descriptor
}

func (self *ConfirmCreateReduction) apply(env *reducer, state *CollectionState) *transition {
	channel, ok := state.Pending[self.Identity]
	if !ok {
		return unchanged(state, &Diagnostic{
			Kind:     DiagnosticUnknownCorrelation,
			Identity: self.Identity,
			Err:      ErrUnknownCorrelation,
		})
	}
	instance, ok := state.find(self.Identity)
	if !ok {
		return unchanged(state, &Diagnostic{
			Kind:     DiagnosticUnknownCorrelation,
			Identity: self.Identity,
			Err:      fmt.Errorf("%w: pending entity is not in the item list", ErrUnknownCorrelation),
		})
	}

	permanent, err := self.Confirmed.Identity(env.idField)
	if err != nil {
		return unchanged(state, &Diagnostic{
			Kind:     DiagnosticMissingIdentity,
			Identity: self.Identity,
			Err:      fmt.Errorf("confirm: %w", err),
		})
	}
	if state.Contains(permanent) {
		return unchanged(state, &Diagnostic{
			Kind:     DiagnosticDuplicateIdentity,
			Identity: permanent,
			Err:      fmt.Errorf("confirm %s: %w", self.Identity, ErrDuplicateIdentity),
		})
	}

	next := state.copy()
	delete(next.Pending, self.Identity)
	next.Confirmed[permanent] = instance
	return &transition{
		state: next,
		confirmed: []*confirmation{
			&confirmation{
				instance:   instance,
				channel:    channel,
				from:       self.Identity,
				to:         permanent,
				descriptor: self.Confirmed,
			},
		},
	}
}
