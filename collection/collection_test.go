package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type noteFixture struct {
	scheduler   *VirtualScheduler
	bus         *EventBus
	collection  *Collection
	requests    []*Request
	requestedAt []time.Duration
	diagnostics []*Diagnostic
}

func newNoteFixture() *noteFixture {
	return newNoteFixtureWithType(NewRecordType("Note"))
}

func newNoteFixtureWithType(entityType EntityType) *noteFixture {
	scheduler := NewVirtualScheduler()
	bus := NewEventBus(scheduler)
	// temporary ids start at temp-0 for each fixture
	settings := DefaultCollectionSettings()
	settings.TempIds = NewTempIdAllocator()
	f := &noteFixture{
		scheduler:  scheduler,
		bus:        bus,
		collection: NewCollection(context.Background(), scheduler, entityType, bus, "/notes", settings),
	}
	f.collection.Requests().Subscribe(func(request *Request) {
		f.requests = append(f.requests, request)
		f.requestedAt = append(f.requestedAt, scheduler.Elapsed())
	})
	f.collection.Diagnostics().Subscribe(func(diagnostic *Diagnostic) {
		f.diagnostics = append(f.diagnostics, diagnostic)
	})
	return f
}

func (self *noteFixture) respond(request *Request, body string) {
	self.collection.HandleResponse(&Response{
		Request:    request,
		StatusCode: 200,
		Body:       []byte(body),
	})
}

func (self *noteFixture) seed(body string) {
	self.collection.Start()
	self.respond(self.requests[0], body)
}

func (self *noteFixture) requestsOf(category RequestCategory) []*Request {
	requests := []*Request{}
	for _, request := range self.requests {
		if request.Category == category {
			requests = append(requests, request)
		}
	}
	return requests
}

func (self *noteFixture) items() []*Instance {
	items, _ := self.collection.Items().Last()
	return items
}

func (self *noteFixture) identities() []Identity {
	identities := []Identity{}
	for _, instance := range self.items() {
		identities = append(identities, instance.Identity())
	}
	return identities
}

func (self *noteFixture) change(identity Identity, fields Descriptor) {
	self.bus.Emit(fmt.Sprintf("Note-%s", identity), DefaultChangeEvent, fields)
}

func TestStartupIndex(t *testing.T) {
	f := newNoteFixture()
	states := collect(Pluck(f.collection, StateSelector()))

	f.seed(`[{"id": 0, "text": "Hello world"}, {"id": 1, "text": "What a test"}]`)

	assert.Equal(t, len(f.requests), 1)
	index := f.requests[0]
	assert.Equal(t, index.Category, CategoryIndex)
	assert.Equal(t, index.Url, "/notes")
	assert.Equal(t, index.Method, "")
	assert.Equal(t, index.EffectiveMethod(), "GET")
	assert.Equal(t, index.Send, "")
	assert.Equal(t, index.Type, "application/json")

	assert.Equal(t, len(*states), 2)
	assert.Equal(t, len((*states)[0]), 0)
	assert.Equal(t, (*states)[1], []Descriptor{
		{"id": json.Number("0"), "text": "Hello world"},
		{"id": json.Number("1"), "text": "What a test"},
	})

	assert.Equal(t, len(f.requestsOf(CategoryCreate)), 0)
	assert.Equal(t, len(f.requestsOf(CategoryUpdate)), 0)
	assert.Equal(t, len(f.diagnostics), 0)

	// start is idempotent
	f.collection.Start()
	assert.Equal(t, len(f.requests), 1)
}

func TestAddThenConfirm(t *testing.T) {
	f := newNoteFixture()
	states := collect(Pluck(f.collection, StateSelector()))
	f.collection.Start()

	identity := f.collection.Add(AddDescriptor(Descriptor{"text": "A new one"}))
	assert.Equal(t, identity, TemporaryIdentity("temp-0"))

	assert.Equal(t, len(f.requests), 2)
	assert.Equal(t, f.requests[0].Category, CategoryIndex)
	create := f.requests[1]
	assert.Equal(t, create.Category, CategoryCreate)
	assert.Equal(t, create.Method, "POST")
	assert.Equal(t, create.Url, "/notes")
	assert.Equal(t, create.Send, `{"note":{"text":"A new one"}}`)
	assert.Equal(t, create.CorrelationToken, "temp-0")

	f.respond(create, `{"id": 0, "text": "A new one"}`)

	assert.Equal(t, *states, [][]Descriptor{
		{},
		{{"tempId": "temp-0", "text": "A new one"}},
		{{"id": json.Number("0"), "text": "A new one"}},
	})
	assert.Equal(t, f.identities(), []Identity{PermanentIdentity("0")})
	assert.Equal(t, len(f.requests), 2)
	assert.Equal(t, len(f.diagnostics), 0)

	f.collection.Snapshot(func(state *CollectionState) {
		assert.Equal(t, len(state.Pending), 0)
		assert.Equal(t, state.Contains(PermanentIdentity("0")), true)
	})
}

func TestCreatePerAddInAllocationOrder(t *testing.T) {
	f := newNoteFixture()

	n := 5
	for i := 0; i < n; i += 1 {
		f.collection.Add(AddDescriptor(Descriptor{"n": i}))
	}

	creates := f.requestsOf(CategoryCreate)
	assert.Equal(t, len(creates), n)
	for i, create := range creates {
		assert.Equal(t, create.CorrelationToken, fmt.Sprintf("temp-%d", i))
		assert.Equal(t, create.Send, fmt.Sprintf(`{"note":{"n":%d}}`, i))
	}
}

func TestAddFrom(t *testing.T) {
	f := newNoteFixture()
	intents := NewStream[AddIntent]()
	f.collection.AddFrom(intents)

	intents.Next(AddDescriptor(Descriptor{"text": "a"}))
	intents.Next(AddDescriptor(Descriptor{"text": "b"}))

	assert.Equal(t, f.identities(), []Identity{TemporaryIdentity("temp-0"), TemporaryIdentity("temp-1")})
	assert.Equal(t, len(f.requestsOf(CategoryCreate)), 2)
}

func TestCreateWaitsForFirstState(t *testing.T) {
	f := newNoteFixture()
	state := NewStream[Descriptor]()
	f.collection.Add(AddIntent{State: state})

	assert.Equal(t, len(f.items()), 1)
	assert.Equal(t, len(f.requestsOf(CategoryCreate)), 0)

	state.Next(Descriptor{"text": "late"})
	state.Next(Descriptor{"text": "later"})

	creates := f.requestsOf(CategoryCreate)
	assert.Equal(t, len(creates), 1)
	assert.Equal(t, creates[0].Send, `{"note":{"text":"late"}}`)
}

func TestSeedThenAddsOrder(t *testing.T) {
	for n := 0; n < 4; n += 1 {
		f := newNoteFixture()
		f.seed(`[{"id": "s0"}, {"id": "s1"}]`)
		expected := []Identity{PermanentIdentity("s0"), PermanentIdentity("s1")}
		for i := 0; i < n; i += 1 {
			expected = append(expected, f.collection.Add(AddDescriptor(Descriptor{})))
		}
		assert.Equal(t, f.identities(), expected)
	}
}

func TestOutOfOrderConfirmation(t *testing.T) {
	f := newNoteFixture()
	states := collect(Pluck(f.collection, StateSelector()))

	f.collection.Add(AddDescriptor(Descriptor{"text": "first"}))
	f.collection.Add(AddDescriptor(Descriptor{"text": "second"}))
	creates := f.requestsOf(CategoryCreate)

	f.respond(creates[1], `{"id": 11, "text": "second"}`)
	assert.Equal(t, f.identities(), []Identity{TemporaryIdentity("temp-0"), PermanentIdentity("11")})
	latest := (*states)[len(*states)-1]
	assert.Equal(t, latest[0], Descriptor{"tempId": "temp-0", "text": "first"})
	assert.Equal(t, latest[1], Descriptor{"id": json.Number("11"), "text": "second"})

	f.respond(creates[0], `{"note": {"id": 10, "text": "first"}}`)
	assert.Equal(t, f.identities(), []Identity{PermanentIdentity("10"), PermanentIdentity("11")})
	assert.Equal(t, len(f.diagnostics), 0)
}

func TestIdentitiesStayUnique(t *testing.T) {
	f := newNoteFixture()
	f.seed(`[{"id": 1}, {"id": 2}]`)
	for i := 0; i < 3; i += 1 {
		f.collection.Add(AddDescriptor(Descriptor{}))
	}
	creates := f.requestsOf(CategoryCreate)
	f.respond(creates[2], `{"id": 5}`)
	f.respond(creates[0], `{"id": 3}`)
	// already taken
	f.respond(creates[1], `{"id": 1}`)

	seen := map[Identity]bool{}
	for _, identity := range f.identities() {
		assert.Equal(t, seen[identity], false)
		seen[identity] = true
	}
	assert.Equal(t, len(seen), 5)
	assert.Equal(t, f.identities()[3], TemporaryIdentity("temp-1"))
	assert.Equal(t, len(f.diagnostics), 1)
	assert.Equal(t, f.diagnostics[0].Kind, DiagnosticDuplicateIdentity)
}

func TestUnknownCorrelation(t *testing.T) {
	f := newNoteFixture()
	f.collection.Add(AddDescriptor(Descriptor{"text": "a"}))
	create := f.requestsOf(CategoryCreate)[0]

	f.respond(&Request{
		RequestId:        NewId(),
		Url:              "/notes",
		Method:           "POST",
		Category:         CategoryCreate,
		CorrelationToken: "temp-9",
	}, `{"id": 9}`)

	assert.Equal(t, len(f.diagnostics), 1)
	assert.Equal(t, f.diagnostics[0].Kind, DiagnosticUnknownCorrelation)
	assert.Equal(t, f.diagnostics[0].Fatal, false)
	assert.Equal(t, f.identities(), []Identity{TemporaryIdentity("temp-0")})

	// a repeated confirmation is also unknown
	f.respond(create, `{"id": 1}`)
	f.respond(create, `{"id": 2}`)
	assert.Equal(t, len(f.diagnostics), 2)
	assert.Equal(t, f.diagnostics[1].Kind, DiagnosticUnknownCorrelation)
	assert.Equal(t, f.identities(), []Identity{PermanentIdentity("1")})
}

func TestInstantiationFailureHaltsAdd(t *testing.T) {
	f := newNoteFixtureWithType(failingType{})
	f.collection.Add(AddDescriptor(Descriptor{"text": "a"}))

	assert.Equal(t, len(f.items()), 0)
	assert.Equal(t, len(f.requestsOf(CategoryCreate)), 0)
	assert.Equal(t, len(f.diagnostics), 1)
	assert.Equal(t, f.diagnostics[0].Kind, DiagnosticInstantiation)
	assert.Equal(t, f.diagnostics[0].Fatal, true)
}

func TestResponseErrorLeavesEntityTemporary(t *testing.T) {
	f := newNoteFixture()
	f.collection.Add(AddDescriptor(Descriptor{"text": "a"}))
	create := f.requestsOf(CategoryCreate)[0]

	f.collection.HandleResponse(&Response{
		Request:    create,
		StatusCode: 500,
		Err:        errors.New("server error"),
	})

	assert.Equal(t, f.identities(), []Identity{TemporaryIdentity("temp-0")})
	assert.Equal(t, len(f.diagnostics), 1)
	assert.Equal(t, f.diagnostics[0].Kind, DiagnosticResponseError)
	assert.Equal(t, f.diagnostics[0].Identity, TemporaryIdentity("temp-0"))
}

func TestUndecodableIndex(t *testing.T) {
	f := newNoteFixture()
	f.seed(`{"unexpected": true}`)
	assert.Equal(t, len(f.items()), 0)
	assert.Equal(t, f.diagnostics[0].Kind, DiagnosticDecode)
}

func TestDebounceCollapse(t *testing.T) {
	f := newNoteFixture()
	f.seed(`[{"id": 0, "text": "Hello world"}]`)
	identity := PermanentIdentity("0")

	f.change(identity, Descriptor{"text": "e1"})
	f.scheduler.Advance(50 * time.Millisecond)
	f.change(identity, Descriptor{"text": "e2"})
	f.scheduler.Advance(30 * time.Millisecond)
	f.change(identity, Descriptor{"text": "e3"})
	f.scheduler.Advance(299 * time.Millisecond)
	assert.Equal(t, len(f.requestsOf(CategoryUpdate)), 0)

	f.scheduler.Advance(1 * time.Millisecond)
	updates := f.requestsOf(CategoryUpdate)
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].Method, "PUT")
	assert.Equal(t, updates[0].Url, "/notes/0")
	assert.Equal(t, updates[0].Send, `{"note":{"id":0,"text":"e3"}}`)
	assert.Equal(t, f.requestedAt[len(f.requestedAt)-1], 380*time.Millisecond)

	f.scheduler.Advance(time.Second)
	assert.Equal(t, len(f.requestsOf(CategoryUpdate)), 1)
}

func TestDebounceIsPerEntity(t *testing.T) {
	f := newNoteFixture()
	f.seed(`[{"id": "a"}, {"id": "b"}]`)

	f.change(PermanentIdentity("a"), Descriptor{"text": "a1"})
	f.scheduler.Advance(200 * time.Millisecond)
	f.change(PermanentIdentity("b"), Descriptor{"text": "b1"})
	f.scheduler.Advance(200 * time.Millisecond)
	f.change(PermanentIdentity("b"), Descriptor{"text": "b2"})
	f.scheduler.Advance(time.Second)

	updates := f.requestsOf(CategoryUpdate)
	assert.Equal(t, len(updates), 2)
	assert.Equal(t, updates[0].Url, "/notes/a")
	assert.Equal(t, updates[1].Url, "/notes/b")
	assert.Equal(t, updates[1].Send, `{"note":{"id":"b","text":"b2"}}`)
}

func TestDebounceTimeoutSetting(t *testing.T) {
	scheduler := NewVirtualScheduler()
	bus := NewEventBus(scheduler)
	settings := DefaultCollectionSettings()
	settings.DebounceTimeout = time.Second
	c := NewCollection(context.Background(), scheduler, NewRecordType("Note"), bus, "/notes", settings)
	updates := collect(Filter(c.Requests(), func(request *Request) bool {
		return request.Category == CategoryUpdate
	}))
	c.HandleResponse(&Response{
		Request: &Request{Category: CategoryIndex},
		Body:    []byte(`[{"id": 1}]`),
	})

	bus.Emit("Note-1", DefaultChangeEvent, Descriptor{"text": "x"})
	scheduler.Advance(999 * time.Millisecond)
	assert.Equal(t, len(*updates), 0)
	scheduler.Advance(1 * time.Millisecond)
	assert.Equal(t, len(*updates), 1)
}

func TestInboundDataNeverUpdates(t *testing.T) {
	f := newNoteFixture()
	states := collect(Pluck(f.collection, StateSelector()))
	f.seed(`[{"id": 0, "text": "Hello world"}]`)
	f.collection.Add(AddDescriptor(Descriptor{"text": "new"}))
	f.respond(f.requestsOf(CategoryCreate)[0], `{"id": 1, "text": "new"}`)

	f.collection.Push(Descriptor{"id": json.Number("0"), "text": "pushed"})
	f.scheduler.Advance(time.Second)

	assert.Equal(t, len(f.requestsOf(CategoryUpdate)), 0)
	latest := (*states)[len(*states)-1]
	assert.Equal(t, latest[0], Descriptor{"id": json.Number("0"), "text": "pushed"})
}

func TestPushDiagnostics(t *testing.T) {
	f := newNoteFixture()
	f.seed(`[{"id": 0}]`)
	f.collection.Add(AddDescriptor(Descriptor{}))

	f.collection.Push(Descriptor{"id": "missing"})
	f.collection.Push(Descriptor{"tempId": "temp-0"})
	f.collection.PushBody([]byte(`not json`))

	assert.Equal(t, len(f.diagnostics), 3)
	assert.Equal(t, f.diagnostics[0].Kind, DiagnosticUnknownPush)
	assert.Equal(t, f.diagnostics[1].Kind, DiagnosticMissingIdentity)
	assert.Equal(t, f.diagnostics[2].Kind, DiagnosticDecode)
}

func TestEditWhileTemporaryIsSentAfterConfirm(t *testing.T) {
	f := newNoteFixture()
	states := collect(Pluck(f.collection, StateSelector()))
	identity := f.collection.Add(AddDescriptor(Descriptor{"text": "draft"}))

	f.change(identity, Descriptor{"text": "edited"})
	f.scheduler.Advance(time.Second)
	assert.Equal(t, len(f.requestsOf(CategoryUpdate)), 0)

	f.respond(f.requestsOf(CategoryCreate)[0], `{"id": 5, "text": "draft"}`)

	updates := f.requestsOf(CategoryUpdate)
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].Url, "/notes/5")
	assert.Equal(t, updates[0].Send, `{"note":{"id":5,"text":"edited"}}`)

	latest := (*states)[len(*states)-1]
	assert.Equal(t, latest[0], Descriptor{"id": json.Number("5"), "text": "edited"})
}

func TestEditSettlingAfterConfirmUsesPermanentIdentity(t *testing.T) {
	f := newNoteFixture()
	identity := f.collection.Add(AddDescriptor(Descriptor{"text": "draft"}))

	f.change(identity, Descriptor{"text": "edited"})
	f.scheduler.Advance(100 * time.Millisecond)
	f.respond(f.requestsOf(CategoryCreate)[0], `{"id": 5, "text": "draft"}`)
	f.scheduler.Advance(time.Second)

	updates := f.requestsOf(CategoryUpdate)
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].Url, "/notes/5")
	assert.Equal(t, updates[0].Send, `{"note":{"id":5,"text":"edited"}}`)
}

func TestCollectionsSharingCapabilitiesStayIsolated(t *testing.T) {
	scheduler := NewVirtualScheduler()
	bus := NewEventBus(scheduler)
	a := NewCollectionWithDefaults(context.Background(), scheduler, NewRecordType("Note"), bus, "/a")
	b := NewCollectionWithDefaults(context.Background(), scheduler, NewRecordType("Note"), bus, "/b")

	aIdentity := a.Add(AddDescriptor(Descriptor{"text": "a"}))
	bIdentity := b.Add(AddDescriptor(Descriptor{"text": "b"}))
	assert.NotEqual(t, aIdentity, bIdentity)

	aItems, _ := a.Items().Last()
	bItems, _ := b.Items().Last()
	assert.NotEqual(t, aItems[0].Scope(), bItems[0].Scope())

	aEdits := collect(aItems[0].Channel().Edits())
	bEdits := collect(bItems[0].Channel().Edits())
	bus.Emit(aItems[0].Scope(), DefaultChangeEvent, Descriptor{"text": "only-a"})

	assert.Equal(t, len(*aEdits), 1)
	assert.Equal(t, (*aEdits)[0]["text"], "only-a")
	assert.Equal(t, len(*bEdits), 0)
}

func TestSharedTempIdAllocator(t *testing.T) {
	scheduler := NewVirtualScheduler()
	bus := NewEventBus(scheduler)
	settings := DefaultCollectionSettings()
	settings.TempIds = NewTempIdAllocator()
	a := NewCollection(context.Background(), scheduler, NewRecordType("Note"), bus, "/a", settings)
	b := NewCollection(context.Background(), scheduler, NewRecordType("Note"), bus, "/b", settings)

	assert.Equal(t, a.Add(AddDescriptor(Descriptor{})), TemporaryIdentity("temp-0"))
	assert.Equal(t, b.Add(AddDescriptor(Descriptor{})), TemporaryIdentity("temp-1"))
	assert.Equal(t, a.Add(AddDescriptor(Descriptor{})), TemporaryIdentity("temp-2"))
}

func TestConcurrentAddsKeepAllocationOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewLoop(ctx)
	defer loop.Close()

	settings := DefaultCollectionSettings()
	settings.TempIds = NewTempIdAllocator()
	c := NewCollection(ctx, loop, NewRecordType("Note"), NewEventBus(loop), "/notes", settings)
	defer c.Close()

	// loop only
	creates := []string{}
	subscribed := make(chan struct{})
	loop.Post(func() {
		c.Requests().Subscribe(func(request *Request) {
			if request.Category == CategoryCreate {
				creates = append(creates, request.CorrelationToken)
			}
		})
		close(subscribed)
	})
	<-subscribed

	n := 8
	m := 50
	var wg sync.WaitGroup
	for g := 0; g < n; g += 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < m; i += 1 {
				c.Add(AddDescriptor(Descriptor{}))
			}
		}()
	}
	wg.Wait()

	type result struct {
		identities []Identity
		creates    []string
	}
	results := make(chan result, 1)
	c.Snapshot(func(state *CollectionState) {
		results <- result{
			identities: state.Identities(),
			creates:    slices.Clone(creates),
		}
	})

	select {
	case r := <-results:
		assert.Equal(t, len(r.identities), n*m)
		assert.Equal(t, len(r.creates), n*m)
		for i := 0; i < n*m; i += 1 {
			assert.Equal(t, r.identities[i], TemporaryIdentity(fmt.Sprintf("temp-%d", i)))
			assert.Equal(t, r.creates[i], fmt.Sprintf("temp-%d", i))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("adds did not drain")
	}
}
