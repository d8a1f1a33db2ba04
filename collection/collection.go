package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultDebounceTimeout = 300 * time.Millisecond

type CollectionSettings struct {
	// quiescence window after an entity's last edit before an update is sent
	DebounceTimeout time.Duration
	IdField         string
	TempIdField     string
	ContentType     string
	// shared by every collection whose entities share capabilities,
	// so that no two pending entities get the same scope
	TempIds *TempIdAllocator
	// optional
	Metrics *Metrics
}

// one allocator for the process. Collections built from the default settings share it
var processTempIds = NewTempIdAllocator()

func DefaultCollectionSettings() *CollectionSettings {
	return &CollectionSettings{
		DebounceTimeout: DefaultDebounceTimeout,
		IdField:         DefaultIdField,
		TempIdField:     DefaultTempIdField,
		ContentType:     DefaultContentType,
		TempIds:         processTempIds,
	}
}

// an add intent. `State` produces the fields of the new entity;
// its first value is the body of the create request
type AddIntent struct {
	State *Stream[Descriptor]
}

func AddDescriptor(descriptor Descriptor) AddIntent {
	return AddIntent{
		State: Of(descriptor),
	}
}

// an entity edit that outlived the debounce window
type settledEdit struct {
	instance   *Instance
	descriptor Descriptor
}

// keeps an ordered set of entities in sync with a REST resource collection.
//
// the collection never performs i/o. It emits `Request`s on `Requests()` and
// consumes the matching `Response`s in `HandleResponse`. All state changes run
// on the scheduler, folded from one ordered stream of reductions.
type Collection struct {
	ctx    context.Context
	cancel context.CancelFunc

	scheduler Scheduler
	settings  *CollectionSettings
	tempIds   *TempIdAllocator
	builder   *requestBuilder
	reducer   *reducer
	log       LogFunction

	reductions  *Stream[Reduction]
	transitions *Stream[*transition]
	items       *Stream[[]*Instance]
	requests    *Stream[*Request]
	diagnostics *Stream[*Diagnostic]

	// loop only
	current *CollectionState

	viewsLock  sync.Mutex
	keyedViews map[viewKey]viewRekeyer
	views      []viewRekeyer

	addLock sync.Mutex
	// allocation order
	adds []*AddLocalReduction

	startOnce sync.Once
}

func NewCollectionWithDefaults(
	ctx context.Context,
	scheduler Scheduler,
	entityType EntityType,
	capabilities Capabilities,
	endpoint string,
) *Collection {
	return NewCollection(ctx, scheduler, entityType, capabilities, endpoint, DefaultCollectionSettings())
}

func NewCollection(
	ctx context.Context,
	scheduler Scheduler,
	entityType EntityType,
	capabilities Capabilities,
	endpoint string,
	settings *CollectionSettings,
) *Collection {
	cancelCtx, cancel := context.WithCancel(ctx)

	tempIds := settings.TempIds
	if tempIds == nil {
		tempIds = processTempIds
	}

	collection := &Collection{
		ctx:       cancelCtx,
		cancel:    cancel,
		scheduler: scheduler,
		settings:  settings,
		tempIds:   tempIds,
		builder:   newRequestBuilder(endpoint, entityType, settings),
		reducer: &reducer{
			entityType:   entityType,
			capabilities: capabilities,
			scheduler:    scheduler,
			idField:      settings.IdField,
			tempIdField:  settings.TempIdField,
		},
		log:         LogFn(LogLevelDebug, "rc"),
		reductions:  NewStream[Reduction](),
		items:       NewRememberStream[[]*Instance](),
		requests:    NewStream[*Request](),
		diagnostics: NewStream[*Diagnostic](),
		current:     emptyCollectionState(),
		keyedViews:  map[viewKey]viewRekeyer{},
	}

	collection.transitions = Fold(
		collection.reductions,
		func(last *transition, reduction Reduction) *transition {
			return collection.reducer.reduce(last.state, reduction)
		},
		unchanged(collection.current),
	)
	collection.transitions.Subscribe(collection.commit)

	Merge(collection, NewSelector("collection/settled", collection.settledEdits)).Subscribe(collection.settle)

	return collection
}

// emits the index request. Subscribe to `Requests()` first
func (self *Collection) Start() {
	self.startOnce.Do(func() {
		self.scheduler.Post(func() {
			self.emit(self.builder.index())
		})
	})
}

func (self *Collection) Close() {
	self.cancel()
}

func (self *Collection) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Collection) Scheduler() Scheduler {
	return self.scheduler
}

func (self *Collection) Settings() *CollectionSettings {
	return self.settings
}

func (self *Collection) Requests() *Stream[*Request] {
	return self.requests
}

// the ordered instances, emitted each time the entity set changes
func (self *Collection) Items() *Stream[[]*Instance] {
	return self.items
}

func (self *Collection) Diagnostics() *Stream[*Diagnostic] {
	return self.diagnostics
}

// the temporary identity is allocated here, before any asynchronous work,
// so it can be used to correlate the create response.
// adds are reduced in allocation order, whichever goroutine calls
func (self *Collection) Add(intent AddIntent) Identity {
	self.addLock.Lock()
	identity := self.tempIds.Next()
	self.adds = append(self.adds, &AddLocalReduction{
		Identity: identity,
		State:    intent.State,
	})
	self.addLock.Unlock()

	self.log("add %s", identity)
	self.scheduler.Post(self.reduceAdds)
	return identity
}

// loop only. A post may find the queue already drained by an earlier post
func (self *Collection) reduceAdds() {
	self.addLock.Lock()
	adds := self.adds
	self.adds = nil
	self.addLock.Unlock()

	for _, add := range adds {
		self.reductions.Next(add)
	}
}

func (self *Collection) AddFrom(intents *Stream[AddIntent]) (unsubscribe func()) {
	return intents.Subscribe(func(intent AddIntent) {
		self.Add(intent)
	})
}

// posts the response of a request emitted by this collection
func (self *Collection) HandleResponse(response *Response) {
	self.scheduler.Post(func() {
		self.handleResponse(response)
	})
}

// adopts server data for a confirmed entity.
// the entity's state changes but no update is sent
func (self *Collection) Push(descriptor Descriptor) {
	self.scheduler.Post(func() {
		self.push(descriptor)
	})
}

func (self *Collection) PushBody(body []byte) {
	descriptor, err := self.builder.unwrap(body)
	if err != nil {
		self.scheduler.Post(func() {
			self.diagnose(&Diagnostic{
				Kind: DiagnosticDecode,
				Err:  fmt.Errorf("push: %w", err),
			})
		})
		return
	}
	self.Push(descriptor)
}

// calls `callback` with the committed state on the scheduler
func (self *Collection) Snapshot(callback func(*CollectionState)) {
	self.scheduler.Post(func() {
		callback(self.current)
	})
}

func (self *Collection) handleResponse(response *Response) {
	request := response.Request
	if request == nil {
		self.diagnose(&Diagnostic{
			Kind: DiagnosticResponseError,
			Err:  fmt.Errorf("response without a request"),
		})
		return
	}
	self.settings.Metrics.response(request.Category, response.Err)

	if response.Err != nil {
		var identity Identity
		if request.CorrelationToken != "" {
			identity = TemporaryIdentity(request.CorrelationToken)
		}
		self.diagnose(&Diagnostic{
			Kind:     DiagnosticResponseError,
			Identity: identity,
			Err:      fmt.Errorf("%s: %w", request, response.Err),
		})
		return
	}

	switch request.Category {
	case CategoryIndex:
		descriptors, err := self.builder.unwrapList(response.Body)
		if err != nil {
			self.diagnose(&Diagnostic{
				Kind: DiagnosticDecode,
				Err:  fmt.Errorf("%s: %w", request, err),
			})
			return
		}
		self.log("seed %d", len(descriptors))
		self.reductions.Next(&SeedReduction{
			Descriptors: descriptors,
		})
	case CategoryCreate:
		identity := TemporaryIdentity(request.CorrelationToken)
		descriptor, err := self.builder.unwrap(response.Body)
		if err != nil {
			self.diagnose(&Diagnostic{
				Kind:     DiagnosticDecode,
				Identity: identity,
				Err:      fmt.Errorf("%s: %w", request, err),
			})
			return
		}
		self.reductions.Next(&ConfirmCreateReduction{
			Identity:  identity,
			Confirmed: descriptor,
		})
	case CategoryUpdate:
		glog.V(LogLevelTrace).Infof("[rc]update ok %s\n", request.Url)
	}
}

func (self *Collection) push(descriptor Descriptor) {
	identity, err := descriptor.Identity(self.settings.IdField)
	if err != nil {
		self.diagnose(&Diagnostic{
			Kind: DiagnosticMissingIdentity,
			Err:  fmt.Errorf("push %s: %w", descriptor, err),
		})
		return
	}
	instance, ok := self.current.Confirmed[identity]
	if !ok {
		self.diagnose(&Diagnostic{
			Kind:     DiagnosticUnknownPush,
			Identity: identity,
			Err:      fmt.Errorf("no confirmed entity"),
		})
		return
	}
	glog.V(LogLevelTrace).Infof("[rc]push %s\n", identity)
	instance.Channel().Push(descriptor)
}

// carries out the effects of a committed transition
func (self *Collection) commit(t *transition) {
	changed := len(t.state.Items) != len(self.current.Items)
	self.current = t.state

	for _, diagnostic := range t.diagnostics {
		self.diagnose(diagnostic)
	}

	for _, c := range t.confirmed {
		self.confirm(c)
	}

	if _, published := self.items.Last(); changed || !published {
		self.items.Next(t.state.Items)
	}

	for _, instance := range t.added {
		identity := instance.Identity()
		if identity.IsTemporary() {
			self.log("added %s", instance)
			Take(instance.Channel().Inbound(), 1).Subscribe(func(descriptor Descriptor) {
				self.emitCreate(identity, descriptor)
			})
		} else {
			self.log("seeded %s", instance)
		}
	}

	self.settings.Metrics.pending(len(t.state.Pending))
}

func (self *Collection) confirm(c *confirmation) {
	self.log("confirm %s -> %s", c.from, c.to)
	c.instance.setIdentity(c.to)
	self.rekeyViews(c.from, c.to)
	c.channel.Push(c.descriptor)

	if held := c.instance.heldUpdate; held != nil {
		c.instance.heldUpdate = nil
		self.emitUpdate(c.to, self.rebase(c.instance, held))
	}
}

// an edit made while the entity was temporary carries the temporary id field.
// its fields are applied over the confirmed data, which the entity adopts
func (self *Collection) rebase(instance *Instance, edit Descriptor) Descriptor {
	if _, temporary := edit[self.settings.TempIdField]; !temporary {
		return edit
	}
	confirmed, ok := instance.Channel().Inbound().Last()
	if !ok {
		return edit
	}
	rebased := confirmed.With(edit.Without(self.settings.TempIdField, self.settings.IdField))
	instance.Channel().Push(rebased)
	return rebased
}

// each edit of `instance` once it has settled
func (self *Collection) settledEdits(instance *Instance) *Stream[*settledEdit] {
	settled := Debounce(instance.Channel().Edits(), self.scheduler, self.settings.DebounceTimeout)
	return Map(settled, func(descriptor Descriptor) *settledEdit {
		return &settledEdit{
			instance:   instance,
			descriptor: descriptor,
		}
	})
}

func (self *Collection) settle(edit *settledEdit) {
	identity := edit.instance.Identity()
	if identity.IsTemporary() {
		// sent after confirm, to the permanent identity
		glog.V(LogLevelTrace).Infof("[rc]hold update %s\n", identity)
		edit.instance.heldUpdate = edit.descriptor
		return
	}
	self.emitUpdate(identity, self.rebase(edit.instance, edit.descriptor))
}

func (self *Collection) emitCreate(identity Identity, descriptor Descriptor) {
	request, err := self.builder.create(identity, descriptor)
	if err != nil {
		self.diagnose(&Diagnostic{
			Kind:     DiagnosticDecode,
			Identity: identity,
			Err:      fmt.Errorf("create: %w", err),
			Fatal:    true,
		})
		return
	}
	self.emit(request)
}

func (self *Collection) emitUpdate(identity Identity, descriptor Descriptor) {
	request, err := self.builder.update(identity, descriptor.Without(self.settings.TempIdField))
	if err != nil {
		self.diagnose(&Diagnostic{
			Kind:     DiagnosticDecode,
			Identity: identity,
			Err:      fmt.Errorf("update: %w", err),
		})
		return
	}
	self.emit(request)
}

func (self *Collection) emit(request *Request) {
	self.log("request %s", request)
	self.settings.Metrics.request(request.Category)
	self.requests.Next(request)
}

func (self *Collection) diagnose(diagnostic *Diagnostic) {
	if diagnostic.Fatal {
		glog.Errorf("[rc]%s\n", diagnostic)
	} else {
		glog.Infof("[rc]%s\n", diagnostic)
	}
	self.settings.Metrics.diagnostic(diagnostic.Kind)
	self.diagnostics.Next(diagnostic)
}
