package collection

import (
	"reflect"
)

// derives one stream per entity.
// selectors with the same `Key` (and value type) share their per-entity
// streams across every `Pluck`/`Merge` call on a collection, so the selector runs
// once per entity no matter how often the view is requested.
// the key is required. Func values are not comparable and closures of one
// func literal share code, so the key is the only identity a selector has
type Selector[T any] struct {
	Key    string
	Select func(instance *Instance) *Stream[T]
}

func NewSelector[T any](key string, selectFn func(instance *Instance) *Stream[T]) Selector[T] {
	if key == "" {
		panic(ErrSelectorKey)
	}
	return Selector[T]{
		Key:    key,
		Select: selectFn,
	}
}

// each entity's full state
func StateSelector() Selector[Descriptor] {
	return NewSelector("state", func(instance *Instance) *Stream[Descriptor] {
		return instance.State()
	})
}

// each entity's value for one field
func FieldSelector(field string) Selector[any] {
	return NewSelector("field/"+field, func(instance *Instance) *Stream[any] {
		return Map(instance.State(), func(descriptor Descriptor) any {
			return descriptor[field]
		})
	})
}

type viewRekeyer interface {
	rekey(from Identity, to Identity)
}

// comparable
type viewKey struct {
	key       string
	remember  bool
	valueType reflect.Type
}

// identity -> derived stream. Accessed only on the collection scheduler
type viewCache[T any] struct {
	remember bool
	streams  map[Identity]*Stream[T]
}

func newViewCache[T any](remember bool) *viewCache[T] {
	return &viewCache[T]{
		remember: remember,
		streams:  map[Identity]*Stream[T]{},
	}
}

func (self *viewCache[T]) get(instance *Instance, selectFn func(*Instance) *Stream[T]) *Stream[T] {
	identity := instance.Identity()
	if stream, ok := self.streams[identity]; ok {
		return stream
	}
	stream := selectFn(instance)
	if self.remember {
		// hot: subscribed now and for the life of the entity, replaying the latest value
		stream = Remember(stream)
	} else {
		// shared, but only values after this point are forwarded
		forward := NewStream[T]()
		stream.Subscribe(forward.Next)
		stream = forward
	}
	self.streams[identity] = stream
	return stream
}

func (self *viewCache[T]) rekey(from Identity, to Identity) {
	stream, ok := self.streams[from]
	if !ok {
		return
	}
	delete(self.streams, from)
	self.streams[to] = stream
}

func (self *viewCache[T]) len() int {
	return len(self.streams)
}

func viewCacheFor[T any](c *Collection, key string, remember bool) *viewCache[T] {
	c.viewsLock.Lock()
	defer c.viewsLock.Unlock()

	if key == "" {
		panic(ErrSelectorKey)
	}

	k := viewKey{
		key:       key,
		remember:  remember,
		valueType: reflect.TypeFor[T](),
	}
	if cache, ok := c.keyedViews[k]; ok {
		return cache.(*viewCache[T])
	}
	cache := newViewCache[T](remember)
	c.keyedViews[k] = cache
	c.views = append(c.views, cache)
	return cache
}

// moves every cached derived stream of `from` to `to`. Loop only
func (self *Collection) rekeyViews(from Identity, to Identity) {
	self.viewsLock.Lock()
	views := self.views
	self.viewsLock.Unlock()

	for _, view := range views {
		view.rekey(from, to)
	}
}

// the ordered list of every entity's latest selected value.
// re-evaluated whenever the entity set changes; an emission is withheld until every
// current entity has produced a value. An empty collection is `[]`.
// the output replays its latest value to new listeners
func Pluck[T any](c *Collection, selector Selector[T]) *Stream[[]T] {
	cache := viewCacheFor[T](c, selector.Key, true)
	out := NewRememberStream[[]T]()

	c.scheduler.Post(func() {
		var stop func()
		c.items.Subscribe(func(items []*Instance) {
			streams := make([]*Stream[T], 0, len(items))
			for _, instance := range items {
				streams = append(streams, cache.get(instance, selector.Select))
			}
			if stop != nil {
				stop()
			}
			stop = combineLatest(streams, out.Next)
		})
	})

	return out
}

// every value of every entity's selected stream, as it happens.
// nothing is replayed
func Merge[T any](c *Collection, selector Selector[T]) *Stream[T] {
	cache := viewCacheFor[T](c, selector.Key, false)
	out := NewStream[T]()

	c.scheduler.Post(func() {
		wired := map[*Instance]bool{}
		c.items.Subscribe(func(items []*Instance) {
			for _, instance := range items {
				if wired[instance] {
					continue
				}
				wired[instance] = true
				cache.get(instance, selector.Select).Subscribe(out.Next)
			}
		})
	})

	return out
}
