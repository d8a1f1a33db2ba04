package collection

import (
	"github.com/golang/glog"
)

const DefaultChangeEvent = "change"

// a plain record entity.
// its state is whatever the server last pushed, with the fields of each
// change event merged on top as an edit
type RecordType struct {
	name        string
	changeEvent string
}

func NewRecordType(name string) *RecordType {
	return &RecordType{
		name:        name,
		changeEvent: DefaultChangeEvent,
	}
}

func NewRecordTypeWithChangeEvent(name string, changeEvent string) *RecordType {
	return &RecordType{
		name:        name,
		changeEvent: changeEvent,
	}
}

func (self *RecordType) Name() string {
	return self.name
}

func (self *RecordType) New(sources *Sources) (Entity, error) {
	record := &Record{
		sources: sources,
	}

	sources.State.State().Subscribe(func(descriptor Descriptor) {
		record.current = descriptor
	})

	sources.Events.Events(self.changeEvent).Subscribe(func(value any) {
		fields, ok := asDescriptor(value)
		if !ok {
			glog.Infof("[record]%s ignore change of type %T\n", sources.Scope, value)
			return
		}
		sources.State.Edit(record.current.With(fields))
	})

	return record, nil
}

type Record struct {
	sources *Sources
	// loop only
	current Descriptor
}

func (self *Record) Scope() string {
	return self.sources.Scope
}

// the value of one field in every state snapshot
func (self *Record) Field(name string) *Stream[any] {
	return Map(self.sources.State.State(), func(descriptor Descriptor) any {
		return descriptor[name]
	})
}

func asDescriptor(value any) (Descriptor, bool) {
	switch v := value.(type) {
	case Descriptor:
		return v, true
	case map[string]any:
		return Descriptor(v), true
	default:
		return nil, false
	}
}
