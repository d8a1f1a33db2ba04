package collection

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const DefaultContentType = "application/json"

type RequestCategory string

const (
	CategoryIndex  RequestCategory = "index"
	CategoryCreate RequestCategory = "create"
	CategoryUpdate RequestCategory = "update"
)

// an outbound request. The collection only describes requests;
// a driver such as `HttpDriver` executes them and hands back a `Response`
type Request struct {
	RequestId Id
	Url       string
	// empty for index (implicit GET)
	Method   string
	Send     string
	Category RequestCategory
	// the temporary identity of the entity a create is for
	CorrelationToken string
	Type             string
}

func (self *Request) EffectiveMethod() string {
	if self.Method == "" {
		return http.MethodGet
	}
	return self.Method
}

func (self *Request) String() string {
	if self.CorrelationToken != "" {
		return fmt.Sprintf("%s %s %s (%s) %s", self.Category, self.EffectiveMethod(), self.Url, self.CorrelationToken, self.RequestId)
	}
	return fmt.Sprintf("%s %s %s %s", self.Category, self.EffectiveMethod(), self.Url, self.RequestId)
}

// the response to one `Request`.
// `Err` is set for transport failures and non-success statuses
type Response struct {
	Request    *Request
	StatusCode int
	Body       []byte
	Err        error
}

type requestBuilder struct {
	endpoint    string
	name        string
	idField     string
	tempIdField string
	contentType string
}

func newRequestBuilder(endpoint string, entityType EntityType, settings *CollectionSettings) *requestBuilder {
	return &requestBuilder{
		endpoint:    strings.TrimSuffix(endpoint, "/"),
		name:        strings.ToLower(entityType.Name()),
		idField:     settings.IdField,
		tempIdField: settings.TempIdField,
		contentType: settings.ContentType,
	}
}

func (self *requestBuilder) index() *Request {
	return &Request{
		RequestId: NewId(),
		Url:       self.endpoint,
		Category:  CategoryIndex,
		Type:      self.contentType,
	}
}

// the body is the descriptor without the temporary id field
func (self *requestBuilder) create(identity Identity, descriptor Descriptor) (*Request, error) {
	send, err := self.wrap(descriptor.Without(self.tempIdField))
	if err != nil {
		return nil, err
	}
	return &Request{
		RequestId:        NewId(),
		Url:              self.endpoint,
		Method:           http.MethodPost,
		Send:             send,
		Category:         CategoryCreate,
		CorrelationToken: identity.String(),
		Type:             self.contentType,
	}, nil
}

func (self *requestBuilder) update(identity Identity, descriptor Descriptor) (*Request, error) {
	if identity.IsTemporary() {
		return nil, fmt.Errorf("%w: %s", ErrNotConfirmed, identity)
	}
	send, err := self.wrap(descriptor)
	if err != nil {
		return nil, err
	}
	return &Request{
		RequestId: NewId(),
		Url:       fmt.Sprintf("%s/%s", self.endpoint, identity),
		Method:    http.MethodPut,
		Send:      send,
		Category:  CategoryUpdate,
		Type:      self.contentType,
	}, nil
}

// `{"<name>": {...}}`
func (self *requestBuilder) wrap(descriptor Descriptor) (string, error) {
	b, err := json.Marshal(map[string]any{
		self.name: descriptor,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (self *requestBuilder) unwrap(body []byte) (Descriptor, error) {
	return decodeWrappedDescriptor(body, self.name)
}

func (self *requestBuilder) unwrapList(body []byte) ([]Descriptor, error) {
	return decodeDescriptorList(body, self.name)
}
