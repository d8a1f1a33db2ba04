package collection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/semaphore"
)

type ApiSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	// requests in flight at once
	MaxConcurrency int64
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
		MaxConcurrency:     8,
	}
}

func (self *ApiSettings) client() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: self.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: self.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.HttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type ResponseFunction func(response *Response)

// executes collection requests over http.
// request urls are relative to `apiUrl` unless absolute
type HttpDriver struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl   string
	client   *http.Client
	settings *ApiSettings

	inFlight *semaphore.Weighted

	stateLock sync.Mutex
	byJwt     string

	responseCallbacks *CallbackList[ResponseFunction]
}

func NewHttpDriverWithDefaults(ctx context.Context, apiUrl string) *HttpDriver {
	return NewHttpDriver(ctx, apiUrl, DefaultApiSettings())
}

func NewHttpDriver(ctx context.Context, apiUrl string, settings *ApiSettings) *HttpDriver {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &HttpDriver{
		ctx:               cancelCtx,
		cancel:            cancel,
		apiUrl:            strings.TrimSuffix(apiUrl, "/"),
		client:            settings.client(),
		settings:          settings,
		inFlight:          semaphore.NewWeighted(settings.MaxConcurrency),
		responseCallbacks: NewCallbackList[ResponseFunction](),
	}
}

// this gets attached to every request
func (self *HttpDriver) SetByJwt(byJwt string) error {
	if byJwt != "" {
		parsed, err := ParseByJwtUnverified(byJwt)
		if err != nil {
			return err
		}
		if parsed.Expired(time.Now()) {
			glog.Infof("[rh]jwt for %s expired at %s\n", parsed.Subject, parsed.ExpiresAt)
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byJwt = byJwt
	return nil
}

func (self *HttpDriver) ByJwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.byJwt
}

// observes every response the driver hands back.
// callbacks run after the response was handed to the request callback
func (self *HttpDriver) AddResponseCallback(callback ResponseFunction) func() {
	return self.responseCallbacks.Add(callback)
}

// sends every request `collection` emits and posts each response back to it.
// the caller starts the collection after driving it
func (self *HttpDriver) Drive(collection *Collection) (unsubscribe func()) {
	metrics := collection.Settings().Metrics
	return collection.Requests().Subscribe(func(request *Request) {
		self.Send(request, NewApiCallback(func(response *Response, err error) {
			metrics.roundTrip(request.Category, time.Since(request.RequestId.Time()))
			collection.HandleResponse(response)
		}))
	})
}

// sends `request` on a new goroutine. The callback always receives a response;
// failures are carried on `Response.Err`
func (self *HttpDriver) Send(request *Request, callback apiCallback[*Response]) {
	go HandleError(func() {
		response := self.Do(self.ctx, request)
		callback.Result(response, response.Err)
		for _, responseCallback := range self.responseCallbacks.Get() {
			responseCallback(response)
		}
	})
}

// blocks until the response or `ctx` is done
func (self *HttpDriver) Do(ctx context.Context, request *Request) *Response {
	if err := self.inFlight.Acquire(ctx, 1); err != nil {
		return &Response{
			Request: request,
			Err:     err,
		}
	}
	defer self.inFlight.Release(1)

	if glog.V(2) {
		response, _ := TraceWithReturnError(fmt.Sprintf("[rh]%s", request), func() (*Response, error) {
			response := self.do(ctx, request)
			return response, response.Err
		})
		return response
	}
	return self.do(ctx, request)
}

func (self *HttpDriver) url(request *Request) string {
	if strings.Contains(request.Url, "://") {
		return request.Url
	}
	if strings.HasPrefix(request.Url, "/") {
		return self.apiUrl + request.Url
	}
	return fmt.Sprintf("%s/%s", self.apiUrl, request.Url)
}

func (self *HttpDriver) do(ctx context.Context, request *Request) *Response {
	fail := func(err error) *Response {
		glog.Infof("[rh]%s error = %s\n", request, err)
		return &Response{
			Request: request,
			Err:     err,
		}
	}

	var body io.Reader
	if request.Send != "" {
		body = bytes.NewReader([]byte(request.Send))
	}
	req, err := http.NewRequestWithContext(ctx, request.EffectiveMethod(), self.url(request), body)
	if err != nil {
		return fail(err)
	}

	contentType := request.Type
	if contentType == "" {
		contentType = DefaultContentType
	}
	req.Header.Add("Content-Type", contentType)
	req.Header.Add("Accept", contentType)
	req.Header.Add("X-Request-Id", request.RequestId.String())

	if byJwt := self.ByJwt(); byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	r, err := self.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		if errorMessage == "" {
			errorMessage = r.Status
		}
		response := fail(&StatusError{
			StatusCode: r.StatusCode,
			Message:    errorMessage,
		})
		response.StatusCode = r.StatusCode
		response.Body = responseBodyBytes
		return response
	}

	if err != nil {
		response := fail(err)
		response.StatusCode = r.StatusCode
		return response
	}

	glog.V(2).Infof("[rh]%s <- %d (%d bytes)\n", request, r.StatusCode, len(responseBodyBytes))
	return &Response{
		Request:    request,
		StatusCode: r.StatusCode,
		Body:       responseBodyBytes,
	}
}

// a non-success http status
type StatusError struct {
	StatusCode int
	Message    string
}

func (self *StatusError) Error() string {
	return fmt.Sprintf("%d %s", self.StatusCode, self.Message)
}

func IsStatus(err error, statusCode int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == statusCode
	}
	return false
}

func (self *HttpDriver) Close() {
	self.cancel()
}
