package collection

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type PushFeedSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	ReadTimeout        time.Duration
}

func DefaultPushFeedSettings() *PushFeedSettings {
	return &PushFeedSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		ReadTimeout:        60 * time.Second,
	}
}

// server pushed entity data.
// each text message is one descriptor, bare or wrapped under the type name,
// adopted by the confirmed entity with the same identity.
// an empty binary message is a ping.
type PushFeed struct {
	ctx    context.Context
	cancel context.CancelFunc

	collection *Collection
	feedUrl    string
	byJwt      string

	settings *PushFeedSettings
}

func NewPushFeedWithDefaults(
	ctx context.Context,
	collection *Collection,
	feedUrl string,
	byJwt string,
) *PushFeed {
	return NewPushFeed(ctx, collection, feedUrl, byJwt, DefaultPushFeedSettings())
}

func NewPushFeed(
	ctx context.Context,
	collection *Collection,
	feedUrl string,
	byJwt string,
	settings *PushFeedSettings,
) *PushFeed {
	cancelCtx, cancel := context.WithCancel(ctx)
	feed := &PushFeed{
		ctx:        cancelCtx,
		cancel:     cancel,
		collection: collection,
		feedUrl:    feedUrl,
		byJwt:      byJwt,
		settings:   settings,
	}
	go feed.run()
	return feed
}

func (self *PushFeed) run() {
	defer self.cancel()

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[rp]connect %s", self.feedUrl), self.connect)
		} else {
			ws, err = self.connect()
		}
		if err != nil {
			glog.Infof("[rp]connect error %s = %s\n", self.feedUrl, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		reconnect = NewReconnect(self.settings.ReconnectTimeout)
		self.receive(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *PushFeed) connect() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	if self.byJwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}
	ws, _, err := dialer.DialContext(self.ctx, self.feedUrl, header)
	return ws, err
}

func (self *PushFeed) receive(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		// unblocks the read
		<-handleCtx.Done()
		ws.Close()
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[rp]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			glog.V(2).Infof("[rp]<- %d bytes\n", len(message))
			self.collection.Settings().Metrics.push()
			self.collection.PushBody(message)
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[rp]ping <-\n")
				continue
			}
			glog.Infof("[rp]drop binary message <-\n")
		default:
			glog.V(2).Infof("[rp]other=%d <-\n", messageType)
		}
	}
}

func (self *PushFeed) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *PushFeed) Close() {
	self.cancel()
}

// holds a minimum spacing between connection attempts,
// measured from when the attempt started
type Reconnect struct {
	start   time.Time
	timeout time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		start:   time.Now(),
		timeout: timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining <= 0 {
		remaining = 0
	}
	return time.After(remaining)
}
