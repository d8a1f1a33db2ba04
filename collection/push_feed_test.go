package collection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

func TestPushFeedAdoptsPushedData(t *testing.T) {
	authorization := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		// ping
		ws.WriteMessage(websocket.BinaryMessage, []byte{})
		ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		ws.WriteMessage(websocket.TextMessage, []byte(`{"note": {"id": 0, "text": "pushed"}}`))
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := NewLoop(ctx)
	defer loop.Close()

	settings := DefaultCollectionSettings()
	settings.Metrics = NewMetrics(prometheus.NewRegistry())
	c := NewCollection(ctx, loop, NewRecordType("Note"), NewEventBus(loop), "/notes", settings)
	defer c.Close()

	states := make(chan []Descriptor, 32)
	updates := make(chan *Request, 32)
	loop.Post(func() {
		Pluck(c, StateSelector()).Subscribe(func(state []Descriptor) {
			states <- state
		})
		Filter(c.Requests(), func(request *Request) bool {
			return request.Category == CategoryUpdate
		}).Subscribe(func(request *Request) {
			updates <- request
		})
	})
	c.HandleResponse(&Response{
		Request:    &Request{Category: CategoryIndex},
		StatusCode: 200,
		Body:       []byte(`[{"id": 0, "text": "Hello world"}]`),
	})
	waitForState(t, states, func(state []Descriptor) bool {
		return len(state) == 1
	})

	feedUrl := "ws" + strings.TrimPrefix(server.URL, "http")
	feed := NewPushFeedWithDefaults(ctx, c, feedUrl, "token")
	defer feed.Close()

	select {
	case value := <-authorization:
		assert.Equal(t, value, "Bearer token")
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not connect")
	}

	pushed := waitForState(t, states, func(state []Descriptor) bool {
		return len(state) == 1 && state[0]["text"] == "pushed"
	})
	assert.Equal(t, pushed[0], Descriptor{"id": json.Number("0"), "text": "pushed"})
	assert.Equal(t, counterValue(t, settings.Metrics.pushesTotal), float64(1))

	// adoption is not an edit
	select {
	case request := <-updates:
		t.Fatalf("unexpected update %s", request)
	case <-time.After(2 * settings.DebounceTimeout):
	}

	feed.Close()
	select {
	case <-feed.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not close")
	}
}

func TestReconnectSpacing(t *testing.T) {
	reconnect := NewReconnect(50 * time.Millisecond)
	start := time.Now()
	<-reconnect.After()
	assert.Equal(t, 50*time.Millisecond <= time.Since(start)+5*time.Millisecond, true)

	elapsed := NewReconnect(0)
	select {
	case <-elapsed.After():
	case <-time.After(time.Second):
		t.Fatal("elapsed reconnect did not fire")
	}
}
