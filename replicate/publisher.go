package replicate

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"

	"github.com/kaosnet/tagsync/tags"
	"github.com/kaosnet/tagsync/tagstack"
)

var errFirstFrameNotAuth = errors.New("first frame must be auth")

type PublisherSettings struct {
	// the replication tick. pending deltas go out at most this late
	// unless Flush breaks dormancy first.
	TickTimeout        time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
	WsHandshakeTimeout time.Duration
	// outbound frames queued per subscriber before it is dropped as
	// too slow
	SubscriberBufferSize int
	Registry             *tags.Registry
}

func DefaultPublisherSettings() *PublisherSettings {
	return &PublisherSettings{
		TickTimeout:          100 * time.Millisecond,
		AuthTimeout:          2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		PingTimeout:          1 * time.Second,
		WsHandshakeTimeout:   2 * time.Second,
		SubscriberBufferSize: 32,
		Registry:             tags.DefaultRegistry(),
	}
}

// Publisher replicates one authoritative container to any number of
// websocket observers. Each observer has its own ReplicaState, so a
// late joiner gets a full snapshot and an established one only the
// entries it is missing.
//
// The publisher serializes all container access behind its state
// lock: the authority mutates through Update, the replication tick
// reads through WriteDelta. This is the external single-writer
// discipline the container itself assumes.
type Publisher struct {
	ctx    context.Context
	cancel context.CancelFunc

	container *tagstack.Container
	secret    []byte
	settings  *PublisherSettings

	upgrader *websocket.Upgrader

	stateLock   sync.Mutex
	subscribers map[Id]*publisherSubscriber

	flush chan struct{}
}

type publisherSubscriber struct {
	cancel context.CancelFunc

	// one instance per connection. a client may connect twice.
	instanceId Id
	clientId   Id
	conn       *websocket.Conn
	send       chan []byte
	state      *tagstack.ReplicaState
}

func NewPublisherWithDefaults(ctx context.Context, container *tagstack.Container, secret []byte) *Publisher {
	return NewPublisher(ctx, container, secret, DefaultPublisherSettings())
}

func NewPublisher(ctx context.Context, container *tagstack.Container, secret []byte, settings *PublisherSettings) *Publisher {
	cancelCtx, cancel := context.WithCancel(ctx)
	publisher := &Publisher{
		ctx:       cancelCtx,
		cancel:    cancel,
		container: container,
		secret:    secret,
		settings:  settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		},
		subscribers: map[Id]*publisherSubscriber{},
		flush:       make(chan struct{}, 1),
	}
	go publisher.run()
	return publisher
}

// Update runs `callback` with exclusive access to the authoritative
// container. All mutations go through here.
func (self *Publisher) Update(callback func(container *tagstack.Container)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callback(self.container)
}

// Flush breaks dormancy: pending deltas are sent on the next loop
// iteration instead of waiting for the tick. Wire this as the
// container owner's ForceReplicationFlush.
func (self *Publisher) Flush() {
	select {
	case self.flush <- struct{}{}:
	default:
		// a flush is already pending
	}
}

func (self *Publisher) Close() {
	self.cancel()
}

func (self *Publisher) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers)
}

func (self *Publisher) run() {
	defer func() {
		self.stateLock.Lock()
		subscribers := maps.Values(self.subscribers)
		self.stateLock.Unlock()
		for _, subscriber := range subscribers {
			subscriber.cancel()
		}
	}()

	ticker := time.NewTicker(self.settings.TickTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
		case <-self.flush:
		}
		self.broadcast()
	}
}

func (self *Publisher) broadcast() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for instanceId, subscriber := range self.subscribers {
		delta, ok := self.container.WriteDelta(subscriber.state)
		if !ok {
			continue
		}
		select {
		case subscriber.send <- EncodeDeltaFrame(delta):
			glog.V(2).Infof("[pub]%s-> delta +%d ~%d -%d\n", subscriber.clientId, len(delta.Added), len(delta.Changed), len(delta.Removed))
		default:
			// too slow to keep up. drop it; it can reconnect and
			// resnapshot.
			glog.Infof("[pub]%s-> backpressure, dropping subscriber\n", subscriber.clientId)
			delete(self.subscribers, instanceId)
			subscriber.cancel()
		}
	}
}

// ServeHTTP upgrades the connection, authenticates the first frame as
// a subscriber jwt, and streams deltas.
func (self *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[pub]upgrade error = %s\n", err)
		return
	}

	byJwt, err := self.authenticate(conn)
	if err != nil {
		glog.Infof("[pub]auth error = %s\n", err)
		conn.Close()
		return
	}

	subscriberCtx, subscriberCancel := context.WithCancel(self.ctx)
	subscriber := &publisherSubscriber{
		cancel:     subscriberCancel,
		instanceId: NewId(),
		clientId:   byJwt.ClientId,
		conn:       conn,
		send:       make(chan []byte, self.settings.SubscriberBufferSize),
		state:      tagstack.NewReplicaState(),
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.subscribers[subscriber.instanceId] = subscriber
		// initial snapshot: a fresh state diffs to everything present
		if delta, ok := self.container.WriteDelta(subscriber.state); ok {
			subscriber.send <- EncodeDeltaFrame(delta)
		}
	}()
	glog.V(1).Infof("[pub]%s connected\n", subscriber.clientId)

	go HandleError(func() {
		self.subscriberWrite(subscriberCtx, subscriber)
	}, func(err error) {
		subscriberCancel()
	})
	go HandleError(func() {
		self.subscriberRead(subscriberCtx, subscriber)
	}, func(err error) {
		subscriberCancel()
	})
}

func (self *Publisher) authenticate(conn *websocket.Conn) (*ByJwt, error) {
	conn.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, authFrameBytes, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame, err := DecodeFrame(authFrameBytes, self.settings.Registry)
	if err != nil {
		return nil, err
	}
	if frame.Auth == nil {
		return nil, errFirstFrameNotAuth
	}
	return ParseByJwt(self.secret, frame.Auth.ByJwt)
}

func (self *Publisher) subscriberWrite(ctx context.Context, subscriber *publisherSubscriber) {
	defer self.removeSubscriber(subscriber)

	pingTicker := time.NewTicker(self.settings.PingTimeout)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frameBytes := <-subscriber.send:
			subscriber.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := subscriber.conn.WriteMessage(websocket.BinaryMessage, frameBytes); err != nil {
				glog.Infof("[pub]%s-> error = %s\n", subscriber.clientId, err)
				return
			}
		case <-pingTicker.C:
			subscriber.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := subscriber.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Infof("[pub]%s-> ping error = %s\n", subscriber.clientId, err)
				return
			}
		}
	}
}

func (self *Publisher) subscriberRead(ctx context.Context, subscriber *publisherSubscriber) {
	defer self.removeSubscriber(subscriber)

	// observers never send after auth. read only to service pongs and
	// to notice the close.
	subscriber.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	subscriber.conn.SetPongHandler(func(string) error {
		subscriber.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := subscriber.conn.ReadMessage(); err != nil {
			glog.V(2).Infof("[pub]%s<- closed = %s\n", subscriber.clientId, err)
			return
		}
	}
}

func (self *Publisher) removeSubscriber(subscriber *publisherSubscriber) {
	self.stateLock.Lock()
	_, ok := self.subscribers[subscriber.instanceId]
	delete(self.subscribers, subscriber.instanceId)
	self.stateLock.Unlock()

	subscriber.cancel()
	subscriber.conn.Close()
	if ok {
		glog.V(1).Infof("[pub]%s disconnected\n", subscriber.clientId)
	}
}
