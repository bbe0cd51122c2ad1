package replicate

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"github.com/kaosnet/tagsync/tags"
	"github.com/kaosnet/tagsync/tagstack"
)

type SubscriberSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	Registry           *tags.Registry
	AppVersion         string
}

func DefaultSubscriberSettings() *SubscriberSettings {
	return &SubscriberSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		Registry:           tags.DefaultRegistry(),
	}
}

// Subscriber keeps a local container converged with a remote
// authority. It dials the publisher, authenticates with a subscriber
// jwt, and replays every received delta into the container, which
// fires the same owner notifications as the authoritative mutation
// did on the other side.
//
// Attach the container's owner before creating the subscriber so the
// initial snapshot is observed too.
type Subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	url       string
	byJwt     string
	container *tagstack.Container
	settings  *SubscriberSettings

	stateLock sync.Mutex
}

func NewSubscriberWithDefaults(ctx context.Context, url string, byJwt string, container *tagstack.Container) *Subscriber {
	return NewSubscriber(ctx, url, byJwt, container, DefaultSubscriberSettings())
}

func NewSubscriber(ctx context.Context, url string, byJwt string, container *tagstack.Container, settings *SubscriberSettings) *Subscriber {
	cancelCtx, cancel := context.WithCancel(ctx)
	subscriber := &Subscriber{
		ctx:       cancelCtx,
		cancel:    cancel,
		url:       url,
		byJwt:     byJwt,
		container: container,
		settings:  settings,
	}
	go subscriber.run()
	return subscriber
}

// View runs `callback` with exclusive read access to the replica
// container, serialized against delta application.
func (self *Subscriber) View(callback func(container *tagstack.Container)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callback(self.container)
}

func (self *Subscriber) Close() {
	self.cancel()
}

func (self *Subscriber) run() {
	for {
		HandleError(func() {
			self.connect()
		})
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *Subscriber) connect() {
	clientId := ""
	if byJwt, err := ParseByJwtUnverified(self.byJwt); err == nil {
		clientId = byJwt.ClientId.String()
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		glog.Infof("[sub]%s connect error = %s\n", clientId, err)
		return
	}
	defer conn.Close()

	// the connection dies with the subscriber context
	connectCtx, connectCancel := context.WithCancel(self.ctx)
	defer connectCancel()
	go func() {
		<-connectCtx.Done()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	authFrameBytes := EncodeAuthFrame(&AuthFrame{
		ByJwt:      self.byJwt,
		AppVersion: self.settings.AppVersion,
	})
	if err := conn.WriteMessage(websocket.BinaryMessage, authFrameBytes); err != nil {
		glog.Infof("[sub]%s-> auth error = %s\n", clientId, err)
		return
	}

	// every connection starts with a full snapshot keyed against a
	// fresh publisher-side baseline. drop whatever an earlier
	// connection left behind so the snapshot cannot duplicate records
	// or retain tags removed while disconnected.
	self.stateLock.Lock()
	self.container.Reset()
	self.stateLock.Unlock()

	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPingHandler(func(message string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(message))
	})

	for {
		_, frameBytes, err := conn.ReadMessage()
		if err != nil {
			glog.Infof("[sub]%s<- error = %s\n", clientId, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))

		frame, err := DecodeFrame(frameBytes, self.settings.Registry)
		if err != nil {
			glog.Warningf("[sub]%s<- bad frame = %s\n", clientId, err)
			return
		}
		if frame.Delta == nil {
			continue
		}

		self.stateLock.Lock()
		self.container.ApplyDelta(frame.Delta)
		self.stateLock.Unlock()
		glog.V(2).Infof("[sub]%s<- delta +%d ~%d -%d\n", clientId, len(frame.Delta.Added), len(frame.Delta.Changed), len(frame.Delta.Removed))
	}
}
