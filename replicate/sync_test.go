package replicate

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/kaosnet/tagsync/tags"
	"github.com/kaosnet/tagsync/tagstack"
)

type syncEvent struct {
	kind          string
	tag           string
	count         int
	previousCount int
	newCount      int
}

func nextSyncEvent(t *testing.T, events chan syncEvent) syncEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for a stack event")
		return syncEvent{}
	}
}

// authority -> publisher -> websocket -> subscriber -> replica,
// end to end
func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-signing-key")

	serverRegistry := tags.NewRegistry()
	fire := serverRegistry.MustRegister("Status.Fire")
	ice := serverRegistry.MustRegister("Status.Ice")

	authority := tagstack.NewContainer(serverRegistry)

	publisherSettings := DefaultPublisherSettings()
	publisherSettings.TickTimeout = 10 * time.Millisecond
	publisherSettings.Registry = serverRegistry
	publisher := NewPublisher(ctx, authority, secret, publisherSettings)
	defer publisher.Close()

	// the host owner forwards the flush hint to the publisher
	publisher.Update(func(container *tagstack.Container) {
		container.SetOwner(&tagstack.OwnerFuncs{
			Flush: publisher.Flush,
		})
	})

	server := httptest.NewServer(publisher)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	// state present before the subscriber joins arrives as the
	// initial snapshot
	publisher.Update(func(container *tagstack.Container) {
		container.AddStack(fire, 3)
	})

	jwtStr, err := SignByJwt(secret, &ByJwt{ClientId: NewId()})
	assert.Equal(t, nil, err)

	clientRegistry := tags.NewRegistry()
	events := make(chan syncEvent, 64)
	replica := tagstack.NewContainer(clientRegistry)
	replica.SetOwner(&tagstack.OwnerFuncs{
		Added: func(tag tags.Tag, count int) {
			events <- syncEvent{kind: "added", tag: tag.String(), count: count}
		},
		Removed: func(tag tags.Tag, previousCount int, newCount int) {
			events <- syncEvent{kind: "removed", tag: tag.String(), previousCount: previousCount, newCount: newCount}
		},
		Changed: func(tag tags.Tag, previousCount int, newCount int) {
			events <- syncEvent{kind: "changed", tag: tag.String(), previousCount: previousCount, newCount: newCount}
		},
	})

	subscriberSettings := DefaultSubscriberSettings()
	subscriberSettings.Registry = clientRegistry
	subscriber := NewSubscriber(ctx, url, jwtStr, replica, subscriberSettings)
	defer subscriber.Close()

	assert.Equal(t, syncEvent{kind: "added", tag: "Status.Fire", count: 3}, nextSyncEvent(t, events))

	publisher.Update(func(container *tagstack.Container) {
		container.AddStack(fire, 2)
	})
	assert.Equal(t, syncEvent{kind: "changed", tag: "Status.Fire", previousCount: 3, newCount: 5}, nextSyncEvent(t, events))

	publisher.Update(func(container *tagstack.Container) {
		container.AddStack(ice, 1)
	})
	assert.Equal(t, syncEvent{kind: "added", tag: "Status.Ice", count: 1}, nextSyncEvent(t, events))

	publisher.Update(func(container *tagstack.Container) {
		container.RemoveStackByTag(fire)
	})
	assert.Equal(t, syncEvent{kind: "removed", tag: "Status.Fire", previousCount: 5, newCount: 0}, nextSyncEvent(t, events))

	subscriber.View(func(container *tagstack.Container) {
		clientIce := clientRegistry.MustParse("Status.Ice")
		assert.Equal(t, 1, container.GetStackCount(clientIce))
		assert.Equal(t, 1, container.Len())
		assert.Equal(t, false, container.ContainsTag(clientRegistry.MustParse("Status.Fire")))
	})
}

// a dropped subscriber reconnects against a fresh publisher-side
// baseline and must reconverge, not accumulate stale or duplicate
// records
func TestSubscriberReconnectResnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-signing-key")

	serverRegistry := tags.NewRegistry()
	fire := serverRegistry.MustRegister("Status.Fire")
	ice := serverRegistry.MustRegister("Status.Ice")

	authority := tagstack.NewContainer(serverRegistry)

	publisherSettings := DefaultPublisherSettings()
	publisherSettings.TickTimeout = 10 * time.Millisecond
	publisherSettings.Registry = serverRegistry
	publisher := NewPublisher(ctx, authority, secret, publisherSettings)
	defer publisher.Close()

	server := httptest.NewServer(publisher)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	publisher.Update(func(container *tagstack.Container) {
		container.AddStack(fire, 3)
		container.AddStack(ice, 1)
	})

	jwtStr, err := SignByJwt(secret, &ByJwt{ClientId: NewId()})
	assert.Equal(t, nil, err)

	clientRegistry := tags.NewRegistry()
	events := make(chan syncEvent, 64)
	replica := tagstack.NewContainer(clientRegistry)
	replica.SetOwner(&tagstack.OwnerFuncs{
		Added: func(tag tags.Tag, count int) {
			events <- syncEvent{kind: "added", tag: tag.String(), count: count}
		},
		Removed: func(tag tags.Tag, previousCount int, newCount int) {
			events <- syncEvent{kind: "removed", tag: tag.String(), previousCount: previousCount, newCount: newCount}
		},
	})

	subscriberSettings := DefaultSubscriberSettings()
	subscriberSettings.Registry = clientRegistry
	subscriberSettings.ReconnectTimeout = 100 * time.Millisecond
	subscriber := NewSubscriber(ctx, url, jwtStr, replica, subscriberSettings)
	defer subscriber.Close()

	assert.Equal(t, syncEvent{kind: "added", tag: "Status.Fire", count: 3}, nextSyncEvent(t, events))
	assert.Equal(t, syncEvent{kind: "added", tag: "Status.Ice", count: 1}, nextSyncEvent(t, events))

	// sever every connection, then mutate while the subscriber is away.
	// `server.CloseClientConnections` cannot reach the websocket because
	// `httptest.Server` forgets connections once they are hijacked, so
	// close the publisher-side conns directly.
	publisher.stateLock.Lock()
	for _, publisherSubscriber := range publisher.subscribers {
		publisherSubscriber.conn.Close()
	}
	publisher.stateLock.Unlock()
	publisher.Update(func(container *tagstack.Container) {
		container.RemoveStackByTag(ice)
		container.AddStack(fire, 2)
	})

	// on reconnect the replica resets and replays the snapshot
	assert.Equal(t, syncEvent{kind: "removed", tag: "Status.Fire", previousCount: 3, newCount: 0}, nextSyncEvent(t, events))
	assert.Equal(t, syncEvent{kind: "removed", tag: "Status.Ice", previousCount: 1, newCount: 0}, nextSyncEvent(t, events))
	assert.Equal(t, syncEvent{kind: "added", tag: "Status.Fire", count: 5}, nextSyncEvent(t, events))

	subscriber.View(func(container *tagstack.Container) {
		assert.Equal(t, 1, container.Len())
		assert.Equal(t, 5, container.GetStackCount(clientRegistry.MustParse("Status.Fire")))
		assert.Equal(t, false, container.ContainsTag(clientRegistry.MustParse("Status.Ice")))
	})
}

func TestPublisherRejectsBadAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-signing-key")
	registry := tags.NewRegistry()
	authority := tagstack.NewContainer(registry)

	publisherSettings := DefaultPublisherSettings()
	publisherSettings.Registry = registry
	publisher := NewPublisher(ctx, authority, secret, publisherSettings)
	defer publisher.Close()

	server := httptest.NewServer(publisher)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	// a token signed with the wrong key never registers a subscriber
	badJwt, err := SignByJwt([]byte("other-key"), &ByJwt{ClientId: NewId()})
	assert.Equal(t, nil, err)

	replica := tagstack.NewContainer(tags.NewRegistry())
	subscriberSettings := DefaultSubscriberSettings()
	subscriberSettings.ReconnectTimeout = time.Hour
	subscriber := NewSubscriber(ctx, url, badJwt, replica, subscriberSettings)
	defer subscriber.Close()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, publisher.SubscriberCount())
	assert.Equal(t, 0, replica.Len())
}
