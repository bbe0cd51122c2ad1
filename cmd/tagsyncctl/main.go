package main

import (
	"context"
	"log"
	mathrand "math/rand"
	"net/http"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/kaosnet/tagsync/replicate"
	"github.com/kaosnet/tagsync/tags"
	"github.com/kaosnet/tagsync/tagstack"
)

const TagSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Tag stack replication control.

serve runs an authoritative publisher with a demo mutation loop so
watchers have something to observe.

Usage:
    tagsyncctl serve --listen=<address> --secret=<secret>
        [--tick=<tick_ms>]
    tagsyncctl watch --url=<url> --jwt=<jwt>
    tagsyncctl mint-jwt --secret=<secret>
        [--client_id=<client_id>]
        [--session=<session>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --listen=<address>         Listen address, e.g. 127.0.0.1:7070
    --secret=<secret>          JWT signing key.
    --tick=<tick_ms>           Replication tick in milliseconds [default: 100].
    --url=<url>                Publisher url, e.g. ws://127.0.0.1:7070
    --jwt=<jwt>                Subscriber JWT.
    --client_id=<client_id>    Subscriber client id. Random when omitted.
    --session=<session>        Session name claim.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], TagSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if mintJwt_, _ := opts.Bool("mint-jwt"); mintJwt_ {
		mintJwt(opts)
	}
}

func serve(opts docopt.Opts) {
	listenAddress, _ := opts.String("--listen")
	secret, _ := opts.String("--secret")
	tickMillis, _ := opts.Int("--tick")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	burning := tags.MustRegister("Status.Burning")
	chilled := tags.MustRegister("Status.Chilled")
	haste := tags.MustRegister("Buff.Haste")
	demoTags := []tags.Tag{burning, chilled, haste}

	container := tagstack.NewContainer(nil)

	settings := replicate.DefaultPublisherSettings()
	settings.TickTimeout = time.Duration(tickMillis) * time.Millisecond
	publisher := replicate.NewPublisher(cancelCtx, container, []byte(secret), settings)
	defer publisher.Close()

	publisher.Update(func(container *tagstack.Container) {
		container.SetOwner(&tagstack.OwnerFuncs{
			Added: func(tag tags.Tag, count int) {
				Out.Printf("+ %s x%d\n", tag, count)
			},
			Removed: func(tag tags.Tag, previousCount int, newCount int) {
				Out.Printf("- %s (was x%d)\n", tag, previousCount)
			},
			Changed: func(tag tags.Tag, previousCount int, newCount int) {
				Out.Printf("~ %s x%d -> x%d\n", tag, previousCount, newCount)
			},
			Flush: publisher.Flush,
		})
	})

	// demo mutation loop
	go func() {
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-time.After(1 * time.Second):
			}
			publisher.Update(func(container *tagstack.Container) {
				tag := demoTags[mathrand.Intn(len(demoTags))]
				if mathrand.Intn(3) == 0 {
					container.RemoveStack(tag, 1+mathrand.Intn(2))
				} else {
					container.AddStack(tag, 1+mathrand.Intn(3))
				}
			})
		}
	}()

	Out.Printf("serving on %s\n", listenAddress)
	if err := http.ListenAndServe(listenAddress, publisher); err != nil {
		Err.Fatalf("listen error = %s", err)
	}
}

func watch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	jwtStr, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container := tagstack.NewContainer(nil)
	container.SetOwner(&tagstack.OwnerFuncs{
		Added: func(tag tags.Tag, count int) {
			Out.Printf("+ %s x%d\n", tag, count)
		},
		Removed: func(tag tags.Tag, previousCount int, newCount int) {
			Out.Printf("- %s (was x%d)\n", tag, previousCount)
		},
		Changed: func(tag tags.Tag, previousCount int, newCount int) {
			Out.Printf("~ %s x%d -> x%d\n", tag, previousCount, newCount)
		},
	})

	subscriber := replicate.NewSubscriberWithDefaults(cancelCtx, url, jwtStr, container)
	defer subscriber.Close()

	select {}
}

func mintJwt(opts docopt.Opts) {
	secret, _ := opts.String("--secret")

	clientId := replicate.NewId()
	if clientIdStr, err := opts.String("--client_id"); err == nil && clientIdStr != "" {
		parsedId, err := replicate.ParseId(clientIdStr)
		if err != nil {
			Err.Fatalf("bad client id = %s", err)
		}
		clientId = parsedId
	}
	sessionName, _ := opts.String("--session")

	jwtStr, err := replicate.SignByJwt([]byte(secret), &replicate.ByJwt{
		ClientId:    clientId,
		SessionName: sessionName,
	})
	if err != nil {
		Err.Fatalf("sign error = %s", err)
	}
	Out.Printf("%s\n", jwtStr)
}
