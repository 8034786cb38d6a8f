package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"

	"github.com/showsync/rundown/rundown"
)

const RundownCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Rundown sync control.

Usage:
    rundownctl tail --channel=<channel>
        [--ws_url=<ws_url> | --redis_addr=<redis_addr>]
        [--jwt=<jwt>]
    rundownctl publish --channel=<channel> <message>
        [--ws_url=<ws_url> | --redis_addr=<redis_addr>]
        [--jwt=<jwt>]
    rundownctl doc --db_url=<db_url> --doc_id=<doc_id>

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --channel=<channel>        Broadcast channel name.
    --ws_url=<ws_url>          Websocket broadcast url.
    --redis_addr=<redis_addr>  Redis address [default: localhost:6379].
    --jwt=<jwt>                Session JWT.
    --db_url=<db_url>          Document store url.
    --doc_id=<doc_id>          Document id.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RundownCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		publish(opts)
	} else if doc_, _ := opts.Bool("doc"); doc_ {
		doc(opts)
	}
}

func newTransport(cancelCtx context.Context, opts docopt.Opts) rundown.BroadcastTransport {
	channelName, _ := opts.String("--channel")

	if wsUrl, err := opts.String("--ws_url"); err == nil && wsUrl != "" {
		jwt, _ := opts.String("--jwt")
		auth := &rundown.SessionAuth{
			ByJwt:      jwt,
			InstanceId: rundown.NewId(),
		}
		return rundown.NewWebsocketBroadcastTransportWithDefaults(cancelCtx, wsUrl, channelName, auth)
	}

	redisAddr, _ := opts.String("--redis_addr")
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	return rundown.NewRedisBroadcastTransportWithDefaults(cancelCtx, client, channelName)
}

// print every envelope on the channel until interrupted
func tail(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTransport(cancelCtx, opts)
	defer transport.Close()

	transport.AddStatusCallback(func(channelName string, status rundown.ChannelStatus, err error) {
		if err != nil {
			Err.Printf("[%s] %s (%s)", channelName, status, err)
		} else {
			Err.Printf("[%s] %s", channelName, status)
		}
	})
	transport.AddMessageCallback(func(channelName string, message []byte) {
		Out.Printf("%s", message)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func publish(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := newTransport(cancelCtx, opts)
	defer transport.Close()

	message, _ := opts.String("<message>")

	// give the transport a moment to subscribe before sending
	time.Sleep(1 * time.Second)

	if err := transport.Publish([]byte(message)); err != nil {
		Err.Printf("publish error = %s", err)
		os.Exit(1)
	}
}

// fetch and print a document from the store
func doc(opts docopt.Opts) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbUrl, _ := opts.String("--db_url")
	docId, _ := opts.String("--doc_id")

	store, err := rundown.NewPgDocumentStore(cancelCtx, dbUrl)
	if err != nil {
		Err.Printf("store error = %s", err)
		os.Exit(1)
	}
	defer store.Close()

	document, err := store.GetDocument(cancelCtx, docId)
	if err != nil {
		Err.Printf("fetch error = %s", err)
		os.Exit(1)
	}

	documentJson, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		Err.Printf("encode error = %s", err)
		os.Exit(1)
	}
	Out.Printf("%s", documentJson)
}
