package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"caresync.health/caresync"
)

const SyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Sync control.

Inspect and exercise the offline mutation queue and the realtime
channel against a local data dir.

Usage:
    syncctl enqueue --data_dir=<data_dir>
        --command=<command>
        [--args=<args>]
        [--priority=<priority>]
    syncctl status --data_dir=<data_dir>
    syncctl drain --data_dir=<data_dir>
        --api_url=<api_url>
        --jwt=<jwt>
    syncctl clear --data_dir=<data_dir>
    syncctl listen --connect_url=<connect_url> --jwt=<jwt>
        [--event=<event_name>...]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --data_dir=<data_dir>        Local durable store directory.
    --command=<command>          Command type, e.g. api_call.
    --args=<args>                Command args as a JSON object.
    --priority=<priority>        One of high, normal, low [default: normal].
    --api_url=<api_url>          Backend api base url.
    --connect_url=<connect_url>  Realtime websocket url.
    --jwt=<jwt>                  Your platform JWT.
    --event=<event_name>         Event name to print. Repeatable.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if enqueue_, _ := opts.Bool("enqueue"); enqueue_ {
		enqueue(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if drain_, _ := opts.Bool("drain"); drain_ {
		drain(opts)
	} else if clear_, _ := opts.Bool("clear"); clear_ {
		clear(opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts)
	}
}

func openStore(opts docopt.Opts) *caresync.BadgerStore {
	dataDir, _ := opts.String("--data_dir")
	store, err := caresync.OpenBadgerStore(filepath.Join(dataDir, "sync"))
	if err != nil {
		Err.Fatalf("Could not open store (%s).", err)
	}
	return store
}

func enqueue(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	commandType, _ := opts.String("--command")
	priorityStr, _ := opts.String("--priority")
	argsStr, _ := opts.String("--args")

	var args any
	if argsStr != "" {
		var argsJson json.RawMessage
		if err := json.Unmarshal([]byte(argsStr), &argsJson); err != nil {
			Err.Fatalf("Invalid args (%s).", err)
		}
		args = argsJson
	}

	var priority caresync.MutationPriority
	switch priorityStr {
	case "high":
		priority = caresync.MutationPriorityHigh
	case "normal", "":
		priority = caresync.MutationPriorityNormal
	case "low":
		priority = caresync.MutationPriorityLow
	default:
		Err.Fatalf("Invalid priority (%s).", priorityStr)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// offline on purpose: enqueue only, no drain attempt
	monitor := caresync.NewConnectivityMonitor(caresync.NewToggleReachability(false))
	defer monitor.Close()

	queue := caresync.NewMutationQueueWithDefaults(cancelCtx, store, monitor, caresync.NewExecutorTable())
	defer queue.Close()

	mutationId, err := queue.Enqueue(commandType, args, priority)
	if err != nil {
		Err.Fatalf("Enqueue failed (%s).", err)
	}
	Out.Printf("%s", mutationId)
}

func status(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := caresync.NewConnectivityMonitor(caresync.NewToggleReachability(false))
	defer monitor.Close()

	queue := caresync.NewMutationQueueWithDefaults(cancelCtx, store, monitor, caresync.NewExecutorTable())
	defer queue.Close()

	Out.Printf("%d pending", queue.PendingCount())
}

func drain(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	apiUrl, _ := opts.String("--api_url")
	jwt, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := caresync.NewConnectivityMonitor(caresync.NewToggleReachability(true))
	defer monitor.Close()

	executors := caresync.NewExecutorTable()
	executors.Register(caresync.CommandTypeApiCall, caresync.NewApiCallExecutor(apiUrl, jwt))

	queue := caresync.NewMutationQueueWithDefaults(cancelCtx, store, monitor, executors)
	defer queue.Close()

	queue.AddMutationDropCallback(func(record *caresync.MutationRecord, reason error) {
		Out.Printf("dropped %s %s (%s)", record.MutationId, record.CommandType, reason)
	})

	before := queue.PendingCount()
	queue.Drain()
	after := queue.PendingCount()
	Out.Printf("drained %d, %d pending", before-after, after)
}

func clear(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := caresync.NewConnectivityMonitor(caresync.NewToggleReachability(false))
	defer monitor.Close()

	queue := caresync.NewMutationQueueWithDefaults(cancelCtx, store, monitor, caresync.NewExecutorTable())
	defer queue.Close()

	queue.Clear()
	Out.Printf("cleared")
}

func listen(opts docopt.Opts) {
	connectUrl, _ := opts.String("--connect_url")
	jwt, _ := opts.String("--jwt")

	eventNames, _ := opts["--event"].([]string)
	if len(eventNames) == 0 {
		eventNames = []string{
			"message:new",
			"appointment:reminder",
			"medication:reminder",
			"lab:result",
			"entity:update",
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := caresync.NewConnectivityMonitor(caresync.NewToggleReachability(true))
	defer monitor.Close()

	registry := caresync.NewHandlerRegistry()
	for _, eventName := range eventNames {
		eventName := eventName
		registry.RegisterHandler(eventName, func(event caresync.Event) {
			Out.Printf("%s %s %s", time.Now().Format(time.RFC3339), event.Name, string(event.Payload))
		})
	}

	channel := caresync.NewRealtimeChannelWithDefaults(
		cancelCtx,
		caresync.NewWsTransportWithDefaults(connectUrl),
		registry,
		caresync.NewMemoryStore(),
		monitor,
	)
	defer channel.Close()

	channel.AddStateChangeCallback(func(state caresync.ChannelState) {
		Err.Printf("channel %s", state)
	})
	channel.AddAuthErrorCallback(func(err error) {
		Err.Printf("auth error (%s)", err)
	})

	auth := &caresync.SessionAuth{
		ByJwt:      jwt,
		InstanceId: caresync.NewId(),
		AppVersion: SyncCtlVersion,
	}
	if err := channel.Connect(cancelCtx, auth); err != nil {
		Err.Printf("Connect failed (%s). Reconnecting in the background.", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println()
}
