package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"docsync/internal/auth"
	"docsync/internal/client"
	"docsync/internal/crdt"
	"docsync/internal/discovery"
	"docsync/internal/repo"
	"docsync/internal/storage"
)

const AgentVersion = "0.1.0"

const usage = `docsync agent: keeps local replicas of sync documents.

Usage:
  agent watch <document> [--server=<url>] [--token=<token>] [--data=<path>]
  agent get <document> [--server=<url>] [--token=<token>] [--data=<path>]
  agent set <document> <path> <value> [--server=<url>] [--token=<token>] [--data=<path>]
  agent discover [--timeout=<duration>]
  agent -h | --help
  agent --version

Options:
  -h --help               Show this screen.
  --version               Show version.
  --server=<url>          Sync endpoint, e.g. ws://localhost:8080/sync. Found over mDNS when omitted.
  --token=<token>         Bearer token. Defaults to $DOCSYNC_TOKEN.
  --data=<path>           Local replica file [default: docsync-agent.db].
  --timeout=<duration>    How long to browse for servers [default: 5s].

<path> is a dot separated key path and <value> a JSON value, e.g.
  agent set 3f2c... manifest.title '"Paper A"'
`

// actorKey holds this replica's actor id so its changes keep one sequence
// across restarts.
var actorKey = storage.Key{"_agent", "actor"}

func main() {
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AgentVersion)
	if err != nil {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case command(opts, "discover"):
		err = discover(ctx, opts)
	case command(opts, "watch"):
		err = watch(ctx, opts)
	case command(opts, "get"):
		err = get(ctx, opts)
	case command(opts, "set"):
		err = set(ctx, opts)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func command(opts docopt.Opts, name string) bool {
	ok, _ := opts.Bool(name)
	return ok
}

func discover(ctx context.Context, opts docopt.Opts) error {
	timeout, err := browseTimeout(opts)
	if err != nil {
		return err
	}
	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	endpoints, err := discovery.Browse(browseCtx)
	if err != nil {
		return err
	}
	for _, e := range endpoints {
		fmt.Printf("%s\t%s\n", e.Instance, e.URL())
	}
	return nil
}

func browseTimeout(opts docopt.Opts) (time.Duration, error) {
	raw, _ := opts.String("--timeout")
	if raw == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(raw)
}

// replica is the local repository plus the server connection settings.
type replica struct {
	repo   *repo.Repo
	store  *storage.Bolt
	url    string
	token  string
	docID  repo.DocumentID
	client *client.Client
}

func openReplica(ctx context.Context, opts docopt.Opts) (*replica, error) {
	path, _ := opts.String("--data")
	store, err := storage.OpenBolt(path)
	if err != nil {
		return nil, err
	}
	actor, err := replicaActor(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	url, _ := opts.String("--server")
	if url == "" {
		url, err = discoverServer(ctx)
		if err != nil {
			store.Close()
			return nil, err
		}
	}
	token, _ := opts.String("--token")
	if token == "" {
		token = os.Getenv("DOCSYNC_TOKEN")
	}
	docID, _ := opts.String("<document>")

	settings := repo.DefaultSettings()
	settings.Actor = actor
	return &replica{
		repo:  repo.New(ctx, store, auth.AllowAll{}, nil, settings),
		store: store,
		url:   url,
		token: token,
		docID: repo.DocumentID(docID),
	}, nil
}

func replicaActor(ctx context.Context, store *storage.Bolt) (string, error) {
	data, err := store.Load(ctx, actorKey)
	if err != nil {
		return "", err
	}
	if data != nil {
		return string(data), nil
	}
	actor := uuid.NewString()
	if err := store.Save(ctx, actorKey, []byte(actor)); err != nil {
		return "", err
	}
	return actor, nil
}

func discoverServer(ctx context.Context) (string, error) {
	browseCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	endpoints, err := discovery.Browse(browseCtx)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", errors.New("no server found on the local network, pass --server")
	}
	glog.Infof("[agent]using %s at %s\n", endpoints[0].Instance, endpoints[0].URL())
	return endpoints[0].URL(), nil
}

func (r *replica) Close() {
	if r.client != nil {
		r.client.Close()
	}
	r.repo.Close()
	r.store.Close()
}

// connect dials with exponential backoff. A refused handshake means the token
// was rejected and is not retried.
func (r *replica) connect(ctx context.Context) (*repo.DocHandle, error) {
	var h *repo.DocHandle
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		c, err := client.Dial(ctx, r.url, r.token, r.repo, nil)
		if errors.Is(err, websocket.ErrBadHandshake) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		h, err = c.Request(ctx, r.docID)
		if err != nil {
			c.Close()
			return backoff.Permanent(err)
		}
		r.client = c
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		glog.Infof("[agent]connect error = %s, retrying in %s\n", err, next)
	})
	return h, err
}

func (r *replica) caughtUp(ctx context.Context) (*repo.DocHandle, error) {
	h, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.client.WaitCaughtUp(waitCtx, h); err != nil {
		return nil, err
	}
	return h, nil
}

func printValue(v map[string]any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func watch(ctx context.Context, opts docopt.Opts) error {
	r, err := openReplica(ctx, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	var cancelListener func()
	for {
		h, err := r.connect(ctx)
		if err != nil {
			return err
		}
		if cancelListener == nil {
			cancelListener = h.OnChange(printValue)
			defer cancelListener()
			if v, err := h.Value(ctx); err == nil && len(v) > 0 {
				printValue(v)
			}
		}

		select {
		case <-r.client.Done():
			glog.Infof("[agent]connection lost, reconnecting\n")
			r.client = nil
		case <-ctx.Done():
			return nil
		}
	}
}

func get(ctx context.Context, opts docopt.Opts) error {
	r, err := openReplica(ctx, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	h, err := r.caughtUp(ctx)
	if err != nil {
		return err
	}
	v, err := h.Value(ctx)
	if err != nil {
		return err
	}
	printValue(v)
	return nil
}

func set(ctx context.Context, opts docopt.Opts) error {
	rawPath, _ := opts.String("<path>")
	rawValue, _ := opts.String("<value>")
	var value any
	if err := json.Unmarshal([]byte(rawValue), &value); err != nil {
		return fmt.Errorf("value must be JSON: %w", err)
	}
	path := strings.Split(rawPath, ".")

	r, err := openReplica(ctx, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	h, err := r.caughtUp(ctx)
	if err != nil {
		return err
	}
	err = h.Change(ctx, "set "+rawPath, func(d *crdt.Draft) error {
		return d.Set(path, value)
	})
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.client.WaitSynced(waitCtx, h); err != nil {
		return err
	}
	v, err := h.Value(ctx)
	if err != nil {
		return err
	}
	printValue(v)
	return nil
}
