package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Bus fans changes out to other server instances sharing the same storage.
// Instances never receive their own publications back.
type Bus interface {
	Publish(ctx context.Context, id DocumentID, chunk []byte) error
	Subscribe(ctx context.Context, id DocumentID, fn func(chunk []byte)) (func(), error)
}

const busChannelPrefix = "docsync:doc:"

type busEnvelope struct {
	Origin string `json:"origin"`
	Data   []byte `json:"data"`
}

// RedisBus is a Bus on redis pub/sub, one channel per document. All
// subscriptions share a single pub/sub connection.
type RedisBus struct {
	rdb    *redis.Client
	origin string

	mu       sync.Mutex
	pubsub   *redis.PubSub
	channels map[string]*busSubscription
	nextKey  int
}

// busSubscription is the local state of one redis channel. Messages are
// delivered from its own goroutine so a slow document does not hold up the
// others.
type busSubscription struct {
	fns       map[int]func([]byte)
	queue     chan []byte
	done      chan struct{}
	confirmed chan struct{}
	isReady   bool
}

func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{
		rdb:      rdb,
		origin:   uuid.NewString(),
		channels: map[string]*busSubscription{},
	}
}

func busChannel(id DocumentID) string {
	return busChannelPrefix + string(id)
}

func (b *RedisBus) Publish(ctx context.Context, id DocumentID, chunk []byte) error {
	payload, err := json.Marshal(&busEnvelope{Origin: b.origin, Data: chunk})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, busChannel(id), payload).Err()
}

// Subscribe returns once redis has confirmed the channel, so no publication
// made after it returns is missed.
func (b *RedisBus) Subscribe(ctx context.Context, id DocumentID, fn func(chunk []byte)) (func(), error) {
	name := busChannel(id)

	b.mu.Lock()
	if b.pubsub == nil {
		b.pubsub = b.rdb.Subscribe(ctx)
		go b.dispatch(b.pubsub.ChannelWithSubscriptions())
	}
	sub, ok := b.channels[name]
	if !ok {
		sub = &busSubscription{
			fns:       map[int]func([]byte){},
			queue:     make(chan []byte, 64),
			done:      make(chan struct{}),
			confirmed: make(chan struct{}),
		}
		if err := b.pubsub.Subscribe(ctx, name); err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("subscribe %s: %w", id, err)
		}
		b.channels[name] = sub
		go b.deliver(sub)
	}
	b.nextKey++
	key := b.nextKey
	sub.fns[key] = fn
	b.mu.Unlock()

	select {
	case <-sub.confirmed:
	case <-ctx.Done():
		b.unsubscribe(name, key)
		return nil, fmt.Errorf("subscribe %s: %w", id, ctx.Err())
	}
	return func() {
		b.unsubscribe(name, key)
	}, nil
}

func (b *RedisBus) unsubscribe(name string, key int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.channels[name]
	if sub == nil {
		return
	}
	delete(sub.fns, key)
	if len(sub.fns) > 0 {
		return
	}
	delete(b.channels, name)
	close(sub.done)
	if err := b.pubsub.Unsubscribe(context.Background(), name); err != nil {
		glog.Warningf("[bus]unsubscribe %s error = %s\n", name, err)
	}
}

func (b *RedisBus) dispatch(ch <-chan interface{}) {
	for m := range ch {
		switch m := m.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			b.mu.Lock()
			if sub := b.channels[m.Channel]; sub != nil && !sub.isReady {
				sub.isReady = true
				close(sub.confirmed)
			}
			b.mu.Unlock()
		case *redis.Message:
			var env busEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				glog.Warningf("[bus]%s bad payload = %s\n", m.Channel, err)
				continue
			}
			if env.Origin == b.origin {
				continue
			}
			b.mu.Lock()
			sub := b.channels[m.Channel]
			b.mu.Unlock()
			if sub == nil {
				continue
			}
			glog.V(2).Infof("[bus]%s from %s (%d bytes)\n", m.Channel, env.Origin, len(env.Data))
			select {
			case sub.queue <- env.Data:
			case <-sub.done:
			}
		}
	}
}

func (b *RedisBus) deliver(sub *busSubscription) {
	for {
		select {
		case data := <-sub.queue:
			b.mu.Lock()
			fns := make([]func([]byte), 0, len(sub.fns))
			for _, fn := range sub.fns {
				fns = append(fns, fn)
			}
			b.mu.Unlock()
			for _, fn := range fns {
				fn(data)
			}
		case <-sub.done:
			return
		}
	}
}

// Close drops every subscription and the shared connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	for name, sub := range b.channels {
		close(sub.done)
		delete(b.channels, name)
	}
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}
