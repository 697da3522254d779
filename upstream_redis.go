package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisDialer reads a feed that another process mirrors into Redis:
//
//	{prefix}:{id}:live       exists while the stream is live
//	{prefix}:{id}:room_info  JSON room info
//	{prefix}:{id}:sub_info   JSON subscription data
//	{prefix}:{id}:events     pub/sub channel of {"type", "data"} frames
type redisDialer struct {
	client *redis.Client
	prefix string
}

func newRedisDialer(cfg redisConfig) (*redisDialer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "live"
	}
	return &redisDialer{client: client, prefix: prefix}, nil
}

func (d *redisDialer) Close() error {
	return d.client.Close()
}

func (d *redisDialer) Dial(streamID, authToken string) upstreamClient {
	return &redisClient{
		client:    d.client,
		keys:      redisKeys{prefix: d.prefix, streamID: streamID},
		authToken: authToken,
		events:    make(chan event, upstreamEventBuffer),
		done:      make(chan struct{}),
	}
}

type redisKeys struct {
	prefix   string
	streamID string
}

func (k redisKeys) key(suffix string) string {
	return fmt.Sprintf("%s:%s:%s", k.prefix, k.streamID, suffix)
}

type redisClient struct {
	client    *redis.Client
	keys      redisKeys
	authToken string

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	mux       sync.Mutex // Protects sub and connected
	sub       *redis.PubSub
	connected bool
}

func (c *redisClient) IsLive(ctx context.Context) (bool, error) {
	n, err := c.client.Exists(ctx, c.keys.key("live")).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisClient) Connect(ctx context.Context) (json.RawMessage, error) {
	info, err := c.getJSON(ctx, "room_info")
	if err != nil {
		return nil, err
	}

	sub := c.client.Subscribe(ctx, c.keys.key("events"))
	// Wait for the subscription to be confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	c.mux.Lock()
	c.sub = sub
	c.connected = true
	c.mux.Unlock()

	go c.read(sub.Channel())
	return info, nil
}

func (c *redisClient) read(ch <-chan *redis.Message) {
	defer func() {
		c.mux.Lock()
		c.connected = false
		c.mux.Unlock()
		close(c.events)
	}()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				c.emit(event{Kind: kindDisconnect})
				return
			}
			ev, ok := decodeEvent([]byte(msg.Payload))
			if !ok {
				mark("upstream.dropped", 1)
				continue
			}
			if !c.emit(ev) {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *redisClient) emit(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *redisClient) Events() <-chan event {
	return c.events
}

func (c *redisClient) SubInfo(ctx context.Context) (json.RawMessage, error) {
	if c.authToken == "" {
		return nil, ErrNotAuthenticated
	}
	return c.getJSON(ctx, "sub_info")
}

func (c *redisClient) Connected() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.connected
}

func (c *redisClient) Disconnect(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mux.Lock()
		sub := c.sub
		c.connected = false
		c.mux.Unlock()

		if sub != nil {
			err = sub.Close()
		}
	})
	return err
}

// getJSON reads a JSON value; a missing key reads as an empty object.
func (c *redisClient) getJSON(ctx context.Context, suffix string) (json.RawMessage, error) {
	data, err := c.client.Get(ctx, c.keys.key(suffix)).Bytes()
	if errors.Is(err, redis.Nil) {
		return emptyData, nil
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: invalid JSON value", c.keys.key(suffix))
	}
	return json.RawMessage(data), nil
}
