package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/rpc/src/bridge"
)

const (
	redisKindDial   = "dial"
	redisKindAccept = "accept"
	redisKindData   = "data"
	redisKindClose  = "close"
)

// redisEnvelope wraps every payload published on a connection channel so
// control messages and data share one channel.
type redisEnvelope struct {
	Conn string `json:"conn"`
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

// DefaultRedisPrefix namespaces the transport's channels when no prefix is
// given.
const DefaultRedisPrefix = "orchestra:rpc:"

func redisPrefix(prefix string) string {
	if prefix == "" {
		return DefaultRedisPrefix
	}
	return prefix
}

func redisAcceptChannel(prefix string) string { return prefix + "accept" }

func redisConnChannels(prefix, id string) (c2s, s2c string) {
	base := prefix + "conn:" + id
	return base + ":c2s", base + ":s2c"
}

func publishEnvelope(ctx context.Context, client *redis.Client, channel string, env redisEnvelope) (int64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	return client.Publish(ctx, channel, data).Result()
}

// redisConn is one side of a connection made of two pub/sub channels.
type redisConn struct {
	id     string
	client *redis.Client
	sub    *redis.PubSub
	in     <-chan *redis.Message
	out    string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newRedisConn(id string, client *redis.Client, sub *redis.PubSub, in <-chan *redis.Message, out string, logger zerolog.Logger) *redisConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &redisConn{id: id, client: client, sub: sub, in: in, out: out, logger: logger, ctx: ctx, cancel: cancel}
}

func (c *redisConn) WriteMessage(data []byte) error {
	_, err := publishEnvelope(c.ctx, c.client, c.out, redisEnvelope{Conn: c.id, Kind: redisKindData, Data: data})
	return err
}

func (c *redisConn) ReadMessage() ([]byte, error) {
	for {
		var msg *redis.Message
		var ok bool
		select {
		case msg, ok = <-c.in:
			if !ok {
				return nil, io.EOF
			}
		case <-c.ctx.Done():
			return nil, io.EOF
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.logger.Error().Err(err).Msg("failed to decode redis envelope")
			continue
		}
		switch env.Kind {
		case redisKindData:
			return env.Data, nil
		case redisKindClose:
			return nil, io.EOF
		default:
			c.logger.Debug().Str("kind", env.Kind).Msg("ignoring redis control message")
		}
	}
}

func (c *redisConn) Close() error {
	var err error
	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, perr := publishEnvelope(ctx, c.client, c.out, redisEnvelope{Conn: c.id, Kind: redisKindClose}); perr != nil {
			c.logger.Debug().Err(perr).Msg("close notice not published")
		}
		c.cancel()
		err = c.sub.Close()
	})
	return err
}

// DialRedis announces a new connection on the listener's accept channel,
// waits for it to be accepted and binds a client bridge to it.
func DialRedis(ctx context.Context, client *redis.Client, prefix string, contract *bridge.Contract, opts Options) (*bridge.Bridge, error) {
	prefix = redisPrefix(prefix)
	id := uuid.New().String()
	c2s, s2c := redisConnChannels(prefix, id)
	logger := opts.Logger.With().Str("component", "redis-transport").Str("conn", id).Logger()

	sub := client.Subscribe(ctx, s2c)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", s2c, err)
	}
	in := sub.Channel()

	n, err := publishEnvelope(ctx, client, redisAcceptChannel(prefix), redisEnvelope{Conn: id, Kind: redisKindDial})
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("announce connection: %w", err)
	}
	if n == 0 {
		sub.Close()
		return nil, fmt.Errorf("announce connection: no listener on %s", redisAcceptChannel(prefix))
	}

	if err := awaitAccept(ctx, in, logger); err != nil {
		sub.Close()
		return nil, err
	}
	logger.Debug().Msg("redis connection accepted")
	return bindMessages("redis", newRedisConn(id, client, sub, in, c2s, logger), bridge.RoleClient, contract, opts)
}

func awaitAccept(ctx context.Context, in <-chan *redis.Message, logger zerolog.Logger) error {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return ErrClosed
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Error().Err(err).Msg("failed to decode redis envelope")
				continue
			}
			if env.Kind == redisKindAccept {
				return nil
			}
		case <-ctx.Done():
			return fmt.Errorf("await accept: %w", ctx.Err())
		}
	}
}

// RedisListener accepts connections announced by DialRedis.
type RedisListener struct {
	client   *redis.Client
	prefix   string
	sub      *redis.PubSub
	in       <-chan *redis.Message
	contract *bridge.Contract
	opts     Options
	logger   zerolog.Logger
}

// ListenRedis subscribes to the accept channel under prefix.
func ListenRedis(ctx context.Context, client *redis.Client, prefix string, contract *bridge.Contract, opts Options) (*RedisListener, error) {
	prefix = redisPrefix(prefix)
	channel := redisAcceptChannel(prefix)
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	l := &RedisListener{
		client:   client,
		prefix:   prefix,
		sub:      sub,
		in:       sub.Channel(),
		contract: contract,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "redis-listener").Logger(),
	}
	l.logger.Info().Str("channel", channel).Msg("redis listener started")
	return l, nil
}

// Accept waits for the next announced connection and binds a server bridge
// to it.
func (l *RedisListener) Accept(ctx context.Context) (*bridge.Bridge, error) {
	for {
		var msg *redis.Message
		var ok bool
		select {
		case msg, ok = <-l.in:
			if !ok {
				return nil, ErrClosed
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Kind != redisKindDial || env.Conn == "" {
			l.logger.Debug().Str("payload", msg.Payload).Msg("ignoring accept channel message")
			continue
		}
		b, err := l.accept(ctx, env.Conn)
		if err != nil {
			l.logger.Warn().Err(err).Str("conn", env.Conn).Msg("accept failed")
			continue
		}
		return b, nil
	}
}

func (l *RedisListener) accept(ctx context.Context, id string) (*bridge.Bridge, error) {
	c2s, s2c := redisConnChannels(l.prefix, id)
	logger := l.opts.Logger.With().Str("component", "redis-transport").Str("conn", id).Logger()

	sub := l.client.Subscribe(ctx, c2s)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c2s, err)
	}
	in := sub.Channel()
	if _, err := publishEnvelope(ctx, l.client, s2c, redisEnvelope{Conn: id, Kind: redisKindAccept}); err != nil {
		sub.Close()
		return nil, fmt.Errorf("confirm connection: %w", err)
	}
	return bindMessages("redis", newRedisConn(id, l.client, sub, in, s2c, logger), bridge.RoleServer, l.contract, l.opts)
}

// Close stops accepting connections. Accepted bridges stay alive.
func (l *RedisListener) Close() error {
	return l.sub.Close()
}
