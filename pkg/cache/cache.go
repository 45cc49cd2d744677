package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowrelay/ewelink-command/internal/log"
	"github.com/flowrelay/ewelink-command/internal/metrics"
	"github.com/flowrelay/ewelink-command/pkg/ewelink"
)

//go:generate mockgen -source=cache.go -destination=../../mocks/cache.go -package=mocks

// DefaultConnectTimeout bounds a single authentication exchange.
const DefaultConnectTimeout = 30 * time.Second

// Session is the subset of [ewelink.Session] that command nodes use.
type Session interface {
	GetCurrentState(ctx context.Context, deviceID string) (*structpb.Struct, error)
}

// Connector authenticates an account and returns a Session.
type Connector interface {
	Connect(ctx context.Context, creds ewelink.Credentials) (Session, error)
}

// ConnectorFunc adapts an ordinary function to the Connector interface.
type ConnectorFunc func(ctx context.Context, creds ewelink.Credentials) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, creds ewelink.Credentials) (Session, error) {
	return f(ctx, creds)
}

// FromClient returns a Connector that logs in using client.
func FromClient(client *ewelink.Client) Connector {
	return ConnectorFunc(func(ctx context.Context, creds ewelink.Credentials) (Session, error) {
		session, err := client.Connect(ctx, creds)
		if err != nil {
			return nil, err
		}
		return session, nil
	})
}

type entry struct {
	session Session
	serial  uint64 // Order of creation, used for eviction.
}

type SessionCache struct {
	MaxEntries     int
	ConnectTimeout time.Duration

	connector Connector
	inflight  singleflight.Group
	lock      sync.Mutex
	sessions  map[string]entry
	serial    uint64
}

// New returns a SessionCache that authenticates through connector and holds sessions for up to
// maxEntries distinct accounts. When full, the least recently created session is evicted.
//
// Set maxEntries to zero for an unbounded cache.
func New(connector Connector, maxEntries int) *SessionCache {
	return &SessionCache{
		MaxEntries:     maxEntries,
		ConnectTimeout: DefaultConnectTimeout,
		connector:      connector,
		sessions:       make(map[string]entry),
	}
}

func (c *SessionCache) lookup(key string) (Session, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	e, ok := c.sessions[key]
	return e.session, ok
}

func (c *SessionCache) store(key string, session Session) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.sessions[key]; !ok {
		metrics.AddCachedSessions(1)
	}
	c.serial++
	c.sessions[key] = entry{session: session, serial: c.serial}
	if c.MaxEntries > 0 && len(c.sessions) > c.MaxEntries {
		oldestKey := key
		oldestSerial := c.serial
		for k, e := range c.sessions {
			if e.serial < oldestSerial {
				oldestKey = k
				oldestSerial = e.serial
			}
		}
		log.Debug("Evicting oldest cached session to stay within %d entries", c.MaxEntries)
		delete(c.sessions, oldestKey)
		metrics.AddCachedSessions(-1)
	}
}

// Acquire returns the Session for creds, authenticating if necessary.
//
// At most one authentication exchange per distinct set of credentials is in flight at any time.
// Callers that arrive while an exchange is running wait for it and receive the same Session (or
// the same error). Failed exchanges are not cached, so a later call retries.
//
// If ctx expires while waiting, Acquire returns ctx.Err(). The exchange itself keeps running for
// the benefit of other waiters, bounded by c.ConnectTimeout.
func (c *SessionCache) Acquire(ctx context.Context, creds ewelink.Credentials) (Session, error) {
	key := creds.Key()
	if session, ok := c.lookup(key); ok {
		metrics.ObserveAcquire(metrics.AcquireHit)
		return session, nil
	}

	results := c.inflight.DoChan(key, func() (interface{}, error) {
		// An exchange may have completed between the lookup above and joining the group.
		if session, ok := c.lookup(key); ok {
			return session, nil
		}
		connectCtx := context.WithoutCancel(ctx)
		if c.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(connectCtx, c.ConnectTimeout)
			defer cancel()
		}
		log.Debug("Authenticating %s", creds)
		session, err := c.connector.Connect(connectCtx, creds)
		metrics.ObserveAuthExchange(err)
		if err != nil {
			log.Warning("Authentication failed for %s: %s", creds, err)
			return nil, err
		}
		c.store(key, session)
		return session, nil
	})

	select {
	case result := <-results:
		if result.Err != nil {
			metrics.ObserveAcquire(metrics.AcquireError)
			return nil, result.Err
		}
		if result.Shared {
			metrics.ObserveAcquire(metrics.AcquireShared)
		} else {
			metrics.ObserveAcquire(metrics.AcquireMiss)
		}
		return result.Val.(Session), nil
	case <-ctx.Done():
		metrics.ObserveAcquire(metrics.AcquireError)
		return nil, ctx.Err()
	}
}

// Invalidate discards the cached session for creds, provided it is still session. A session
// that has already been replaced is left alone. Pass a nil session to discard whatever is cached.
// Returns true if an entry was removed.
func (c *SessionCache) Invalidate(creds ewelink.Credentials, session Session) bool {
	key := creds.Key()

	c.lock.Lock()
	defer c.lock.Unlock()

	e, ok := c.sessions[key]
	if !ok || (session != nil && e.session != session) {
		return false
	}
	delete(c.sessions, key)
	metrics.AddCachedSessions(-1)
	log.Info("Discarded cached session for %s", creds)
	return true
}

// Len returns the number of accounts with a cached session.
func (c *SessionCache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return len(c.sessions)
}
