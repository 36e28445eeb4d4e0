package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/lcpu-club/hpcinfer/infer/configure"
	"github.com/lcpu-club/hpcinfer/infer/models"
)

const defaultRedisKey = "hpc-infer:jobs"

// ConnGetter hands out redis connections; *redis.Pool is one.
type ConnGetter interface {
	GetContext(ctx context.Context) (redis.Conn, error)
}

// RedisStore keeps the registry in one redis hash, so that every login node
// sees the same jobs.
type RedisStore struct {
	pool    ConnGetter
	key     string
	timeout time.Duration
}

func NewRedisPool(conf *configure.RedisConfigure, timeout time.Duration) *redis.Pool {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxIdle := conf.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 2
	}
	idle := conf.IdleLimit
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: idle,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", conf.Address,
				redis.DialPassword(conf.Password),
				redis.DialDatabase(conf.DB),
				redis.DialConnectTimeout(timeout),
				redis.DialReadTimeout(timeout),
				redis.DialWriteTimeout(timeout),
			)
		},
	}
}

func NewRedisStore(pool ConnGetter, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{pool: pool, key: key, timeout: defaultTimeout}
}

// SetTimeout bounds every operation including getting a connection.
// Non-positive values keep the current bound.
func (s *RedisStore) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// conn returns a connection and the context its commands must run under.
func (s *RedisStore) conn(ctx context.Context) (redis.Conn, context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	c, err := s.pool.GetContext(ctx)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if err := c.Err(); err != nil {
		c.Close()
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}

func (s *RedisStore) Append(ctx context.Context, h *models.JobHandle) error {
	if err := validate(h); err != nil {
		return err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	c, ctx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()
	_, err = redis.DoContext(c, ctx, "HSET", s.key, h.JobID, data)
	return err
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*models.JobHandle, error) {
	c, ctx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer c.Close()
	data, err := redis.Bytes(redis.DoContext(c, ctx, "HGET", s.key, jobID))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	h := new(models.JobHandle)
	err = json.Unmarshal(data, h)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*models.JobHandle, error) {
	c, ctx, cancel, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer c.Close()
	values, err := redis.ByteSlices(redis.DoContext(c, ctx, "HVALS", s.key))
	if err != nil {
		return nil, err
	}
	rslt := make([]*models.JobHandle, 0, len(values))
	for _, v := range values {
		h := new(models.JobHandle)
		if err := json.Unmarshal(v, h); err != nil {
			return nil, err
		}
		rslt = append(rslt, h)
	}
	sortHandles(rslt)
	return rslt, nil
}

func (s *RedisStore) Remove(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	c, ctx, cancel, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer c.Close()
	args := redis.Args{}.Add(s.key).AddFlat(jobIDs)
	_, err = redis.DoContext(c, ctx, "HDEL", args...)
	return err
}
