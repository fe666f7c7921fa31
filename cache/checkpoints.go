/*
Package cache provides Redis-backed implementations of the ledger's
process-shared state: replay checkpoints and per-product mutation locks.

PURPOSE:
  Several API and worker processes can serve one database. Keeping
  checkpoints and locks in Redis lets them share warm replays and
  serialize writers to the same product.

KEY LAYOUT (prefix defaults to "stock"):
  {prefix}:cp:{product}:{policy}       ZSET   member=cursor, score=unix ms
  {prefix}:cp:{product}:{policy}:data  HASH   field=cursor, value=JSON checkpoint
  {prefix}:lock:{product}              STRING random token, PX lease

SEE ALSO:
  - stock/checkpoint.go: CheckpointCache contract and usability rules
  - stock/lock.go: Locker contract
*/
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/stock-ledger/stock"
)

const (
	defaultPrefix        = "stock"
	defaultPerKey        = 16
	defaultCheckpointTTL = 24 * time.Hour

	// candidates scanned by Get; scores are millisecond-truncated so a few
	// members may share the boundary millisecond.
	getScan = 4
)

// Checkpoints implements stock.CheckpointCache on Redis.
type Checkpoints struct {
	client *redis.Client
	prefix string

	// PerKey bounds the history kept per product and policy.
	PerKey int
	// TTL expires idle products' checkpoints.
	TTL time.Duration
}

func NewCheckpoints(client *redis.Client, prefix string) *Checkpoints {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Checkpoints{client: client, prefix: prefix, PerKey: defaultPerKey, TTL: defaultCheckpointTTL}
}

func (c *Checkpoints) indexKey(productID stock.ProductID, policy stock.Policy) string {
	return fmt.Sprintf("%s:cp:%s:%s", c.prefix, productID, policy)
}

func (c *Checkpoints) dataKey(productID stock.ProductID, policy stock.Policy) string {
	return c.indexKey(productID, policy) + ":data"
}

// Get returns the latest checkpoint strictly before before, or nil.
func (c *Checkpoints) Get(ctx context.Context, productID stock.ProductID, policy stock.Policy, before time.Time) (*stock.Checkpoint, error) {
	if policy == "" {
		policy = stock.PolicyWeightedAverage
	}
	max := "+inf"
	if !before.IsZero() {
		max = strconv.FormatInt(before.UnixMilli(), 10)
	}

	members, err := c.client.ZRevRangeByScore(ctx, c.indexKey(productID, policy), &redis.ZRangeBy{
		Min: "-inf", Max: max, Count: getScan,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: checkpoint index: %w", err)
	}

	for _, member := range members {
		cur, err := parseMember(member)
		if err != nil {
			continue
		}
		if !before.IsZero() && !cur.OccurredAt.Before(before) {
			continue
		}
		raw, err := c.client.HGet(ctx, c.dataKey(productID, policy), member).Bytes()
		if errors.Is(err, redis.Nil) {
			// Trimmed or invalidated between the two reads
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("cache: checkpoint data: %w", err)
		}
		var cp stock.Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, fmt.Errorf("cache: decode checkpoint: %w", err)
		}
		return &cp, nil
	}
	return nil, nil
}

func (c *Checkpoints) Put(ctx context.Context, cp stock.Checkpoint) error {
	if cp.Policy == "" {
		cp.Policy = stock.PolicyWeightedAverage
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("cache: encode checkpoint: %w", err)
	}

	index, data := c.indexKey(cp.ProductID, cp.Policy), c.dataKey(cp.ProductID, cp.Policy)
	member := formatMember(cp.Cursor)

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, index, redis.Z{Score: float64(cp.Cursor.OccurredAt.UnixMilli()), Member: member})
		p.HSet(ctx, data, member, raw)
		if c.TTL > 0 {
			p.Expire(ctx, index, c.TTL)
			p.Expire(ctx, data, c.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: put checkpoint: %w", err)
	}
	return c.trim(ctx, index, data)
}

// trim drops the oldest checkpoints beyond PerKey.
func (c *Checkpoints) trim(ctx context.Context, index, data string) error {
	limit := c.PerKey
	if limit <= 0 {
		limit = defaultPerKey
	}
	excess, err := c.client.ZRange(ctx, index, 0, int64(-limit-1)).Result()
	if err != nil || len(excess) == 0 {
		return err
	}
	return c.remove(ctx, index, data, excess)
}

// Invalidate drops checkpoints at or after from, under every policy.
func (c *Checkpoints) Invalidate(ctx context.Context, productID stock.ProductID, from stock.Cursor) error {
	min := strconv.FormatInt(from.OccurredAt.UnixMilli(), 10)
	if from.IsZero() {
		min = "-inf"
	}

	for _, policy := range stock.Policies() {
		index, data := c.indexKey(productID, policy), c.dataKey(productID, policy)
		members, err := c.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
		if err != nil {
			return fmt.Errorf("cache: invalidate %s: %w", policy, err)
		}

		var doomed []string
		for _, member := range members {
			cur, err := parseMember(member)
			if err != nil || !cur.Less(from) {
				doomed = append(doomed, member)
			}
		}
		if len(doomed) == 0 {
			continue
		}
		if err := c.remove(ctx, index, data, doomed); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkpoints) remove(ctx context.Context, index, data string, members []string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, index, args...)
		p.HDel(ctx, data, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: remove checkpoints: %w", err)
	}
	return nil
}

// Members encode the exact cursor; scores only narrow the search.
func formatMember(c stock.Cursor) string {
	return strconv.FormatInt(c.OccurredAt.UnixNano(), 10) + ":" + strconv.FormatInt(int64(c.ID), 10)
}

func parseMember(s string) (stock.Cursor, error) {
	nanos, id, ok := strings.Cut(s, ":")
	if !ok {
		return stock.Cursor{}, fmt.Errorf("cache: bad checkpoint member %q", s)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return stock.Cursor{}, err
	}
	i, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return stock.Cursor{}, err
	}
	return stock.Cursor{OccurredAt: time.Unix(0, n).UTC(), ID: stock.TransactionID(i)}, nil
}

var _ stock.CheckpointCache = (*Checkpoints)(nil)
