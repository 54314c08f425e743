// Copyright 2025 James Ross
package queue

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// Context bundles a pooled backend connection with the topic it is
// scoped to. It is cheap to copy: the underlying *redis.Client is a
// shared, concurrency-safe connection pool, so passing Context by value
// into Producer/Inspector/Consumer/Harvester/Janitor never duplicates a
// connection.
type Context struct {
	RDB   *redis.Client
	Topic string
	Keys  Keys

	// Clock is overridable for deterministic tests; nil means time.Now.
	Clock func() time.Time
}

// NewContext builds a Context for a topic against an already-configured
// backend client.
func NewContext(rdb *redis.Client, topic string) Context {
	return Context{RDB: rdb, Topic: topic, Keys: NewKeys(topic), Clock: time.Now}
}

// Now returns the current time, honoring an injected Clock.
func (c Context) Now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// NowMillis returns Now() as epoch milliseconds, the unit every score
// and timestamp field in the data model is expressed in.
func (c Context) NowMillis() int64 {
	return c.Now().UnixMilli()
}
