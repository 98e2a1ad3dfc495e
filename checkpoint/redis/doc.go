// Package redis provides Redis-backed checkpoint storage.
//
// The checkpoint graph is projected onto Redis primitives: entity hashes,
// a lex-ordered sorted set per thread for history paging (checkpoint ids
// are time-ordered, so lexical range queries page chronologically), SETNX
// strings for content-addressed channel state, and lists for pending
// writes. Channel states carry a reference set so thread deletion can
// collect orphans.
//
// Redis has no multi-key read-write transaction, so Put is a sequence of
// individually idempotent steps batched through TxPipeline; a crash
// mid-put leaves at worst an unlinked checkpoint that a retry with the
// same id completes.
//
// # Basic Usage
//
//	saver := redis.NewRedisSaver(redis.RedisOptions{
//		Addr:   "localhost:6379",
//		Prefix: "myapp:", // optional, default "checkpointgo:"
//	})
//	defer saver.Close()
package redis
