// Package redis writes task snapshots through to Redis as JSON documents with
// a retention TTL.
package redis
