// Package redis builds the go-redis client used by the peer instance
// registry. Every command goes through a metrics hook and a circuit breaker
// that fails fast while Redis is unreachable.
package redis
