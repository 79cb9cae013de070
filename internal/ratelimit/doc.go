// Package ratelimit provides fixed-window rate limiting for API endpoints,
// backed by an in-process map or by Redis when warden runs behind more than
// one process. Redis failures fail open: an unreachable backend never locks
// operators out.
package ratelimit
