// Package cache shares authenticated cloud sessions between command nodes.
//
// Logging in to the eWeLink cloud is slow and rate limited, and every command node configured with
// the same account can use the same [ewelink.Session]. A [SessionCache] memoizes sessions by
// [ewelink.Credentials.Key] and guarantees that concurrent requests for the same account trigger a
// single login. A failed login is not remembered: the next [SessionCache.Acquire] tries again.
//
// Sessions are only discarded when a caller calls [SessionCache.Invalidate] (typically after the
// cloud rejects a session's access token) or when MaxEntries forces an eviction.
//
// A SessionCache is an ordinary value owned by whoever composes the command nodes; there is no
// package-level cache. The same SessionCache may safely be used with different accounts.
package cache
