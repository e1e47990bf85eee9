package rate

import "errors"

// ErrRedisUnavailable is returned when the limiter cannot reach Redis.
var ErrRedisUnavailable = errors.New("redis unavailable")
