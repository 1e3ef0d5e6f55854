package constants

// 重试策略常量
const (
	// DefaultMaxRetries is the fallback credential-rotation budget when a
	// deployment's config omits upstream.max_retries.
	DefaultMaxRetries = 3
)
