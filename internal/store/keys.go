package store

import (
	"strings"
	"time"
)

// Key schema. Every reader and writer builds keys through these helpers so the
// naming cannot silently diverge between processes.
const (
	JobStatusPrefix = "job_status:"
	LockPrefix      = "lock:"
	CachePrefix     = "cache:"
	ReplyPrefix     = "reply:"
	StatsPrefix     = "stats:"

	// SchemaVersion is bumped when the encoding of cached values changes.
	SchemaVersion = "v1"
)

const (
	DefaultJobStatusTTL = 3600 * time.Second
	DefaultLockTTL      = 300 * time.Second
	DefaultReplyTTL     = 60 * time.Second
)

// JobStatusKey returns job_status:{jobID}.
func JobStatusKey(jobID string) string {
	return JobStatusPrefix + jobID
}

// LockKey returns lock:{resourceKey}.
func LockKey(resourceKey string) string {
	return LockPrefix + resourceKey
}

// CacheKey returns cache:v1:{namespace}:{key}.
func CacheKey(namespace, key string) string {
	return CachePrefix + SchemaVersion + ":" + namespace + ":" + key
}

// ReplyKey returns reply:{correlationID}.
func ReplyKey(correlationID string) string {
	return ReplyPrefix + correlationID
}

// StatsKey returns stats:v1:{name}.
func StatsKey(name string) string {
	return StatsPrefix + SchemaVersion + ":" + name
}

// IsReplyKey reports whether key was produced by ReplyKey.
func IsReplyKey(key string) bool {
	return strings.HasPrefix(key, ReplyPrefix) && len(key) > len(ReplyPrefix)
}
