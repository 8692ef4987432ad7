package cache

import "time"

// DefaultTTL is the lifetime given to entries stored without a positive TTL.
const DefaultTTL = 300 * time.Second

// resolveTTL returns ttl, or def when ttl is not positive.
func resolveTTL(ttl, def time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if def > 0 {
		return def
	}
	return DefaultTTL
}

// entryOptions holds the per entry settings applied by Set.
type entryOptions struct {
	tags []string
}

// EntryOption mutates the settings of a single Set call.
type EntryOption func(*entryOptions)

// WithTags attaches tags to the stored entry. Tags of a previous entry for
// the same key are not kept: the new entry carries exactly these tags.
func WithTags(tags ...string) EntryOption {
	return func(o *entryOptions) {
		for _, t := range tags {
			if t == "" {
				continue
			}
			o.tags = append(o.tags, t)
		}
	}
}

func newEntryOptions(opts []EntryOption) entryOptions {
	var eo entryOptions
	for _, opt := range opts {
		opt(&eo)
	}
	return eo
}
