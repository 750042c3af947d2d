package domain

import (
	"fmt"
	"strings"
)

type FetchErrorCategory string

const (
	FetchVideoUnavailable FetchErrorCategory = "VIDEO_UNAVAILABLE"
	FetchAccessRestricted FetchErrorCategory = "ACCESS_RESTRICTED"
	FetchAgeRestricted    FetchErrorCategory = "AGE_RESTRICTED"
	FetchCopyrightBlocked FetchErrorCategory = "COPYRIGHT_BLOCKED"
	FetchNetworkTimeout   FetchErrorCategory = "NETWORK_TIMEOUT"
	FetchNetworkError     FetchErrorCategory = "NETWORK_ERROR"
	FetchRateLimited      FetchErrorCategory = "RATE_LIMITED"
	FetchNoFormats        FetchErrorCategory = "NO_FORMATS"
	FetchUnknown          FetchErrorCategory = "UNKNOWN"
)

// FetchError is returned by fetchers when a remote resource could not be
// materialized locally.
type FetchError struct {
	Key      string
	Category FetchErrorCategory
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Key, e.Category, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// UserMessage is a short human readable explanation of the category.
func (e *FetchError) UserMessage() string {
	switch e.Category {
	case FetchVideoUnavailable:
		return "This video is unavailable"
	case FetchAccessRestricted:
		return "This video is private or requires sign-in"
	case FetchAgeRestricted:
		return "This video is age-restricted"
	case FetchCopyrightBlocked:
		return "This video is blocked for copyright reasons"
	case FetchNetworkTimeout:
		return "Download timed out"
	case FetchNetworkError:
		return "Network error while downloading"
	case FetchRateLimited:
		return "Too many requests, try again later"
	case FetchNoFormats:
		return "No playable format available"
	default:
		return "Download failed"
	}
}

var categoryMatchers = []struct {
	category FetchErrorCategory
	needles  []string
}{
	{FetchAgeRestricted, []string{"age-restricted", "confirm your age", "age restricted"}},
	{FetchAccessRestricted, []string{"private video", "sign in", "members-only", "this video is private"}},
	{FetchCopyrightBlocked, []string{"copyright", "blocked it in your country", "not available in your country"}},
	{FetchNoFormats, []string{"requested format is not available", "no video formats", "no formats"}},
	{FetchVideoUnavailable, []string{"video unavailable", "has been removed", "does not exist", "is not available"}},
	{FetchRateLimited, []string{"http error 429", "too many requests", "rate limit"}},
	{FetchNetworkTimeout, []string{"timed out", "timeout", "deadline exceeded"}},
	{FetchNetworkError, []string{"unable to download", "connection", "network", "name resolution", "temporary failure"}},
}

// CategorizeFetchError maps fetcher diagnostic output to a category.
func CategorizeFetchError(msg string) FetchErrorCategory {
	lower := strings.ToLower(msg)
	for _, m := range categoryMatchers {
		for _, needle := range m.needles {
			if strings.Contains(lower, needle) {
				return m.category
			}
		}
	}
	return FetchUnknown
}
