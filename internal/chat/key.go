package chat

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidChannelKey = errors.New("invalid channel key")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrHubClosed         = errors.New("hub is closed")
)

// ChannelKey partitions messages: "<server id>-<channel id>", e.g. "1-general".
type ChannelKey string

var channelKeyPattern = regexp.MustCompile(`^[0-9]{1,9}-[A-Za-z0-9_]{1,48}$`)

func ParseChannelKey(s string) (ChannelKey, error) {
	if !channelKeyPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannelKey, s)
	}
	return ChannelKey(s), nil
}

func (k ChannelKey) String() string { return string(k) }
