package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseChannelKey(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"1-general", "1-gen1", "42-random_talk", "7-" + strings.Repeat("a", 48)} {
		key, err := ParseChannelKey(s)
		require.NoError(t, err, s)
		require.Equal(t, s, key.String())
	}

	for _, s := range []string{"", "general", "1-", "-general", "a-general", "1-gen eral", "1-../etc", "1-" + strings.Repeat("a", 49)} {
		_, err := ParseChannelKey(s)
		require.ErrorIs(t, err, ErrInvalidChannelKey, s)
	}
}
