package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rndrntwrk/milaidy/pkg/models"
)

func TestParseEpisodeChannel(t *testing.T) {
	id, ok := parseEpisodeChannel("episode:abc-123")
	assert.True(t, ok)
	assert.Equal(t, "abc-123", id)

	_, ok = parseEpisodeChannel("events")
	assert.False(t, ok)

	_, ok = parseEpisodeChannel("episode:")
	assert.False(t, ok)
}

func TestKindFilterMatches(t *testing.T) {
	empty := kindFilter{}
	assert.True(t, empty.matches(models.EventCallFailed), "empty filter matches everything")

	filtered := kindFilter{models.EventCallFailed: true}
	assert.True(t, filtered.matches(models.EventCallFailed))
	assert.False(t, filtered.matches(models.EventCallSucceeded))
}

func TestEpisodeChannelFormat(t *testing.T) {
	assert.Equal(t, "episode:ep-1", EpisodeChannel("ep-1"))
}
