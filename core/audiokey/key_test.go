package audiokey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyString(t *testing.T) {
	k := New("bk_42", 7, "b1", "en-us-standard-f")
	assert.Equal(t, "audio:bk_42:7:B1:en-us-standard-f", k.String())
	assert.Equal(t, "audio/bk_42/7/B1/en-us-standard-f.mp3", k.ObjectPath())
}

func TestParseRoundTrip(t *testing.T) {
	k := New("bk_42", 0, "A2", "voice-1")
	parsed, err := Parse(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"audio:bk:notanint:B1:v",
		"track:bk:1:B1:v",
		"audio:bk:1:B1",
	} {
		_, err := Parse(s)
		assert.Error(t, err, "expected error for %q", s)
	}
}

func TestChecksumChangesWithText(t *testing.T) {
	a := Checksum("The cat sat on the mat.")
	b := Checksum("The cat sat on the mat!")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Checksum("The cat sat on the mat."))
	assert.Len(t, a, 64)
}
