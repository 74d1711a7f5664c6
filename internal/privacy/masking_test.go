package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskUserID(t *testing.T) {
	assert.Equal(t, "*********9c21", MaskUserID("user-8f3a9c21"))
	assert.Equal(t, "****", MaskUserID("abcd"))
	assert.Equal(t, "**", MaskUserID("ab"))
	assert.Equal(t, "", MaskUserID(""))
}

func TestMaskMessageID(t *testing.T) {
	assert.Equal(t, "*******f3a9", MaskMessageID("msg-218f3a9"))
	// Pending ids keep their prefix so both id spaces stay readable in logs.
	assert.Equal(t, "pending:****44af", MaskMessageID("pending:c81d44af"))
	assert.Equal(t, "", MaskMessageID(""))
}

func TestMaskRoomID(t *testing.T) {
	assert.Equal(t, "*********cdef", MaskRoomID("room-89abcdef"))
}
