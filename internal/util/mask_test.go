package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "***", MaskToken("ak_1234"))
	assert.Equal(t, "ak_s…yz", MaskToken("ak_secretvalue_xyz"))
}
