package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeliveryStatus(t *testing.T) {
	for _, raw := range []string{"pending", "sent", "failed", " Exhausted "} {
		status, err := ParseDeliveryStatus(raw)
		require.NoError(t, err, raw)
		assert.NotEmpty(t, status)
	}

	_, err := ParseDeliveryStatus("delivered")
	assert.Error(t, err)
	_, err = ParseDeliveryStatus("")
	assert.Error(t, err)
}
