package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "cus_****9xQz", MaskSecret("cus_NffrFeUfNV2Hib9xQz"))
	assert.Equal(t, "cus_****", MaskSecret("cus_ab"))
	assert.Equal(t, "", MaskSecret("  "))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a****@clinic.example", MaskEmail("alice@clinic.example"))
}

func TestMaskValueRecurses(t *testing.T) {
	got := MaskValue([]string{"bob@rad.example", "cus_12345678"})
	assert.Equal(t, []any{"b****@rad.example", "cus_****5678"}, got)
	assert.True(t, IsSensitiveKey("Billing_Reference"))
	assert.False(t, IsSensitiveKey("event_type"))
}
