package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a@x.com", Normalize("  A@X.com "))
	assert.Equal(t, "a@x.com", Normalize("a@x.com"))
}

func TestDeriveSubscriberIDIsStable(t *testing.T) {
	id1 := DeriveSubscriberID("A@X.com")
	id2 := DeriveSubscriberID(" a@x.com ")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)

	assert.NotEqual(t, id1, DeriveSubscriberID("b@x.com"))
}
