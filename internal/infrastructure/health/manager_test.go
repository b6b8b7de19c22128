package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmptyManagerIsHealthy(t *testing.T) {
	hm := NewHealthManager(nil)
	assert.True(t, hm.IsHealthy())
	assert.Empty(t, hm.GetStatus())
}

func TestSingleFailingCheckFailsManager(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("exchange", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("store", func() error { return errors.New("disk full") })
	assert.False(t, hm.IsHealthy())

	status := hm.GetStatus()
	assert.Equal(t, "Healthy", status["exchange"])
	assert.Equal(t, "Unhealthy: disk full", status["store"])
}

func TestRegisterReplacesCheck(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("trader", func() error { return errors.New("paused") })
	assert.False(t, hm.IsHealthy())

	hm.Register("trader", func() error { return nil })
	assert.True(t, hm.IsHealthy())
}
