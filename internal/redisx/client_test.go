package redisx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelayLinearAndCapped(t *testing.T) {
	step := time.Second
	assert.Equal(t, time.Second, ReconnectDelay(0, step, 0))
	assert.Equal(t, time.Second, ReconnectDelay(1, step, 0))
	assert.Equal(t, 5*time.Second, ReconnectDelay(5, step, 0))
	assert.Equal(t, 30*time.Second, ReconnectDelay(31, step, 0))
	assert.Equal(t, 30*time.Second, ReconnectDelay(3, step, time.Hour))
	assert.Equal(t, 2*time.Second, ReconnectDelay(9, step, 2*time.Second))
}

func TestQueueKeys(t *testing.T) {
	k := NewQueueKeys("order-completion-queue")
	assert.Equal(t, "order-completion-queue:wait", k.Wait)
	assert.Equal(t, "order-completion-queue:delayed", k.Delayed)
	assert.Equal(t, "order-completion-queue:job:abc", k.Job("abc"))
}
