package connection

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/life-stream-dev/life-stream-control-channel/internal/protocol"
)

func TestManager(t *testing.T) {
	manager := NewManager[string]()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			manager.Add(fmt.Sprintf("session-%d", i), fmt.Sprintf("value-%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, manager.Len())
	assert.Len(t, manager.All(), 20)

	manager.Add("session-0", "replaced")
	assert.Equal(t, 20, manager.Len())
	v, ok := manager.Get("session-0")
	assert.True(t, ok)
	assert.Equal(t, "replaced", v)

	manager.Remove("session-0")
	manager.Remove("session-0")
	assert.Equal(t, 19, manager.Len())
	_, ok = manager.Get("session-0")
	assert.False(t, ok)
}

func TestIsTerminated(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{io.EOF, true},
		{fmt.Errorf("%w: %w", protocol.ErrTerminated, io.ErrUnexpectedEOF), true},
		{net.ErrClosed, true},
		{io.ErrClosedPipe, true},
		{errors.New("other"), false},
	}
	for _, tt := range tests {
		if got := IsTerminated(tt.err); got != tt.expect {
			t.Errorf("IsTerminated(%v) = %v, 期望 %v", tt.err, got, tt.expect)
		}
	}
}
