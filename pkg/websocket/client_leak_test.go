package websocket

import (
	"runtime"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// Stop must wait for both the run loop and the keepalive goroutine.
func TestClient_StopLeavesNoGoroutines(t *testing.T) {
	url := echoServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	client := NewClient(url, func([]byte) {}, testWSLogger(t))
	client.SetPingConfig(10*time.Millisecond, 10*time.Millisecond, 100*time.Millisecond)
	client.baseWait = 10 * time.Millisecond

	client.Start()
	time.Sleep(200 * time.Millisecond)
	client.Stop()
	time.Sleep(50 * time.Millisecond)

	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+1)
}
