// internal/api/websocket_test.go
package api

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingIdle 记录空闲重新进入调用的桩
type recordingIdle struct {
	mu       sync.Mutex
	sessions []string
	ids      [][]string
}

func (r *recordingIdle) EnterIdle(sessionID string, selectedIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	r.ids = append(r.ids, selectedIDs)
}

func (r *recordingIdle) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func TestHandleInboundPlaybackCompleteTriggersIdleReentry(t *testing.T) {
	idle := &recordingIdle{}
	client := &WebSocketClient{sessionID: "s1", idle: idle}

	client.handleInbound([]byte(`{"type":"playback_complete","character_ids":["freud","jung"]}`))

	require.Equal(t, 1, idle.calls())
	assert.Equal(t, "s1", idle.sessions[0])
	assert.Equal(t, []string{"freud", "jung"}, idle.ids[0])
}

func TestHandleInboundIgnoresOtherMessages(t *testing.T) {
	idle := &recordingIdle{}
	client := &WebSocketClient{sessionID: "s1", idle: idle}

	client.handleInbound([]byte(`not json at all`))
	client.handleInbound([]byte(`{"type":"ping"}`))
	client.handleInbound([]byte(`{"type":"playback_complete","character_ids":[]}`))

	assert.Equal(t, 0, idle.calls())

	// 未注入空闲服务时播放结束信号被安静丢弃
	bare := &WebSocketClient{sessionID: "s1"}
	bare.handleInbound([]byte(`{"type":"playback_complete","character_ids":["freud"]}`))
}

func TestSendMessageAfterCloseIsSafe(t *testing.T) {
	client := &WebSocketClient{
		sessionID: "s1",
		send:      make(chan []byte, 2),
		done:      make(chan struct{}),
	}

	require.NoError(t, client.SendMessage(map[string]interface{}{"type": "scene"}))
	assert.Len(t, client.send, 1)

	client.Close()
	client.Close() // 重复关闭必须安全
	assert.True(t, client.IsClosed())

	// 发送通道永不关闭，关闭后的推送只是被丢弃，不会恐慌
	for i := 0; i < 10; i++ {
		assert.NoError(t, client.SendMessage(map[string]interface{}{"type": "pose"}))
	}
	assert.Len(t, client.send, 1)
}
