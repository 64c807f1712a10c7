package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_AfterCloseDropsFrame(t *testing.T) {
	c := newClient(nopConn{}, nil, "S1", "U1")
	c.close()

	// Must drop silently, not panic on the closed channel
	require.NotPanics(t, func() {
		c.emit(EventStatus, 0, map[string]any{"status": "ended"})
	})
}

func TestClose_Idempotent(t *testing.T) {
	c := newClient(nopConn{}, nil, "S1", "U1")
	require.NotPanics(t, func() {
		c.close()
		c.close()
	})

	_, open := <-c.send
	assert.False(t, open)
}

func TestEmit_RacesWithClose(t *testing.T) {
	c := newClient(nopConn{}, nil, "S1", "U1")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				c.emit(EventMessage, 0, map[string]any{"content": "hi"})
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		c.close()
	}()

	close(start)
	wg.Wait()
}

// A disconnect landing between the hub fetching the client pointer and the
// broadcast send must not kill the broadcaster.
func TestBroadcast_RacesWithDisconnect(t *testing.T) {
	env := newTestEnv(t)
	u1 := env.connect(t, "U1")
	u2 := env.connect(t, "U2")
	env.createChat(t, "C1", "U1", "U2")
	drain(u1)
	drain(u2)

	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < 200; i++ {
			env.send(u1, EventTyping, 0, typingPayload{ChatID: "C1", IsTyping: true})
		}
	}()
	go func() {
		defer wg.Done()
		<-start
		env.hub.handleDisconnect(u2)
	}()

	close(start)
	wg.Wait()
}
