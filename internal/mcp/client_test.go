package mcp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
)

func TestConnectSerializesConcurrentCallers(t *testing.T) {
	var inFlight, peak atomic.Int32

	c := newBaseClient("srv", ServerConfig{
		Type:          TransportSSE,
		URL:           "http://tools",
		RetryAttempts: 1,
	}, TransportSSE, nil)
	c.dial = func(string) (*mcpclient.Client, error) {
		cur := inFlight.Add(1)
		for {
			seen := peak.Load()
			if cur <= seen || peak.CompareAndSwap(seen, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil, errors.New("dial refused")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Connect(context.Background())
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("observed %d overlapping dials, want 1", got)
	}
}

func TestConnectSkipsDialWhenConnected(t *testing.T) {
	var dials atomic.Int32

	c := newBaseClient("srv", ServerConfig{Type: TransportSSE, URL: "http://tools"}, TransportSSE, nil)
	c.dial = func(string) (*mcpclient.Client, error) {
		dials.Add(1)
		return nil, errors.New("dial refused")
	}
	c.setState(StateConnected)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect on a connected client: %v", err)
	}
	if got := dials.Load(); got != 0 {
		t.Errorf("dialed %d times, want 0", got)
	}
}
