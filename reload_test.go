package interceptor

import (
	"context"
	"fmt"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func waitForCalls(t *testing.T, called *atomic.Int32) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for called.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWatchSIGHUP_Reload(t *testing.T) {
	proxy := NewProxy(0)
	proxy.Logger = discardLogger()
	proxy.Filters.Replace([]string{"old.example"})

	var called atomic.Int32
	reload := func(_ context.Context) (*ReloadSet, error) {
		called.Add(1)
		return &ReloadSet{
			Filters: []string{"new.example"},
			Rules: []RequestRule{
				{ID: "r1", Pattern: "api", Action: BlockAction{}, Enabled: true},
			},
		}, nil
	}

	reloader := WatchSIGHUP(proxy, reload, discardLogger())
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitForCalls(t, &called)
	reloader.Cancel()

	if _, ok := proxy.Filters.Match("http://new.example/"); !ok {
		t.Error("reloaded filters should match new.example")
	}
	if _, ok := proxy.Filters.Match("http://old.example/"); ok {
		t.Error("reloaded filters should not match old.example")
	}
	if proxy.Rules.Count() != 1 {
		t.Errorf("Rules.Count() = %d, want 1", proxy.Rules.Count())
	}
}

func TestWatchSIGHUP_ReloadError(t *testing.T) {
	proxy := NewProxy(0)
	proxy.Logger = discardLogger()
	proxy.Filters.Replace([]string{"keep.example"})

	var called atomic.Int32
	reload := func(_ context.Context) (*ReloadSet, error) {
		called.Add(1)
		return nil, fmt.Errorf("config load failed")
	}

	reloader := WatchSIGHUP(proxy, reload, discardLogger())
	_ = syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
	waitForCalls(t, &called)
	reloader.Cancel()

	if _, ok := proxy.Filters.Match("http://keep.example/"); !ok {
		t.Error("original filters should survive a failed reload")
	}
}

func TestWatchSIGHUP_Cancel(t *testing.T) {
	proxy := NewProxy(0)
	proxy.Logger = discardLogger()

	reloader := WatchSIGHUP(proxy, func(context.Context) (*ReloadSet, error) {
		return nil, nil
	}, discardLogger())

	done := make(chan struct{})
	go func() {
		reloader.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel() did not return")
	}
}

func TestProxy_Reload_PartialSet(t *testing.T) {
	proxy := NewProxy(0)
	proxy.Logger = discardLogger()
	proxy.Filters.Replace([]string{"f1"})
	proxy.AddRule(RequestRule{ID: "keep", Pattern: "x", Action: BlockAction{}, Enabled: true})
	proxy.Mocks.Set("old", MockResponse{Status: 200})

	err := proxy.Reload(context.Background(), func(context.Context) (*ReloadSet, error) {
		return &ReloadSet{Mocks: map[string]MockResponse{"new": {Status: 201}}}, nil
	})
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if proxy.Filters.Count() != 1 || proxy.Rules.Count() != 1 {
		t.Error("nil fields must leave filters and rules untouched")
	}
	if _, ok := proxy.Mocks.Get("old"); ok {
		t.Error("mocks should be replaced")
	}
	if m, ok := proxy.Mocks.Get("new"); !ok || m.Status != 201 {
		t.Errorf("Mocks.Get(new) = %+v, %v", m, ok)
	}
}

func TestProxy_Reload_NilSet(t *testing.T) {
	proxy := NewProxy(0)
	proxy.Logger = discardLogger()
	proxy.Filters.Replace([]string{"f1"})

	if err := proxy.Reload(context.Background(), func(context.Context) (*ReloadSet, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if proxy.Filters.Count() != 1 {
		t.Error("nil set should change nothing")
	}
}
