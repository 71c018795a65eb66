package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

func TestNewRedis_Defaults(t *testing.T) {
	r := NewRedis(nil, -1, 0)
	if r.requests != DefaultRequests || r.window != DefaultWindow {
		t.Errorf("got (%d, %v), want (%d, %v)", r.requests, r.window, DefaultRequests, DefaultWindow)
	}
	if r.prefix != "codelense:ratelimit:" {
		t.Errorf("prefix = %q", r.prefix)
	}
}

func TestRedis_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := NewRedis(rdb, 2, time.Minute).Allow(ctx, "acct")
	if err == nil {
		t.Fatal("expected an error from an unreachable server")
	}
	if ok {
		t.Error("request must not be admitted when the limiter fails")
	}
}
