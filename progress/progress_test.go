package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg := NewRedisRegistry(client, "document:status", 30*time.Second, zerolog.Nop())
	return reg, srv, client
}

func TestSetProgress_StoresWithTTL(t *testing.T) {
	reg, srv, _ := testRegistry(t)
	ctx := context.Background()

	if err := reg.SetProgress(ctx, "u/d1.pdf.parsing", 0.3, "d1", "parsing", ""); err != nil {
		t.Fatalf("set progress failed: %v", err)
	}

	value, ok, err := reg.Get(ctx, "u/d1.pdf.parsing")
	if err != nil || !ok {
		t.Fatalf("expected record: ok=%v err=%v", ok, err)
	}
	if value != 0.3 {
		t.Errorf("expected 0.3, got %g", value)
	}

	ttl := srv.TTL("u/d1.pdf.parsing")
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("unexpected TTL: %v", ttl)
	}
}

func TestGet_MissingRecord(t *testing.T) {
	reg, _, _ := testRegistry(t)

	_, ok, err := reg.Get(context.Background(), "u/d1.pdf.parsing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("expected no record")
	}
}

func TestGet_ExpiredRecord(t *testing.T) {
	reg, srv, _ := testRegistry(t)
	ctx := context.Background()

	if err := reg.SetProgress(ctx, "u/d1.pdf.parsing", 0.6, "d1", "parsing", ""); err != nil {
		t.Fatalf("set progress failed: %v", err)
	}
	srv.FastForward(31 * time.Second)

	_, ok, err := reg.Get(ctx, "u/d1.pdf.parsing")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Error("expected record to have expired")
	}
}

func TestIncrParts_CountsAndRefreshes(t *testing.T) {
	reg, srv, _ := testRegistry(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := reg.IncrParts(ctx, "u/d2.pdf.parts_progress")
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if got != want {
			t.Errorf("expected count %d, got %d", want, got)
		}
	}

	if ttl := srv.TTL("u/d2.pdf.parts_progress"); ttl <= 0 {
		t.Errorf("expected TTL on parts counter, got %v", ttl)
	}
}

func TestSetProgress_PublishesNotification(t *testing.T) {
	reg, _, client := testRegistry(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "document:status")
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := reg.SetProgress(ctx, "u/d1.pdf.parsing", 0, "d1", "error", "boom"); err != nil {
		t.Fatalf("set progress failed: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var n Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if n.DocumentID != "d1" || n.Status != "error" || !n.Sync {
			t.Errorf("unexpected notification: %+v", n)
		}
		if n.StatusInfo == nil || *n.StatusInfo != "boom" {
			t.Errorf("expected statusInfo boom, got %v", n.StatusInfo)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}
}

func TestNotification_NilStatusInfoIsNull(t *testing.T) {
	n := Notification{DocumentID: "d1", Status: "parsing", Sync: true}
	payload, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if v, present := decoded["statusInfo"]; !present || v != nil {
		t.Errorf("expected statusInfo to be null, got %v", decoded)
	}
}
