package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/s33g/promptkit/internal/config"
)

// Note: These tests require a running Redis instance
// Run: docker run -d -p 6379:6379 redis:7-alpine

func getTestClient(t *testing.T) *Client {
	t.Helper()

	cfg := config.RedisConfig{
		Address:   "localhost:6379",
		DB:        15, // Use DB 15 for testing
		KeyPrefix: "test:",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clean test database
	client.Redis().FlushDB(context.Background())

	return client
}

func TestKeys(t *testing.T) {
	k := NewKeys("pk:")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"conversation", k.Conversation("default", "c1"), "pk:default:conversation:c1"},
		{"conversations", k.Conversations("default"), "pk:default:conversations"},
		{"messages", k.Messages("default", "c1"), "pk:default:messages:c1"},
		{"tree", k.Tree("abc"), "pk:tree:abc"},
		{"trees", k.Trees(), "pk:trees"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("key = %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTreeStore_SaveAndLoad(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	store := NewTreeStore(client, time.Hour)
	ctx := context.Background()

	id, err := store.Save(ctx, StoredTree{
		Template:   "chat",
		Model:      "openai/gpt-4o",
		Budget:     4000,
		TokenCount: 1200,
		Data:       []byte(`{"version":1,"node":{"type":1}}`),
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if id == "" {
		t.Fatal("Save() returned an empty id")
	}

	got, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Template != "chat" || got.Model != "openai/gpt-4o" || got.Budget != 4000 || got.TokenCount != 1200 {
		t.Errorf("Load() = %+v, want the saved fields", got)
	}
	if string(got.Data) != `{"version":1,"node":{"type":1}}` {
		t.Errorf("Data = %s", got.Data)
	}

	ttl, err := client.Redis().TTL(ctx, client.Keys().Tree(id)).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %v, want within an hour", ttl)
	}
}

func TestTreeStore_LoadMissing(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	_, err := NewTreeStore(client, 0).Load(context.Background(), "missing")
	if !errors.Is(err, ErrTreeNotFound) {
		t.Errorf("Load() error = %v, want ErrTreeNotFound", err)
	}
}

func TestTreeStore_ListAndDelete(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	store := NewTreeStore(client, 0)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Save(ctx, StoredTree{
			Budget:    100,
			Data:      []byte("{}"),
			CreatedAt: time.Unix(int64(1000+i), 0),
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
		ids = append(ids, id)
	}

	listed, err := store.List(ctx, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 || listed[0] != ids[2] || listed[1] != ids[1] {
		t.Errorf("List() = %v, want the two newest first", listed)
	}

	if err := store.Delete(ctx, ids[2]); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	listed, err = store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("len(List()) = %d, want 2 after delete", len(listed))
	}

	// An expired entry disappears from the index.
	client.Redis().Del(ctx, client.Keys().Tree(ids[0]))
	listed, err = store.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 1 || listed[0] != ids[1] {
		t.Errorf("List() = %v, want only %s", listed, ids[1])
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewClient(ctx, config.RedisConfig{Address: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("NewClient() should fail for an unreachable address")
	}
	if !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Errorf("error = %v, want it to name the address", err)
	}
}

func TestClient_Ping(t *testing.T) {
	client := getTestClient(t)
	defer client.Close()

	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
