package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTreeNotFound is returned when a stored tree does not exist or expired.
var ErrTreeNotFound = errors.New("tree not found")

// StoredTree is a serialized prompt tree with the settings it was rendered
// under.
type StoredTree struct {
	ID         string
	Template   string
	Model      string
	Budget     int
	TokenCount int
	Data       []byte
	CreatedAt  time.Time
}

func (t *StoredTree) toMap() map[string]interface{} {
	return map[string]interface{}{
		"template":    t.Template,
		"model":       t.Model,
		"budget":      t.Budget,
		"token_count": t.TokenCount,
		"data":        t.Data,
		"created_at":  t.CreatedAt.Unix(),
	}
}

func (t *StoredTree) fromMap(id string, m map[string]string) error {
	t.ID = id
	t.Template = m["template"]
	t.Model = m["model"]
	t.Data = []byte(m["data"])

	var err error
	if t.Budget, err = strconv.Atoi(m["budget"]); err != nil {
		return fmt.Errorf("invalid budget for tree %s: %w", id, err)
	}
	if v := m["token_count"]; v != "" {
		if t.TokenCount, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid token count for tree %s: %w", id, err)
		}
	}
	if v, err := strconv.ParseInt(m["created_at"], 10, 64); err == nil {
		t.CreatedAt = time.Unix(v, 0)
	}
	return nil
}

// TreeStore keeps serialized prompt trees for later replay.
type TreeStore struct {
	client *Client
	ttl    time.Duration
}

// NewTreeStore creates a tree store. A zero ttl keeps trees forever.
func NewTreeStore(client *Client, ttl time.Duration) *TreeStore {
	return &TreeStore{client: client, ttl: ttl}
}

// Save stores tree under a new id and returns it.
func (s *TreeStore) Save(ctx context.Context, tree StoredTree) (string, error) {
	tree.ID = uuid.NewString()
	if tree.CreatedAt.IsZero() {
		tree.CreatedAt = time.Now()
	}
	key := s.client.Keys().Tree(tree.ID)

	pipe := s.client.Redis().TxPipeline()
	pipe.HSet(ctx, key, tree.toMap())
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.ZAdd(ctx, s.client.Keys().Trees(), redis.Z{
		Score:  float64(tree.CreatedAt.UnixNano()),
		Member: tree.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to save tree: %w", err)
	}
	return tree.ID, nil
}

// Load retrieves a stored tree by id.
func (s *TreeStore) Load(ctx context.Context, id string) (*StoredTree, error) {
	data, err := s.client.Redis().HGetAll(ctx, s.client.Keys().Tree(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTreeNotFound, id)
	}

	var tree StoredTree
	if err := tree.fromMap(id, data); err != nil {
		return nil, err
	}
	return &tree, nil
}

// List returns the ids of the most recent trees, newest first. Expired
// entries are pruned from the index as they are found.
func (s *TreeStore) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	index := s.client.Keys().Trees()
	ids, err := s.client.Redis().ZRevRange(ctx, index, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list trees: %w", err)
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Redis().Exists(ctx, s.client.Keys().Tree(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list trees: %w", err)
		}
		if n == 0 {
			s.client.Redis().ZRem(ctx, index, id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Delete removes a stored tree.
func (s *TreeStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.Redis().Pipeline()
	pipe.Del(ctx, s.client.Keys().Tree(id))
	pipe.ZRem(ctx, s.client.Keys().Trees(), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete tree: %w", err)
	}
	return nil
}
