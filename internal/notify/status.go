package notify

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/search-replication/pkg/proto"
)

const statusKeyPrefix = "replication:"

// HashStore is the slice of Redis the status board uses. *redis.Client from
// pkg/redis satisfies it.
type HashStore interface {
	PutHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	GetHash(ctx context.Context, key string) (map[string]string, error)
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// StatusBoard publishes each replica's last replication outcome under
// replication:<index>:<node>.
type StatusBoard struct {
	store HashStore
	node  string
	ttl   time.Duration
}

func NewStatusBoard(store HashStore, node string, ttl time.Duration) *StatusBoard {
	return &StatusBoard{store: store, node: node, ttl: ttl}
}

func StatusKey(index, node string) string {
	return statusKeyPrefix + index + ":" + node
}

// Publish records st for this node.
func (b *StatusBoard) Publish(ctx context.Context, st proto.ReplicationStatus) error {
	fields := map[string]string{
		"index":          st.Index,
		"node":           b.node,
		"strategy":       st.Strategy,
		"masterIdentity": st.MasterIdentity,
		"generation":     strconv.FormatInt(st.Generation, 10),
		"fetched":        strconv.Itoa(st.Fetched),
		"deleted":        strconv.Itoa(st.Deleted),
		"bytesFetched":   strconv.FormatInt(st.BytesFetched, 10),
		"startedAt":      st.StartedAt.UTC().Format(time.RFC3339Nano),
		"finishedAt":     st.FinishedAt.UTC().Format(time.RFC3339Nano),
		"error":          st.Error,
	}
	return b.store.PutHash(ctx, StatusKey(st.Index, b.node), fields, b.ttl)
}

// Get returns the status node last published for index, or nil.
func (b *StatusBoard) Get(ctx context.Context, index, node string) (*proto.ReplicationStatus, error) {
	fields, err := b.store.GetHash(ctx, StatusKey(index, node))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeStatus(fields)
}

// Nodes returns the status of every node replicating index, keyed by node.
func (b *StatusBoard) Nodes(ctx context.Context, index string) (map[string]proto.ReplicationStatus, error) {
	prefix := StatusKey(index, "")
	keys, err := b.store.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make(map[string]proto.ReplicationStatus, len(keys))
	for _, key := range keys {
		node := strings.TrimPrefix(key, prefix)
		st, err := b.Get(ctx, index, node)
		if err != nil {
			return nil, err
		}
		if st != nil {
			out[node] = *st
		}
	}
	return out, nil
}

func decodeStatus(fields map[string]string) (*proto.ReplicationStatus, error) {
	st := &proto.ReplicationStatus{
		Index:          fields["index"],
		Strategy:       fields["strategy"],
		MasterIdentity: fields["masterIdentity"],
		Error:          fields["error"],
	}
	var err error
	if st.Generation, err = parseInt(fields, "generation"); err != nil {
		return nil, err
	}
	fetched, err := parseInt(fields, "fetched")
	if err != nil {
		return nil, err
	}
	deleted, err := parseInt(fields, "deleted")
	if err != nil {
		return nil, err
	}
	st.Fetched, st.Deleted = int(fetched), int(deleted)
	if st.BytesFetched, err = parseInt(fields, "bytesFetched"); err != nil {
		return nil, err
	}
	if st.StartedAt, err = parseTime(fields, "startedAt"); err != nil {
		return nil, err
	}
	if st.FinishedAt, err = parseTime(fields, "finishedAt"); err != nil {
		return nil, err
	}
	return st, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	v := fields[name]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("status field %s: %w", name, err)
	}
	return n, nil
}

func parseTime(fields map[string]string, name string) (time.Time, error) {
	v := fields[name]
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("status field %s: %w", name, err)
	}
	return t, nil
}
