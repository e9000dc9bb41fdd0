package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"texchat/internal/models"
	"texchat/internal/redis"
)

const (
	slotMessages    = "messages"
	slotSource      = "source"
	slotArtifact    = "artifact"
	slotError       = "error"
	slotAttachments = "attachments"
)

var allSlots = []string{slotMessages, slotSource, slotArtifact, slotError, slotAttachments}

// Redis keeps every slot under its own key so that writes to one slot never
// touch another. All keys of a workspace share the TTL, refreshed on use.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) metaKey(id string) string {
	return r.client.Key("ws", id)
}

func (r *Redis) slotKey(id, slot string) string {
	return r.client.Key("ws", id, slot)
}

// touch fails with ErrNotFound when the workspace is gone, otherwise refreshes
// the TTL of every key.
func (r *Redis) touch(ctx context.Context, id string) error {
	ok, err := r.client.Exists(ctx, r.metaKey(id))
	if err != nil {
		return fmt.Errorf("check workspace: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if r.ttl <= 0 {
		return nil
	}
	_, err = r.client.Raw().Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Expire(ctx, r.metaKey(id), r.ttl)
		for _, slot := range allSlots {
			pipe.Expire(ctx, r.slotKey(id, slot), r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh workspace ttl: %w", err)
	}
	return nil
}

func (r *Redis) Create(ctx context.Context, id, source string) error {
	_, err := r.client.Raw().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, r.metaKey(id), time.Now().UTC().Format(time.RFC3339), r.ttl)
		pipe.Set(ctx, r.slotKey(id, slotSource), source, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	return r.client.Exists(ctx, r.metaKey(id))
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	keys := []string{r.metaKey(id)}
	for _, slot := range allSlots {
		keys = append(keys, r.slotKey(id, slot))
	}
	return r.client.Del(ctx, keys...)
}

func (r *Redis) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	if err := r.touch(ctx, id); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	key := r.slotKey(id, slotMessages)
	_, err = r.client.Raw().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

func (r *Redis) Messages(ctx context.Context, id string) ([]models.Message, error) {
	if err := r.touch(ctx, id); err != nil {
		return nil, err
	}
	raw, err := r.client.Raw().LRange(ctx, r.slotKey(id, slotMessages), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	out := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *Redis) SetSource(ctx context.Context, id, source string) error {
	if err := r.touch(ctx, id); err != nil {
		return err
	}
	return r.client.Set(ctx, r.slotKey(id, slotSource), source, r.ttl)
}

func (r *Redis) Source(ctx context.Context, id string) (string, error) {
	if err := r.touch(ctx, id); err != nil {
		return "", err
	}
	data, err := r.client.Get(ctx, r.slotKey(id, slotSource))
	if errors.Is(err, redis.ErrCacheMiss) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load source: %w", err)
	}
	return string(data), nil
}

func (r *Redis) SetArtifact(ctx context.Context, id string, a *models.Artifact) error {
	return r.setJSON(ctx, id, slotArtifact, a)
}

func (r *Redis) Artifact(ctx context.Context, id string) (*models.Artifact, error) {
	var a models.Artifact
	ok, err := r.getJSON(ctx, id, slotArtifact, &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

func (r *Redis) SetError(ctx context.Context, id string, rec *models.ErrorRecord) error {
	return r.setJSON(ctx, id, slotError, rec)
}

func (r *Redis) Error(ctx context.Context, id string) (*models.ErrorRecord, error) {
	var rec models.ErrorRecord
	ok, err := r.getJSON(ctx, id, slotError, &rec)
	if err != nil || !ok {
		return nil, err
	}
	return &rec, nil
}

func (r *Redis) AddAttachments(ctx context.Context, id string, atts []models.Attachment) error {
	if len(atts) == 0 {
		return nil
	}
	if err := r.touch(ctx, id); err != nil {
		return err
	}
	values := make([]interface{}, 0, len(atts))
	for _, att := range atts {
		data, err := json.Marshal(att)
		if err != nil {
			return fmt.Errorf("encode attachment: %w", err)
		}
		values = append(values, data)
	}
	key := r.slotKey(id, slotAttachments)
	_, err := r.client.Raw().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	return err
}

func (r *Redis) Attachments(ctx context.Context, id string) ([]models.Attachment, error) {
	if err := r.touch(ctx, id); err != nil {
		return nil, err
	}
	raw, err := r.client.Raw().LRange(ctx, r.slotKey(id, slotAttachments), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	return decodeAttachments(raw)
}

func (r *Redis) TakeAttachments(ctx context.Context, id string) ([]models.Attachment, error) {
	if err := r.touch(ctx, id); err != nil {
		return nil, err
	}
	key := r.slotKey(id, slotAttachments)
	var lr *goredis.StringSliceCmd
	_, err := r.client.Raw().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		lr = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("take attachments: %w", err)
	}
	return decodeAttachments(lr.Val())
}

func decodeAttachments(raw []string) ([]models.Attachment, error) {
	out := make([]models.Attachment, 0, len(raw))
	for _, item := range raw {
		var att models.Attachment
		if err := json.Unmarshal([]byte(item), &att); err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
		out = append(out, att)
	}
	return out, nil
}

// setJSON overwrites a slot; a nil value deletes it.
func (r *Redis) setJSON(ctx context.Context, id, slot string, v interface{}) error {
	if err := r.touch(ctx, id); err != nil {
		return err
	}
	key := r.slotKey(id, slot)
	if isNil(v) {
		return r.client.Del(ctx, key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", slot, err)
	}
	return r.client.Set(ctx, key, data, r.ttl)
}

func (r *Redis) getJSON(ctx context.Context, id, slot string, v interface{}) (bool, error) {
	if err := r.touch(ctx, id); err != nil {
		return false, err
	}
	data, err := r.client.Get(ctx, r.slotKey(id, slot))
	if errors.Is(err, redis.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", slot, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", slot, err)
	}
	return true, nil
}

func isNil(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *models.Artifact:
		return t == nil
	case *models.ErrorRecord:
		return t == nil
	}
	return false
}
