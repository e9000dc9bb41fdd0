package state

import (
	"context"
	"sync"
	"time"

	"texchat/internal/models"
)

type space struct {
	messages    []models.Message
	source      string
	artifact    *models.Artifact
	errRec      *models.ErrorRecord
	attachments []models.Attachment
	seen        time.Time
}

// Memory keeps workspaces in process memory. Idle workspaces are dropped by Sweep.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	spaces map[string]*space
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:    ttl,
		now:    time.Now,
		spaces: make(map[string]*space),
	}
}

// get returns the live workspace and marks it as used. Caller holds m.mu.
func (m *Memory) get(id string) (*space, error) {
	sp, ok := m.spaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	sp.seen = m.now()
	return sp, nil
}

func (m *Memory) Create(_ context.Context, id, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces[id] = &space{source: source, seen: m.now()}
	return nil
}

func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.spaces[id]
	return ok, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.spaces, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, id string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return err
	}
	sp.messages = append(sp.messages, msg)
	return nil
}

func (m *Memory) Messages(_ context.Context, id string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, len(sp.messages))
	copy(out, sp.messages)
	return out, nil
}

func (m *Memory) SetSource(_ context.Context, id, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return err
	}
	sp.source = source
	return nil
}

func (m *Memory) Source(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return "", err
	}
	return sp.source, nil
}

func (m *Memory) SetArtifact(_ context.Context, id string, a *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return err
	}
	if a == nil {
		sp.artifact = nil
		return nil
	}
	cp := *a
	sp.artifact = &cp
	return nil
}

func (m *Memory) Artifact(_ context.Context, id string) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if sp.artifact == nil {
		return nil, nil
	}
	cp := *sp.artifact
	return &cp, nil
}

func (m *Memory) SetError(_ context.Context, id string, rec *models.ErrorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		sp.errRec = nil
		return nil
	}
	cp := *rec
	sp.errRec = &cp
	return nil
}

func (m *Memory) Error(_ context.Context, id string) (*models.ErrorRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if sp.errRec == nil {
		return nil, nil
	}
	cp := *sp.errRec
	return &cp, nil
}

func (m *Memory) AddAttachments(_ context.Context, id string, atts []models.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return err
	}
	sp.attachments = append(sp.attachments, atts...)
	return nil
}

func (m *Memory) Attachments(_ context.Context, id string) ([]models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return nil, err
	}
	out := make([]models.Attachment, len(sp.attachments))
	copy(out, sp.attachments)
	return out, nil
}

func (m *Memory) TakeAttachments(_ context.Context, id string) ([]models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, err := m.get(id)
	if err != nil {
		return nil, err
	}
	out := sp.attachments
	sp.attachments = nil
	return out, nil
}

// Sweep drops workspaces idle for longer than the TTL and returns their ids.
func (m *Memory) Sweep(now time.Time) []string {
	if m.ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for id, sp := range m.spaces {
		if now.Sub(sp.seen) >= m.ttl {
			delete(m.spaces, id)
			expired = append(expired, id)
		}
	}
	return expired
}
