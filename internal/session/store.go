// Package session owns per-conversation state: message history, the
// follow-up queue, metadata, and the Idle/Active turn state machine.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/deckhand-ai/deckhand/pkg/models"
)

// Store persists conversations on disk. Layout under the data dir:
//
//	sessions/<id>.messages.json   ordered Message array
//	sessions/<id>.queue.json      ordered QueuedPrompt array
//	sessions.json                 shared id -> metadata index
//
// Writes are not transactional across files; metadata is always written
// after the transcript so a crash leaves it stale but never wrong.
type Store struct {
	mu      sync.Mutex
	dataDir string
}

// NewStore creates the on-disk layout under dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dataDir: dataDir}, nil
}

func (s *Store) messagesPath(id string) string {
	return filepath.Join(s.dataDir, "sessions", id+".messages.json")
}

func (s *Store) queuePath(id string) string {
	return filepath.Join(s.dataDir, "sessions", id+".queue.json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dataDir, "sessions.json")
}

// SaveMessages writes a conversation transcript.
func (s *Store) SaveMessages(id string, messages []models.Message) error {
	return writeJSONFile(s.messagesPath(id), messages)
}

// LoadMessages reads a transcript; a missing file is an empty transcript.
func (s *Store) LoadMessages(id string) ([]models.Message, error) {
	var messages []models.Message
	if err := readJSONFile(s.messagesPath(id), &messages); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return messages, nil
}

// SaveQueue writes a conversation's follow-up queue.
func (s *Store) SaveQueue(id string, queue []models.QueuedPrompt) error {
	return writeJSONFile(s.queuePath(id), queue)
}

// LoadQueue reads a queue; a missing file is an empty queue.
func (s *Store) LoadQueue(id string) ([]models.QueuedPrompt, error) {
	var queue []models.QueuedPrompt
	if err := readJSONFile(s.queuePath(id), &queue); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return queue, nil
}

// SaveMeta upserts one conversation's metadata in the shared index.
func (s *Store) SaveMeta(meta models.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	index[meta.ID] = meta
	return writeJSONFile(s.indexPath(), index)
}

// LoadMeta reads one conversation's metadata. The second return is
// false when the id is unknown.
func (s *Store) LoadMeta(id string) (models.SessionMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndexLocked()
	if err != nil {
		return models.SessionMeta{}, false, err
	}
	meta, ok := index[id]
	return meta, ok, nil
}

// ListMeta returns all metadata sorted by update time, newest first.
// Transcripts are never touched.
func (s *Store) ListMeta() ([]models.SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndexLocked()
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionMeta, 0, len(index))
	for _, meta := range index {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes metadata, transcript, and queue file together.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	delete(index, id)
	if err := writeJSONFile(s.indexPath(), index); err != nil {
		return err
	}
	for _, path := range []string{s.messagesPath(id), s.queuePath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (s *Store) loadIndexLocked() (map[string]models.SessionMeta, error) {
	index := make(map[string]models.SessionMeta)
	if err := readJSONFile(s.indexPath(), &index); err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, err
	}
	return index, nil
}

// writeJSONFile writes via a temp file and rename so readers never see
// a partial document.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
