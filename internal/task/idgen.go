package task

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/UnlikeOtherAI/steroids-cli-sub003/internal/util"
)

// SequenceStore manages the task and section ID sequences for a project.
// Sequences persist in a small yaml file so IDs stay stable across runs.
type SequenceStore struct {
	path string
	mu   sync.Mutex
}

type sequenceData struct {
	Counters map[string]int `yaml:"counters"`
}

// NewSequenceStore creates a sequence store at the given path.
func NewSequenceStore(path string) *SequenceStore {
	return &SequenceStore{path: path}
}

func (s *SequenceStore) load() (*sequenceData, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &sequenceData{Counters: make(map[string]int)}, nil
		}
		return nil, fmt.Errorf("read sequences: %w", err)
	}

	var sd sequenceData
	if err := yaml.Unmarshal(data, &sd); err != nil {
		return nil, fmt.Errorf("parse sequences: %w", err)
	}
	if sd.Counters == nil {
		sd.Counters = make(map[string]int)
	}
	return &sd, nil
}

func (s *SequenceStore) save(sd *sequenceData) error {
	data, err := yaml.Marshal(sd)
	if err != nil {
		return fmt.Errorf("marshal sequences: %w", err)
	}
	if err := util.AtomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write sequences: %w", err)
	}
	return nil
}

// Next returns the next sequence number for the given counter name.
func (s *SequenceStore) Next(counter string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, err := s.load()
	if err != nil {
		return 0, err
	}

	next := sd.Counters[counter] + 1
	sd.Counters[counter] = next

	if err := s.save(sd); err != nil {
		return 0, err
	}
	return next, nil
}

// Catchup raises a counter to at least value. Used when existing IDs
// exceed the stored sequence.
func (s *SequenceStore) Catchup(counter string, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd, err := s.load()
	if err != nil {
		return err
	}
	if sd.Counters[counter] >= value {
		return nil
	}
	sd.Counters[counter] = value
	return s.save(sd)
}

// NextTaskID generates the next task ID (TASK-001, TASK-002, ...).
func (s *SequenceStore) NextTaskID() (string, error) {
	seq, err := s.Next("task")
	if err != nil {
		return "", err
	}
	return FormatTaskID(seq), nil
}

// NextSectionID generates the next section ID (SEC-001, SEC-002, ...).
func (s *SequenceStore) NextSectionID() (string, error) {
	seq, err := s.Next("section")
	if err != nil {
		return "", err
	}
	return FormatSectionID(seq), nil
}

// FormatTaskID formats a task ID for a sequence number.
func FormatTaskID(seq int) string {
	return fmt.Sprintf("TASK-%03d", seq)
}

// FormatSectionID formats a section ID for a sequence number.
func FormatSectionID(seq int) string {
	return fmt.Sprintf("SEC-%03d", seq)
}

var taskIDPattern = regexp.MustCompile(`^TASK-(\d+)$`)

// ParseTaskID extracts the sequence from a task ID.
// Returns the sequence number and ok=true if the ID is well-formed.
func ParseTaskID(id string) (seq int, ok bool) {
	matches := taskIDPattern.FindStringSubmatch(id)
	if len(matches) != 2 {
		return 0, false
	}
	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return num, true
}
