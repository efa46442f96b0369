package onboard

import (
	"sync"

	"github.com/asdine/storm/v3"
)

// RecordSettings is the part of a record that survives a restart.
type RecordSettings struct {
	Axis         string `storm:"id"`
	TweakValue   float64
	Velocity     float64
	Acceleration float64
}

type SettingsStore interface {
	Load(axis string) (settings RecordSettings, found bool, err error)
	Save(settings RecordSettings) error
}

type StormStore struct {
	db *storm.DB
}

func NewStormStore(db *storm.DB) (s *StormStore, err error) {
	if err = db.Init(&RecordSettings{}); err != nil {
		return nil, err
	}
	return &StormStore{db: db}, nil
}

func (s *StormStore) Load(axis string) (settings RecordSettings, found bool, err error) {
	err = s.db.One("Axis", axis, &settings)
	if err == storm.ErrNotFound {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, err
	}
	return settings, true, nil
}

func (s *StormStore) Save(settings RecordSettings) error {
	return s.db.Save(&settings)
}

// MemoryStore keeps settings for the lifetime of the process only.
type MemoryStore struct {
	lock     sync.Mutex
	settings map[string]RecordSettings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]RecordSettings)}
}

func (s *MemoryStore) Load(axis string) (RecordSettings, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	settings, ok := s.settings[axis]
	return settings, ok, nil
}

func (s *MemoryStore) Save(settings RecordSettings) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.settings[settings.Axis] = settings
	return nil
}
