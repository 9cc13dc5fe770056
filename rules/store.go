package rules

import (
	"github.com/sirupsen/logrus"

	"github.com/vfaronov/turq/syncx"
)

// Store holds the active rules program. Installs replace it atomically;
// connection drivers take one snapshot per request cycle, so a reload never
// tears a cycle that is already running.
type Store struct {
	log *logrus.Logger

	mu      syncx.RWMutex
	current *Program
}

func NewStore(log *logrus.Logger) *Store {
	return &Store{log: log}
}

// Install compiles source and makes it the active program. On a compile
// error the previously installed program stays in place untouched.
func (s *Store) Install(name, source string) error {
	prog, err := Compile(name, source)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = prog
	s.mu.Unlock()
	s.log.WithField("program", prog.ID).Info("new rules installed")
	return nil
}

// Current returns the active program. Nil only if Install never succeeded.
func (s *Store) Current() *Program {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Source returns the source text of the active program, for the editor.
func (s *Store) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Source
}
