package logio

import (
	"fmt"
	"sync"
	"time"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters for the one file that still rotates: the
// supervisor's own log.
const (
	systemMaxSizeMB  = 10
	systemMaxBackups = 3
	systemMaxAgeDays = 7
)

// System is the supervisor-wide log: a single rotating file that every
// component's SYSTEM lines funnel through, with writes from all components
// serialized across callers.
type System struct {
	mu   sync.Mutex
	bind string
	lj   *lj.Logger
}

// OpenSystem opens (creating if absent) the rotating system log at path.
// bind is prefixed to every SYSTEM line.
func OpenSystem(path, bind string) *System {
	return &System{
		bind: bind,
		lj: &lj.Logger{
			Filename:   path,
			MaxSize:    systemMaxSizeMB,
			MaxBackups: systemMaxBackups,
			MaxAge:     systemMaxAgeDays,
			Compress:   true,
		},
	}
}

func (s *System) Append(tag, text string) error {
	line := fmt.Sprintf("[%s] %s: %s: %s\n", time.Now().Format(timeFormat), tag, s.bind, text)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.lj.Write([]byte(line))
	return err
}

func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lj.Close()
}
