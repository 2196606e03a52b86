package process

import "errors"

var (
	errEmptyID                = errors.New("id must not be empty")
	errBadID                  = errors.New("id must match [A-Za-z0-9._-] and must not contain '..' or path separators")
	errEmptyCommand           = errors.New("command must not be empty")
	errBadWorkDir             = errors.New("working_dir must be an absolute path without traversal")
	errAutoRestartAndPeriodic = errors.New("auto_restart and periodic are mutually exclusive")
	errBadPeriod              = errors.New("period_seconds must be positive when periodic is true")
)

// ErrNotRunning is returned when Input is requested while the entry is not Running.
var ErrNotRunning = errors.New("entry is not running")
