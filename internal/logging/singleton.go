package logging

import "sync"

var (
	instance *Logger
	once     sync.Once
	mu       sync.RWMutex
	cfg      = DefaultConfig
)

// Configure sets the logging configuration. Call before the first
// GetGlobalLogger, or call InitGlobalLogger directly to force a rebuild.
func Configure(c Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

// GetGlobalLogger returns the process-wide logger, building it from the
// configured (or default) Config on first use.
func GetGlobalLogger() *Logger {
	once.Do(func() {
		mu.RLock()
		c := cfg
		mu.RUnlock()

		l, err := NewLogger(c)
		if err != nil {
			// Fall back to a stderr-only logger rather than panicking: a
			// logging misconfiguration must never take down the process.
			l, _ = NewLogger(Config{Level: LevelInfo})
		}
		instance = l
	})
	return instance
}

// InitGlobalLogger forces (re)initialization with an explicit Config,
// replacing whatever GetGlobalLogger had lazily built.
func InitGlobalLogger(c Config) (*Logger, error) {
	l, err := NewLogger(c)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	instance = l
	cfg = c
	mu.Unlock()
	return l, nil
}
