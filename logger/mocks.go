package logger

import (
	"io"
)

// MockLogger returns a console-only logger aimed at the given writer,
// typically GinkgoWriter in this module's suites.
func MockLogger(writer io.Writer) *Logger {
	config := &Config{
		ConsoleWriters: []io.Writer{writer},
	}

	if logger, err := New(config); err == nil {
		return logger
	}
	return nil
}
