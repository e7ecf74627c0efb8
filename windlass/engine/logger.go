package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"windlass.sh/core/windlass/models"
)

// RunLogger writes one JSON-lines log file per run. Stages run
// concurrently, so writes serialize on a mutex.
type RunLogger struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

func NewRunLogger(baseDir string, rid models.RunId) (*RunLogger, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	path := LogFilePath(baseDir, rid)

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	return &RunLogger{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

func LogFilePath(baseDir string, rid models.RunId) string {
	return filepath.Join(baseDir, fmt.Sprintf("%s.log", rid))
}

func OpenLogFile(baseDir string, rid models.RunId) (*os.File, error) {
	file, err := os.Open(LogFilePath(baseDir, rid))
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}

	return file, nil
}

func (l *RunLogger) Close() error {
	return l.file.Close()
}

// StageWriter returns a writer that wraps each written line in a
// LogLine entry for the given stage and stream.
func (l *RunLogger) StageWriter(stage, stream string) io.Writer {
	return &jsonWriter{logger: l, stage: stage, stream: stream}
}

type jsonWriter struct {
	logger *RunLogger
	stage  string
	stream string
}

func (w *jsonWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\r\n")

	entry := models.LogLine{
		Stage:  w.stage,
		Stream: w.stream,
		Data:   line,
	}

	w.logger.mu.Lock()
	err := w.logger.encoder.Encode(entry)
	w.logger.mu.Unlock()
	if err != nil {
		return 0, err
	}

	return len(p), nil
}
