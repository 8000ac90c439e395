package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const cacheSize = 1000

// FileLogger appends events as JSONL to a single file scoped to one
// namespace. Recent events stay in an in-memory ring so short time-bounded
// queries avoid re-reading the file.
type FileLogger struct {
	namespace  string
	file       *os.File
	mu         sync.RWMutex
	fileOpts   FileOptions
	eventCache []Event
}

type FileOptions struct {
	FilePath string `json:"file_path"`
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}
	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileLogger{
		namespace: config.Namespace,
		file:      file,
		fileOpts:  fileOpts,
	}, nil
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Namespace: fl.namespace,
		Action:    action,
		Success:   success,
		Metadata:  metadata,
	}

	// Promote well-known metadata fields onto the event itself.
	if metadata != nil {
		if v, ok := metadata["request_id"].(string); ok {
			event.RequestID = v
		}
		if v, ok := metadata["secret_id"].(string); ok {
			event.SecretID = v
		}
		if v, ok := metadata["user_id"].(string); ok {
			event.UserID = v
		}
		if v, ok := metadata["error"].(string); ok {
			event.Error = v
		}
	}

	return fl.writeEvent(event)
}

// writeEvent appends one JSONL line and updates the cache.
func (fl *FileLogger) writeEvent(event Event) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	// Reopen in case a previous vault holding this logger closed it.
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.WriteString(string(eventJSON) + "\n"); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	fl.eventCache = append(fl.eventCache, event)
	if len(fl.eventCache) > cacheSize {
		fl.eventCache = fl.eventCache[len(fl.eventCache)-cacheSize:]
	}

	return nil
}

// Query implements the Logger interface
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	if fl.canUseCacheForQuery(options) {
		return fl.queryFromCache(options), nil
	}

	return fl.queryFromFile(options)
}

// canUseCacheForQuery reports whether the cache fully covers the requested
// time range.
func (fl *FileLogger) canUseCacheForQuery(options QueryOptions) bool {
	if len(fl.eventCache) == 0 {
		return false
	}
	if options.Since == nil && options.Until == nil {
		return false
	}

	oldestCached := fl.eventCache[0].Timestamp
	if options.Since != nil && options.Since.Before(oldestCached) {
		return false
	}
	return true
}

func (fl *FileLogger) queryFromCache(options QueryOptions) QueryResult {
	var filtered []Event
	for _, event := range fl.eventCache {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	if options.Limit > 0 && len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
	}

	return QueryResult{
		Events:     filtered,
		TotalCount: len(fl.eventCache),
		Filtered:   len(filtered),
		HasMore:    len(filtered) == options.Limit,
	}
}

func (fl *FileLogger) queryFromFile(options QueryOptions) (QueryResult, error) {
	file, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return QueryResult{}, nil
		}
		return QueryResult{}, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var allEvents []Event
	totalCount := 0

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		totalCount++

		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			// Skip unparseable lines, keep reading.
			continue
		}

		if matchesFilter(event, options) {
			allEvents = append(allEvents, event)
		}
	}
	if err = scanner.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("error reading audit log file: %w", err)
	}

	sort.Slice(allEvents, func(i, j int) bool {
		return allEvents[i].Timestamp.After(allEvents[j].Timestamp)
	})

	start := options.Offset
	if start > len(allEvents) {
		start = len(allEvents)
	}
	end := len(allEvents)
	if options.Limit > 0 {
		end = start + options.Limit
		if end > len(allEvents) {
			end = len(allEvents)
		}
	}

	return QueryResult{
		Events:     allEvents[start:end],
		TotalCount: totalCount,
		Filtered:   len(allEvents),
		HasMore:    end < len(allEvents),
	}, nil
}

func matchesFilter(event Event, options QueryOptions) bool {
	if options.Namespace != "" && event.Namespace != options.Namespace {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	if options.SecretID != "" && event.SecretID != options.SecretID {
		return false
	}
	return true
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}
