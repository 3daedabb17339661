// Package journal reads recent agent log lines, either from the systemd
// journal or from the agent's own JSON log file.
package journal

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	MaxLines    = 10000
	readTimeout = 10 * time.Second
	timeLayout  = "2006-01-02 15:04:05"
)

// Entry is one log line.
type Entry struct {
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Module    string            `json:"module,omitempty"`
	Message   string            `json:"message"`
	File      string            `json:"file,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func clampCount(count int) int {
	if count <= 0 || count > MaxLines {
		return MaxLines
	}
	return count
}

// Tail returns up to count of the newest journal entries of unit, oldest first.
func Tail(unit string, count int) ([]Entry, error) {
	count = clampCount(count)

	j, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("failed to open systemd journal: %w", err)
	}
	defer j.Close()

	if err := j.AddMatch(sdjournal.SD_JOURNAL_FIELD_SYSTEMD_UNIT + "=" + unit); err != nil {
		return nil, fmt.Errorf("failed to add systemd unit match: %w", err)
	}
	if err := j.SeekTail(); err != nil {
		return nil, fmt.Errorf("failed to seek to end of journal: %w", err)
	}

	var entries []Entry
	deadline := time.Now().Add(readTimeout)

	for len(entries) < count && time.Now().Before(deadline) {
		n, err := j.Previous()
		if err != nil {
			return nil, fmt.Errorf("failed to read previous journal entry: %w", err)
		}
		if n == 0 {
			break
		}

		raw, err := j.GetEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to get journal entry: %w", err)
		}
		if e, ok := fromJournal(unit, raw); ok {
			entries = append(entries, e)
		}
	}

	// collected newest first
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

func fromJournal(unit string, raw *sdjournal.JournalEntry) (Entry, bool) {
	message := raw.Fields[sdjournal.SD_JOURNAL_FIELD_MESSAGE]
	if message == "" {
		return Entry{}, false
	}

	e := Entry{
		Message: message,
		Level:   "INFO",
		Module:  unit,
	}
	if raw.RealtimeTimestamp != 0 {
		e.Timestamp = time.UnixMicro(int64(raw.RealtimeTimestamp)).Format(timeLayout)
	}
	if priority, ok := raw.Fields[sdjournal.SD_JOURNAL_FIELD_PRIORITY]; ok {
		e.Level = priorityToLevel(priority)
	}

	metadata := make(map[string]string)
	if host := raw.Fields[sdjournal.SD_JOURNAL_FIELD_HOSTNAME]; host != "" {
		metadata["hostname"] = host
	}
	if pid := raw.Fields[sdjournal.SD_JOURNAL_FIELD_PID]; pid != "" {
		metadata["pid"] = pid
	}
	if len(metadata) > 0 {
		e.Metadata = metadata
	}
	return e, true
}

// ReadFile returns up to count of the newest entries in the agent's JSON log
// file. Lines that are not agent JSON records are skipped.
func ReadFile(path string, count int, log *logger.Logger) ([]Entry, error) {
	count = clampCount(count)

	lines, err := readLastLines(path, count, log)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if e, ok := parseLine(line); ok {
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
	return entries, nil
}

func parseLine(line string) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}

	level, _ := raw["level"].(string)
	message, _ := raw["message"].(string)
	timestamp, _ := raw["timestamp"].(string)
	if level == "" || message == "" || timestamp == "" {
		return Entry{}, false
	}

	e := Entry{
		Timestamp: timestamp,
		Level:     level,
		Message:   message,
	}
	e.Module, _ = raw["module"].(string)
	e.File, _ = raw["file"].(string)

	for k, v := range raw {
		switch k {
		case "level", "message", "timestamp", "module", "file":
			continue
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		if s, ok := v.(string); ok {
			e.Metadata[k] = s
		} else {
			e.Metadata[k] = fmt.Sprintf("%v", v)
		}
	}
	return e, true
}

// priorityToLevel converts systemd journal priority to log level string
func priorityToLevel(priority string) string {
	switch priority {
	case "0":
		return "EMERG"
	case "1":
		return "ALERT"
	case "2":
		return "CRIT"
	case "3":
		return "ERROR"
	case "4":
		return "WARN"
	case "5":
		return "NOTICE"
	case "6":
		return "INFO"
	case "7":
		return "DEBUG"
	default:
		return "INFO"
	}
}
