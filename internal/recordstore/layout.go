// Package recordstore defines the on-disk capture format: where capture files
// live, how they are named, and how records are encoded inside them.
//
//	<root>/[<topic-segments>/]<YYYY-MM-DD>/mqtt-recorder-<topic|all-topics>-<YYYYMMDD>-<HHMMSS>-<seq>.json
//	<root>/[<topic-segments>/]<topic>-stats.txt
package recordstore

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

const (
	filePrefix  = "mqtt-recorder-"
	fileSuffix  = ".json"
	statsSuffix = "-stats.txt"

	dateDirLayout = "2006-01-02"
	stampLayout   = "20060102-150405"
	legacyLayout  = "2006-01-02-1504"

	defaultDirMode  = 0o755
	defaultFileMode = 0o644
)

// Layout maps stream keys and timestamps to paths under a capture root.
type Layout struct {
	Root     string
	Location *time.Location // nil means time.Local
}

func (l Layout) loc() *time.Location {
	if l.Location == nil {
		return time.Local
	}
	return l.Location
}

// StreamDir is the directory holding the date buckets and stats file of key.
func (l Layout) StreamDir(key model.StreamKey) string {
	if key.Aggregate {
		return l.Root
	}
	return filepath.Join(append([]string{l.Root}, TopicSegments(key.Topic)...)...)
}

// FilePath returns the capture file path for key with the given timestamp
// prefix and sequence index. The date bucket is derived from prefix.
func (l Layout) FilePath(key model.StreamKey, prefix time.Time, seq int) string {
	prefix = prefix.In(l.loc())
	return filepath.Join(l.StreamDir(key), prefix.Format(dateDirLayout), FileName(key, prefix, seq))
}

// StatsPath returns the statistics report file of key.
func (l Layout) StatsPath(key model.StreamKey) string {
	return filepath.Join(l.StreamDir(key), streamFileName(key)+statsSuffix)
}

// SameBucket reports whether a and b fall into the same date directory.
func (l Layout) SameBucket(a, b time.Time) bool {
	return a.In(l.loc()).Format(dateDirLayout) == b.In(l.loc()).Format(dateDirLayout)
}

// FileName renders the base name of a capture file. prefix must already be
// in the layout's location.
func FileName(key model.StreamKey, prefix time.Time, seq int) string {
	return filePrefix + streamFileName(key) + "-" + prefix.Format(stampLayout) + "-" + strconv.Itoa(seq) + fileSuffix
}

func streamFileName(key model.StreamKey) string {
	if key.Aggregate {
		return model.AggregateName
	}
	return SanitizeTopic(key.Topic)
}

var topicReplacer = strings.NewReplacer("/", "-", "\\", "-", "+", "plus", "#", "hash")

// SanitizeTopic flattens a topic into a single file-name component.
func SanitizeTopic(topic string) string {
	return topicReplacer.Replace(topic)
}

// TopicSegments splits a topic into directory names. Empty and dot segments
// are replaced so a topic can never escape the capture root.
func TopicSegments(topic string) []string {
	parts := strings.Split(topic, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".", "..":
			p = "_"
		default:
			p = topicReplacer.Replace(p)
		}
		out = append(out, p)
	}
	return out
}

// NameInfo holds the fields encoded in a capture file name.
type NameInfo struct {
	Stream string    // sanitized topic, or "all-topics"
	Start  time.Time // timestamp prefix, a lower bound for every record in the file
	Seq    int
	Legacy bool // fixed-interval name from older recorders: mqtt-recorder-YYYY-MM-DD-HHMM.json
}

// ParseFileName decodes a capture file base name. Timestamps are interpreted
// in loc (nil means time.Local).
func ParseFileName(name string, loc *time.Location) (NameInfo, error) {
	if loc == nil {
		loc = time.Local
	}
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return NameInfo{}, fmt.Errorf("recordstore: %q is not a capture file name", name)
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)

	if len(body) == len(legacyLayout) {
		if ts, err := time.ParseInLocation(legacyLayout, body, loc); err == nil {
			return NameInfo{Stream: model.AggregateName, Start: ts, Legacy: true}, nil
		}
	}

	parts := strings.Split(body, "-")
	if len(parts) < 4 {
		return NameInfo{}, fmt.Errorf("recordstore: %q has too few name fields", name)
	}
	n := len(parts)
	seq, err := strconv.Atoi(parts[n-1])
	if err != nil || seq < 0 {
		return NameInfo{}, fmt.Errorf("recordstore: %q has no sequence index", name)
	}
	ts, err := time.ParseInLocation(stampLayout, parts[n-3]+"-"+parts[n-2], loc)
	if err != nil {
		return NameInfo{}, fmt.Errorf("recordstore: %q has no timestamp: %w", name, err)
	}
	return NameInfo{
		Stream: strings.Join(parts[:n-3], "-"),
		Start:  ts,
		Seq:    seq,
	}, nil
}

// ParseDateDir decodes a date bucket directory name, returning the start of
// that day in loc.
func ParseDateDir(name string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	if len(name) != len(dateDirLayout) {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(dateDirLayout, name, loc)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
