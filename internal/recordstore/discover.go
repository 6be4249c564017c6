package recordstore

import (
	"io/fs"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// Candidate is a capture file found under a root.
type Candidate struct {
	Path      string
	Name      NameInfo
	Aggregate bool // written by the aggregate stream (or a fixed-interval recorder)
}

// Discover lazily walks root in lexical order and yields every capture file
// it finds. Files whose names do not parse are skipped. Walk errors are
// yielded with an empty candidate and the walk continues. The sequence can be
// ranged over any number of times; each range walks the tree again.
func Discover(root string, loc *time.Location) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if !yield(Candidate{}, err) {
					return filepath.SkipAll
				}
				return nil
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), fileSuffix) {
				return nil
			}
			info, perr := ParseFileName(d.Name(), loc)
			if perr != nil {
				return nil
			}
			c := Candidate{Path: path, Name: info, Aggregate: isAggregate(root, path, info)}
			if !yield(c, nil) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

func isAggregate(root, path string, info NameInfo) bool {
	if info.Legacy {
		return true
	}
	if info.Stream != model.AggregateName {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return len(strings.Split(filepath.ToSlash(rel), "/")) == 2
}
