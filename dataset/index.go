package dataset

import (
	"bufio"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TwoStreamMode selects which frames feed the network for one example.
type TwoStreamMode string

const (
	// ModeRGB uses the example frame only.
	ModeRGB TwoStreamMode = "rgb"
	// ModeOpticalFlow uses the flow images of the neighbouring frames.
	ModeOpticalFlow TwoStreamMode = "optical_flow"
	// ModeRGBFlow uses the example frame and the neighbouring flow images.
	ModeRGBFlow TwoStreamMode = "rgb_flow"
)

// Validate checks the mode name.
func (m TwoStreamMode) Validate() error {
	switch m {
	case ModeRGB, ModeOpticalFlow, ModeRGBFlow:
		return nil
	}
	return errors.Errorf("unknown two stream mode %q", m)
}

// Entry is one frame of an id file.
type Entry struct {
	// Path is the frame path relative to the database root,
	// "<subject>/<sequence>/<frame>.<ext>".
	Path string `json:"path"`
	// Subject and Sequence identify the video the frame belongs to.
	Subject  string `json:"subject"`
	Sequence string `json:"sequence"`
	// Frame is the numeric frame number parsed from the file name.
	Frame int `json:"frame"`
	// AUs are the frame's AU tokens that belong to the label space.
	AUs []string `json:"aus"`
	// Database names the source database.
	Database string `json:"database"`
}

// SequenceKey identifies the video of the frame.
func (e Entry) SequenceKey() string {
	return e.Subject + "/" + e.Sequence
}

// Index is an ordered list of frames.
type Index struct {
	Entries []Entry
}

// Len returns the number of frames.
func (x *Index) Len() int {
	return len(x.Entries)
}

// ParseIndex reads an id file.
//
// Each non-empty line holds four tab-separated fields: the relative frame path,
// a comma-separated AU list ("0" for none), an unused field and the database
// name. AU tokens are kept only when their AU is one of classes.
//
// Arguments:
//   - r: The id file contents.
//   - classes: The label space.
//
// Returns:
//   - The index in file order.
func ParseIndex(r io.Reader, classes []string) (*Index, error) {
	known := make(map[string]bool, len(classes))
	for _, c := range classes {
		known[c] = true
	}

	idx := &Index{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), " \t\r\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, errors.Errorf("line %d: expected 4 tab separated fields, got %d", lineNo, len(fields))
		}
		entry, err := parseEntryPath(fields[0])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		entry.Database = fields[3]
		if fields[1] != "0" {
			for _, token := range strings.Split(fields[1], ",") {
				au, _ := parseToken(token)
				if known[au] {
					entry.AUs = append(entry.AUs, strings.TrimSpace(token))
				}
			}
		}
		idx.Entries = append(idx.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read id file")
	}
	return idx, nil
}

func parseEntryPath(p string) (Entry, error) {
	parts := strings.Split(path.Clean(p), "/")
	if len(parts) < 3 {
		return Entry{}, errors.Errorf("path %q is not <subject>/<sequence>/<frame>", p)
	}
	name := parts[len(parts)-1]
	frame, err := strconv.Atoi(strings.TrimSuffix(name, path.Ext(name)))
	if err != nil {
		return Entry{}, errors.Wrapf(err, "frame number of %q", p)
	}
	return Entry{
		Path:     p,
		Subject:  parts[len(parts)-3],
		Sequence: parts[len(parts)-2],
		Frame:    frame,
	}, nil
}

// LoadIndexFile reads and sorts an id file from disk.
func LoadIndexFile(filename string, classes []string) (*Index, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open id file")
	}
	defer f.Close()

	idx, err := ParseIndex(f, classes)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", filename)
	}
	idx.Sort()
	log.WithFields(log.Fields{"file": filename, "examples": idx.Len()}).Info("read id file")
	return idx, nil
}

// Sort orders frames by subject, sequence and frame number.
func (x *Index) Sort() {
	sort.SliceStable(x.Entries, func(i, j int) bool {
		a, b := x.Entries[i], x.Entries[j]
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		return a.Frame < b.Frame
	})
}

// FlowWindow returns the frames whose images feed example i.
//
// In ModeRGB that is the frame itself. Otherwise it is every frame in
// [i-window/2, i+window/2) of the sorted index that belongs to the same
// sequence as frame i, so windows never cross a video boundary and may be
// shorter than window near one.
//
// Arguments:
//   - i: Example position in the sorted index.
//   - window: Temporal window length.
//   - mode: Stream mode.
func (x *Index) FlowWindow(i, window int, mode TwoStreamMode) ([]Entry, error) {
	if i < 0 || i >= len(x.Entries) {
		return nil, errors.Errorf("example %d out of range [0, %d)", i, len(x.Entries))
	}
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if mode == ModeRGB {
		return []Entry{x.Entries[i]}, nil
	}
	if window < 2 {
		return nil, errors.Errorf("flow window must be at least 2, got %d", window)
	}

	key := x.Entries[i].SequenceKey()
	lo, hi := max(i-window/2, 0), min(i+window/2, len(x.Entries))
	var out []Entry
	for _, e := range x.Entries[lo:hi] {
		if e.SequenceKey() == key {
			out = append(out, e)
		}
	}
	return out, nil
}
