// Package subid resolves the subordinate uid and gid ranges delegated to a
// user through /etc/subuid and /etc/subgid.
package subid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/criyle/zaun/pkg/identity"
)

// Default delegation files
const (
	UIDFile = "/etc/subuid"
	GIDFile = "/etc/subgid"
)

// IDRange is one contiguous id mapping entry. InsideID is always 0: the
// namespace root maps to the start of the delegated range.
type IDRange struct {
	OutsideID uint32
	InsideID  uint32
	Count     uint32
}

func (r IDRange) String() string {
	return fmt.Sprintf("%d:%d:%d", r.InsideID, r.OutsideID, r.Count)
}

// Record is a single line of a delegation file
type Record struct {
	Owner string
	Start uint32
	Count uint32
}

// Resolver looks up delegation records for one user
type Resolver struct {
	User    identity.User
	UIDFile string
	GIDFile string

	// Open opens a delegation file, os.Open if nil
	Open func(name string) (io.ReadCloser, error)
}

// NewResolver creates a resolver for u reading the system delegation files
func NewResolver(u identity.User) *Resolver {
	return &Resolver{
		User:    u,
		UIDFile: UIDFile,
		GIDFile: GIDFile,
	}
}

// ResolveUIDRange returns a uid range of at least count ids
func (r *Resolver) ResolveUIDRange(count uint32) (IDRange, error) {
	return r.resolve(r.UIDFile, count)
}

// ResolveGIDRange returns a gid range of at least count ids
func (r *Resolver) ResolveGIDRange(count uint32) (IDRange, error) {
	return r.resolve(r.GIDFile, count)
}

func (r *Resolver) resolve(name string, count uint32) (IDRange, error) {
	open := r.Open
	if open == nil {
		open = func(name string) (io.ReadCloser, error) { return os.Open(name) }
	}
	f, err := open(name)
	if err != nil {
		return IDRange{}, fmt.Errorf("subid: open %s: %w", name, err)
	}
	defer f.Close()

	records, err := Parse(f)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.File = name
			return IDRange{}, pe
		}
		return IDRange{}, fmt.Errorf("subid: read %s: %w", name, err)
	}
	for _, rec := range records {
		if !r.User.Matches(rec.Owner) {
			continue
		}
		if rec.Count < count {
			return IDRange{}, &RangeTooSmallError{File: name, Requested: count, Available: rec.Count}
		}
		return IDRange{OutsideID: rec.Start, InsideID: 0, Count: count}, nil
	}
	return IDRange{}, &NoMatchingRangeError{File: name, User: r.User.NameID.String()}
}

// Parse reads every record of a delegation file. The whole input is parsed
// before any record is used, so a malformed line anywhere fails the parse.
func Parse(r io.Reader) ([]Record, error) {
	var records []Record
	s := bufio.NewScanner(r)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, ok := parseRecord(line)
		if !ok {
			return nil, &ParseError{Line: lineNo, Text: line}
		}
		records = append(records, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func parseRecord(line string) (Record, bool) {
	parts := strings.Split(line, ":")
	if len(parts) != 3 {
		return Record{}, false
	}
	owner := strings.TrimSpace(parts[0])
	if owner == "" {
		return Record{}, false
	}
	start, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return Record{}, false
	}
	count, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 32)
	if err != nil {
		return Record{}, false
	}
	return Record{Owner: owner, Start: uint32(start), Count: uint32(count)}, true
}
