package snap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"labsnap/internal/manifest"
)

const (
	// NamePrefix starts every artifact base name.
	NamePrefix = "snapshot-"

	// ArchiveSuffix is appended to a base name to form the archive file name.
	ArchiveSuffix = ".tar.gz"

	nameTimeLayout = "20060102-150405Z"
)

// archiveSuffixes are recognised when reading an artifact population.
var archiveSuffixes = manifest.ArchiveSuffixes

var namePattern = regexp.MustCompile(`^snapshot-(\d{8}-\d{6}Z)(?:-(\d+))?$`)

// Name is a parsed artifact base name. Seq is 1 for the first snapshot of a
// second and 2, 3, ... for same-second collisions.
type Name struct {
	Base string
	Time time.Time
	Seq  int
}

// FormatName returns the base name for a snapshot taken at t with the given
// sequence number.
func FormatName(t time.Time, seq int) string {
	base := NamePrefix + t.UTC().Format(nameTimeLayout)
	if seq > 1 {
		base += "-" + strconv.Itoa(seq)
	}
	return base
}

// ParseName parses an artifact base name. ok is false for anything that does
// not follow the naming convention.
func ParseName(base string) (Name, bool) {
	m := namePattern.FindStringSubmatch(base)
	if m == nil {
		return Name{}, false
	}
	t, err := time.Parse(nameTimeLayout, m[1])
	if err != nil {
		return Name{}, false
	}
	seq := 1
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil || n < 2 {
			return Name{}, false
		}
		seq = n
	}
	return Name{Base: base, Time: t, Seq: seq}, true
}

// Newer reports whether n sorts after o in creation order.
func (n Name) Newer(o Name) bool {
	if !n.Time.Equal(o.Time) {
		return n.Time.After(o.Time)
	}
	return n.Seq > o.Seq
}

// archiveBase strips a recognised archive suffix from a file name.
func archiveBase(fileName string) (string, bool) {
	for _, suf := range archiveSuffixes {
		if strings.HasSuffix(fileName, suf) {
			return strings.TrimSuffix(fileName, suf), true
		}
	}
	return "", false
}

// ArchiveName returns the archive file name for a base name.
func ArchiveName(base string) string {
	return base + ArchiveSuffix
}

func validateBaseName(base string) error {
	if _, ok := ParseName(base); !ok {
		return fmt.Errorf("%w: not a snapshot name: %q", ErrArtifactResolution, base)
	}
	return nil
}
