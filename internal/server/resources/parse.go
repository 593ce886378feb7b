package resources

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dmitrijs2005/remotesettings/internal/server/models"
)

var ErrInvalidConfig = errors.New("invalid signer.resources")

var identifier = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Triple is one parsed line of signer.resources.
type Triple struct {
	Source      models.Coord
	Preview     *models.Coord
	Destination models.Coord
}

func (t Triple) PerBucket() bool {
	return t.Source.PerBucket()
}

func (t Triple) coords() []models.Coord {
	out := []models.Coord{t.Source}
	if t.Preview != nil {
		out = append(out, *t.Preview)
	}
	return append(out, t.Destination)
}

// Parse reads a signer.resources value. Entries are separated by newlines;
// each is "src -> [preview ->] dest". The legacy "src;dest" form, several
// entries per line separated by whitespace, is accepted too.
func Parse(value string) ([]Triple, error) {
	var entries []string
	for _, line := range strings.Split(value, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.Contains(line, "->") {
			entries = append(entries, line)
			continue
		}
		entries = append(entries, strings.Fields(line)...)
	}

	seen := map[string]bool{}
	out := make([]Triple, 0, len(entries))
	for _, entry := range entries {
		t, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		for _, c := range t.coords() {
			if seen[c.String()] {
				return nil, fmt.Errorf("%w: %q is used more than once", ErrInvalidConfig, c.String())
			}
			seen[c.String()] = true
		}
		out = append(out, t)
	}
	return out, nil
}

func parseEntry(entry string) (Triple, error) {
	sep := "->"
	if !strings.Contains(entry, sep) {
		sep = ";"
	}
	parts := strings.Split(entry, sep)
	if len(parts) < 2 || len(parts) > 3 {
		return Triple{}, fmt.Errorf("%w: malformed entry %q", ErrInvalidConfig, entry)
	}

	coords := make([]models.Coord, len(parts))
	for i, p := range parts {
		c, err := parseCoord(strings.TrimSpace(p))
		if err != nil {
			return Triple{}, fmt.Errorf("%w in %q", err, entry)
		}
		coords[i] = c
	}

	for i, c := range coords {
		if c.PerBucket() != coords[0].PerBucket() {
			return Triple{}, fmt.Errorf("%w: cannot mix bucket and collection URIs in %q", ErrInvalidConfig, entry)
		}
		for _, other := range coords[:i] {
			if other == c {
				return Triple{}, fmt.Errorf("%w: %q repeats %q", ErrInvalidConfig, entry, c.String())
			}
		}
	}

	t := Triple{Source: coords[0], Destination: coords[len(coords)-1]}
	if len(coords) == 3 {
		p := coords[1]
		t.Preview = &p
	}
	return t, nil
}

// parseCoord accepts "bid", "bid/cid" and the URI forms "/buckets/bid" and
// "/buckets/bid/collections/cid".
func parseCoord(s string) (models.Coord, error) {
	if strings.HasPrefix(s, "/buckets/") {
		rest := strings.TrimPrefix(s, "/buckets/")
		s = strings.Replace(rest, "/collections/", "/", 1)
	}
	parts := strings.Split(s, "/")
	if len(parts) > 2 {
		return models.Coord{}, fmt.Errorf("%w: malformed resource %q", ErrInvalidConfig, s)
	}
	for _, p := range parts {
		if !identifier.MatchString(p) {
			return models.Coord{}, fmt.Errorf("%w: invalid identifier %q", ErrInvalidConfig, p)
		}
	}
	c := models.Coord{Bucket: parts[0]}
	if len(parts) == 2 {
		c.Collection = parts[1]
	}
	return c, nil
}
