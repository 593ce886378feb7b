// Package canonical produces the deterministic JSON encoding that signatures
// are computed over. Output follows RFC 8785: object keys sorted by UTF-16
// code units, no insignificant whitespace, minimal string escaping, integers
// as bare digits. Floats are refused.
package canonical

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/dmitrijs2005/remotesettings/internal/server/models"
)

var (
	ErrFloat       = errors.New("floats are not allowed in canonical JSON")
	ErrUnsupported = errors.New("unsupported type for canonical JSON")
)

// Serialize returns the signed payload for a collection: live records
// sorted by id, wrapped as {"data": [...], "last_modified": "<ts>"}.
func Serialize(records []models.Object, lastModified int64) ([]byte, error) {
	live := make([]models.Object, 0, len(records))
	for _, r := range records {
		if r.Deleted() {
			continue
		}
		live = append(live, r)
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].ID() < live[j].ID()
	})

	data := make([]any, len(live))
	for i, r := range live {
		data[i] = r
	}
	return Marshal(map[string]any{
		"data":          data,
		"last_modified": strconv.FormatInt(lastModified, 10),
	})
}

// Marshal encodes v canonically. Supported values are the ones produced by
// a JSON decoder using UseNumber, plus Go integers and models.Object.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, ""); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any, path string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, val)
	case json.Number:
		s, err := integerLiteral(string(val))
		if err != nil {
			return fmt.Errorf("%s: %w", describe(path), err)
		}
		buf.WriteString(s)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float64:
		// Only reachable when a caller decoded without UseNumber.
		if val != math.Trunc(val) || math.Abs(val) > 1<<53 {
			return fmt.Errorf("%s: %w", describe(path), ErrFloat)
		}
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case float32:
		return fmt.Errorf("%s: %w", describe(path), ErrFloat)
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem, join(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []models.Object:
		items := make([]any, len(val))
		for i, o := range val {
			items[i] = o
		}
		return encode(buf, items, path)
	case models.Object:
		return encodeObject(buf, val, path)
	case map[string]any:
		return encodeObject(buf, val, path)
	default:
		return fmt.Errorf("%s: %w: %T", describe(path), ErrUnsupported, v)
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any, path string) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sortUTF16(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		if err := encode(buf, obj[k], join(path, k)); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func sortUTF16(keys []string) {
	units := make(map[string][]uint16, len(keys))
	for _, k := range keys {
		units[k] = utf16.Encode([]rune(k))
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := units[keys[i]], units[keys[j]]
		for n := 0; n < len(a) && n < len(b); n++ {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		return len(a) < len(b)
	})
}

const hexDigits = "0123456789abcdef"

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`�`)
			i++
			continue
		}
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			buf.WriteString(`\u00`)
			buf.WriteByte(hexDigits[r>>4])
			buf.WriteByte(hexDigits[r&0xf])
		default:
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}

// integerLiteral normalises a JSON number that must be an integer.
func integerLiteral(s string) (string, error) {
	if strings.ContainsAny(s, ".eE") {
		return "", ErrFloat
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return "", fmt.Errorf("invalid number %q", s)
	}
	return n.String(), nil
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "." + elem
}

func describe(path string) string {
	if path == "" {
		return "value"
	}
	return strconv.Quote(path)
}
