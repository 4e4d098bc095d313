package service

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/itchyny/gojq"
	"github.com/rs/zerolog/log"
)

// LookupOption narrows or orders a service lookup.
type LookupOption func(*lookupOptions)

type lookupOptions struct {
	query    string
	minimize string
	maximize string
}

func newLookupOptions(opts ...LookupOption) *lookupOptions {
	o := &lookupOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithQuery selects services whose properties satisfy a jq expression,
// e.g. `.priority > 5 and .name == "fast"`. A service matches when the
// first value the expression produces is neither false nor null.
func WithQuery(query string) LookupOption {
	return func(o *lookupOptions) { o.query = query }
}

// Minimize orders services by ascending value of the named property.
func Minimize(property string) LookupOption {
	return func(o *lookupOptions) { o.minimize, o.maximize = property, "" }
}

// Maximize orders services by descending value of the named property.
func Maximize(property string) LookupOption {
	return func(o *lookupOptions) { o.maximize, o.minimize = property, "" }
}

type query struct {
	src  string
	code *gojq.Code
}

func compileQuery(src string) (*query, error) {
	if src == "" {
		return &query{}, nil
	}
	parsed, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidQuery, src, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidQuery, src, err)
	}
	return &query{src: src, code: code}, nil
}

// matches evaluates the query over properties. Evaluation errors, such as
// comparing a missing property, count as no match.
func (q *query) matches(properties map[string]any) bool {
	if q.code == nil {
		return true
	}
	input, err := normalize(properties)
	if err != nil {
		log.Warn().Str("query", q.src).Err(err).Msg("service properties cannot be queried")
		return false
	}

	v, ok := q.code.Run(input).Next()
	if !ok {
		return false
	}
	if err, isErr := v.(error); isErr {
		log.Debug().Str("query", q.src).Err(err).Msg("service query failed, treating as no match")
		return false
	}
	return v != nil && v != false
}

// normalize converts properties to the plain JSON values gojq operates on.
func normalize(properties map[string]any) (map[string]any, error) {
	data, err := json.Marshal(properties)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type match struct {
	obj        any
	properties map[string]any
}

// order sorts matches by the minimize or maximize property. Services
// without the property, or with one that is not a number or string, go last.
func order(matches []match, o *lookupOptions) {
	key, desc := o.minimize, false
	if o.maximize != "" {
		key, desc = o.maximize, true
	}
	if key == "" {
		return
	}

	slices.SortStableFunc(matches, func(a, b match) int {
		av, aok := sortKey(a.properties[key])
		bv, bok := sortKey(b.properties[key])
		switch {
		case !aok && !bok:
			return 0
		case !aok:
			return 1
		case !bok:
			return -1
		}
		c := compareKeys(av, bv)
		if desc {
			return -c
		}
		return c
	})
}

func sortKey(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		return n, true
	}
	return nil, false
}

// compareKeys orders numbers before strings.
func compareKeys(a, b any) int {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	switch {
	case aNum && bNum:
		return cmp.Compare(af, bf)
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return cmp.Compare(a.(string), b.(string))
}
