package dataset

import (
	"sort"
	"strings"
)

// LabelEncoder maps class names to positions in a multi-hot vector.
type LabelEncoder struct {
	classes []string
	index   map[string]int
}

// NewLabelEncoder builds an encoder over the distinct, non-empty names in
// classes, ordered lexically.
func NewLabelEncoder(classes []string) *LabelEncoder {
	seen := make(map[string]bool, len(classes))
	var uniq []string
	for _, c := range classes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		uniq = append(uniq, c)
	}
	sort.Strings(uniq)

	idx := make(map[string]int, len(uniq))
	for i, c := range uniq {
		idx[c] = i
	}
	return &LabelEncoder{classes: uniq, index: idx}
}

func (e *LabelEncoder) Len() int {
	return len(e.classes)
}

func (e *LabelEncoder) Classes() []string {
	out := make([]string, len(e.classes))
	copy(out, e.classes)
	return out
}

func (e *LabelEncoder) Index(name string) (int, bool) {
	i, ok := e.index[name]
	return i, ok
}

// Encode returns the multi-hot vector for the union of labels and the names
// that are not known to the encoder.
func (e *LabelEncoder) Encode(labels ...string) ([]float32, []string) {
	vec := make([]float32, len(e.classes))
	var unknown []string
	for _, l := range labels {
		if l == "" {
			continue
		}
		i, ok := e.index[l]
		if !ok {
			unknown = append(unknown, l)
			continue
		}
		vec[i] = 1
	}
	return vec, unknown
}

// ParseLabelList reads a secondary-label cell. Both list literals such as
// "['a', 'b']" and plain separated values ("a b", "a;b") are accepted.
func ParseLabelList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	var parts []string
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		parts = strings.Split(s[1:len(s)-1], ",")
	} else {
		parts = strings.FieldsFunc(s, func(r rune) bool {
			return r == ' ' || r == ';' || r == ','
		})
	}

	var out []string
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `'"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
