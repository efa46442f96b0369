package onboard

import (
	"strconv"
	"strings"
)

// AxisRef addresses an axis either by channel index or by symbolic name.
type AxisRef struct {
	index  int
	name   string
	byName bool
}

func Index(i int) AxisRef {
	return AxisRef{index: i}
}

func Name(name string) AxisRef {
	return AxisRef{name: name, byName: true}
}

// ParseAxisRef treats anything that parses as a non-negative integer as an index.
func ParseAxisRef(s string) AxisRef {
	s = strings.TrimSpace(s)
	if i, err := strconv.Atoi(s); err == nil && i >= 0 {
		return Index(i)
	}
	return Name(s)
}

func (r AxisRef) IsName() bool {
	return r.byName
}

func (r AxisRef) String() string {
	if r.byName {
		return r.name
	}
	return strconv.Itoa(r.index)
}
