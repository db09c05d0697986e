package calltrace

import (
	"fmt"
	"strings"
)

// Category is the architectural bucket a caller chain is reported under.
// The declaration order is the render order.
type Category uint8

const (
	CategoryHTTP Category = iota
	CategoryEvent
	CategoryWorker
	CategoryProcess
	CategoryInternal
	CategoryOther
)

var categoryNames = [...]string{
	CategoryHTTP:     "http",
	CategoryEvent:    "event",
	CategoryWorker:   "worker",
	CategoryProcess:  "process",
	CategoryInternal: "internal",
	CategoryOther:    "other",
}

// Categories returns every category in render order.
func Categories() []Category {
	return []Category{CategoryHTTP, CategoryEvent, CategoryWorker, CategoryProcess, CategoryInternal, CategoryOther}
}

// ParseCategory returns the category named s (case-insensitive).
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown category %q (want one of %s)", s, strings.Join(categoryNames[:], ", "))
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	return int(c) < len(categoryNames)
}

// IsEntryPoint reports whether symbols classified as c terminate a chain.
// Internal is reported for visibility only.
func (c Category) IsEntryPoint() bool {
	return c.Valid() && c != CategoryInternal
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid category %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
