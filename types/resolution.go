package types

import (
	"fmt"
	"strings"
)

type Resolution struct {
	Width  uint32
	Height uint32
}

func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution parses "1920x1080".
func ParseResolution(s string) (Resolution, error) {
	var r Resolution
	s = strings.ToLower(strings.TrimSpace(s))
	if _, err := fmt.Sscanf(s, "%dx%d", &r.Width, &r.Height); err != nil {
		return Resolution{}, fmt.Errorf("unable to parse resolution %q: %w", s, err)
	}
	if r.Width == 0 || r.Height == 0 {
		return Resolution{}, fmt.Errorf("resolution %q has a zero dimension", s)
	}
	return r, nil
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(b []byte) error {
	v, err := ParseResolution(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
