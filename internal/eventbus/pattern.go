package eventbus

import (
	"strings"

	xerrors "AppRuntime/internal/errors"
)

const (
	wildcard  = "*"
	separator = "."
)

// matcher is a validated subscription pattern.
type matcher struct {
	exact  string
	prefix string
	all    bool
}

func compilePattern(pattern string) (matcher, error) {
	if pattern == wildcard {
		return matcher{all: true}, nil
	}
	segments, err := splitSegments(pattern, "pattern")
	if err != nil {
		return matcher{}, err
	}
	last := len(segments) - 1
	for i, seg := range segments {
		if !strings.Contains(seg, wildcard) {
			continue
		}
		if i != last || seg != wildcard {
			return matcher{}, invalidPattern(pattern, "wildcard is only allowed as the whole final segment")
		}
	}
	if segments[last] == wildcard {
		return matcher{prefix: strings.TrimSuffix(pattern, wildcard)}, nil
	}
	return matcher{exact: pattern}, nil
}

func (m matcher) match(topic string) bool {
	switch {
	case m.all:
		return true
	case m.prefix != "":
		return len(topic) > len(m.prefix) && strings.HasPrefix(topic, m.prefix)
	default:
		return topic == m.exact
	}
}

// ValidateTopic checks a concrete topic name.
func ValidateTopic(topic string) error {
	segments, err := splitSegments(topic, "topic")
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if strings.Contains(seg, wildcard) {
			return invalidPattern(topic, "topics cannot contain wildcards")
		}
	}
	return nil
}

func splitSegments(value, kind string) ([]string, error) {
	if strings.TrimSpace(value) == "" {
		return nil, invalidPattern(value, kind+" cannot be empty")
	}
	segments := strings.Split(value, separator)
	for _, seg := range segments {
		if seg == "" {
			return nil, invalidPattern(value, kind+" contains an empty segment")
		}
		if strings.ContainsAny(seg, " \t\r\n") {
			return nil, invalidPattern(value, kind+" contains whitespace")
		}
	}
	return segments, nil
}

func invalidPattern(value, reason string) error {
	return xerrors.New(xerrors.CodeInvalidPattern, reason, xerrors.WithMetadata("pattern", value))
}
