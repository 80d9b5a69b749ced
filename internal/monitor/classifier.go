package monitor

import (
	"regexp"
	"strings"
)

// Classifier decides whether an output line is noise. A line matching any
// classifier is ignored; a line matching none counts as real activity and
// resets the idle timer. Order matters only for logging: the first match wins.
type Classifier struct {
	Name  string
	Match func(line string) bool
}

var (
	// Lines consisting only of CSI control sequences (cursor movement,
	// color resets and the like echoed by the multiplexer).
	controlSequenceRe = regexp.MustCompile(`^(?:\x1b\[[0-9;?]*[ -/]*[@-~])+$`)

	// OSC terminal-title updates, with either BEL or ST terminator.
	titleUpdateRe = regexp.MustCompile(`^\x1b\][0-2];[^\x07\x1b]*(?:\x07|\x1b\\)$`)
)

// DefaultClassifiers returns the built-in ignore predicates.
func DefaultClassifiers() []Classifier {
	return []Classifier{
		{Name: "blank", Match: func(line string) bool {
			return strings.TrimSpace(line) == ""
		}},
		{Name: "control_sequence", Match: func(line string) bool {
			return controlSequenceRe.MatchString(line)
		}},
		{Name: "title_update", Match: func(line string) bool {
			return titleUpdateRe.MatchString(line)
		}},
	}
}

// CompilePatterns turns user-supplied regexes into classifiers. Invalid
// patterns are reported rather than skipped: a silently dropped pattern would
// turn noise into false activity.
func CompilePatterns(patterns []string) ([]Classifier, error) {
	classifiers := make([]Classifier, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		classifiers = append(classifiers, Classifier{
			Name:  p,
			Match: re.MatchString,
		})
	}
	return classifiers, nil
}

// isNoise reports whether the line matches any classifier.
func isNoise(line string, classifiers []Classifier) bool {
	for _, c := range classifiers {
		if c.Match(line) {
			return true
		}
	}
	return false
}
