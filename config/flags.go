package config

import (
	"flag"
	"fmt"
	"net/url"
	"strings"
)

// InvertedBoolFlag registers a "-no-<name>" flag whose parsed value is the
// logical negation of *p. Several of this worker's switches default to on
// (pinning fallback, direct API) and read more naturally as an opt-out on
// the command line than as a "-name=false" double negative.
//
// defaultValue is the value *p holds when "-no-<name>" is never passed; the
// flag itself is registered with the opposite default so that an explicit
// bare "-no-<name>" (equivalent to "-no-<name>=true") flips *p to false.
func InvertedBoolFlag(fs *flag.FlagSet, p *bool, name string, defaultValue bool, usage string) {
	*p = defaultValue
	fs.Var(&invertedBoolValue{p: p}, "no-"+name, usage)
}

func parseBoolLike(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "", "1", "t", "true", "y", "yes":
		return true, nil
	case "0", "f", "false", "n", "no":
		return false, nil
	default:
		return false, fmt.Errorf("not a bool")
	}
}

// invertedBoolValue implements flag.Value and the unexported boolFlag
// interface the standard flag package checks for, so "-no-x" (with no "="
// and no following argument) is accepted the same way "-x" is for a plain
// bool flag.
type invertedBoolValue struct {
	p *bool
}

func (v *invertedBoolValue) String() string {
	if v == nil || v.p == nil {
		return "false"
	}
	return fmt.Sprintf("%v", !*v.p)
}

func (v *invertedBoolValue) Set(s string) error {
	negated, err := parseBoolLike(s)
	if err != nil {
		return err
	}
	*v.p = !negated
	return nil
}

func (v *invertedBoolValue) IsBoolFlag() bool { return true }

// URLSliceVarFlag registers a comma-separated list of URLs, parsed into
// *p on Set. Used for ContentStoreGateways, where operators hand this
// worker a fallback chain of content-store gateway URLs as one flag.
func URLSliceVarFlag(fs *flag.FlagSet, p *[]*url.URL, name string, defaultValue []*url.URL, usage string) {
	*p = defaultValue
	fs.Var(&urlSliceValue{p: p}, name, usage)
}

type urlSliceValue struct {
	p *[]*url.URL
}

func (v *urlSliceValue) String() string {
	if v == nil || v.p == nil || *v.p == nil {
		return ""
	}
	parts := make([]string, 0, len(*v.p))
	for _, u := range *v.p {
		parts = append(parts, u.String())
	}
	return strings.Join(parts, ",")
}

func (v *urlSliceValue) Set(s string) error {
	if s == "" {
		*v.p = nil
		return nil
	}
	var parsed []*url.URL
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid URL %q: %w", raw, err)
		}
		parsed = append(parsed, u)
	}
	*v.p = parsed
	return nil
}
