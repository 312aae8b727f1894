// Package policy filters processes by identifier with allow and deny glob
// rules.
//
// The rules come from a YAML file: default rules at the top level, plus
// rules for users and groups. The upstream proxy names the user and its
// groups in the X-Lizmap-User and X-Lizmap-User-Groups headers, their rules
// are added to the default ones for the request.
//
//	allow: ["greeter"]
//	deny: ["*"]
//	users:
//	  alice:
//	    allow: ["sleep", "buffer_*"]
//	groups:
//	  admins:
//	    allow: ["**"]
//
// An identifier matching an allow glob is allowed, otherwise it is denied
// when it matches a deny glob, and allowed when it matches nothing.
package policy

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

const (
	HeaderUser   = "X-Lizmap-User"
	HeaderGroups = "X-Lizmap-User-Groups"
)

var ErrBadPattern = errors.New("bad pattern")

type Rules struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

func (r Rules) merge(o Rules) Rules {
	return Rules{
		Allow: append(append([]string(nil), r.Allow...), o.Allow...),
		Deny:  append(append([]string(nil), r.Deny...), o.Deny...),
	}
}

func (r Rules) validate(where string) error {
	for _, p := range append(append([]string(nil), r.Allow...), r.Deny...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%s: %w: %q", where, ErrBadPattern, p)
		}
	}
	return nil
}

// File is the policy file layout.
type File struct {
	Rules  `yaml:",inline"`
	Users  map[string]Rules `yaml:"users"`
	Groups map[string]Rules `yaml:"groups"`
}

// Policy holds the default rules and the per user and group additions.
type Policy struct {
	def    Rules
	users  map[string]Rules
	groups map[string]Rules
}

// New validates the patterns of f.
func New(f File) (*Policy, error) {
	errs := []error{f.Rules.validate("default")}
	for name, r := range f.Users {
		errs = append(errs, r.validate("user "+name))
	}
	for name, r := range f.Groups {
		errs = append(errs, r.validate("group "+name))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Policy{def: f.Rules, users: f.Users, groups: f.Groups}, nil
}

// Load reads a policy file, an empty path allows everything.
func Load(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading access policy: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decoding access policy %s: %w", path, err)
	}
	p, err := New(f)
	if err != nil {
		return nil, fmt.Errorf("access policy %s: %w", path, err)
	}
	return p, nil
}

// Child returns the rules added for user and groups.
func (p *Policy) Child(user string, groups []string) Rules {
	var r Rules
	if user != "" {
		r = r.merge(p.users[user])
	}
	for _, g := range groups {
		r = r.merge(p.groups[g])
	}
	return r
}

// Allow checks identifier against the default rules and child.
func (p *Policy) Allow(identifier string, child Rules) bool {
	rules := p.def.merge(child)
	if match(rules.Allow, identifier) {
		return true
	}
	return !match(rules.Deny, identifier)
}

func match(patterns []string, identifier string) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, identifier); ok {
			return true
		}
	}
	return false
}

// Access is the policy bound to the rules of one request.
type Access struct {
	policy *Policy
	child  Rules
}

// For binds the rules of the user and groups named in the headers of r.
func (p *Policy) For(r *http.Request) Access {
	var groups []string
	for g := range strings.SplitSeq(r.Header.Get(HeaderGroups), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	user := strings.TrimSpace(r.Header.Get(HeaderUser))
	return Access{policy: p, child: p.Child(user, groups)}
}

func (a Access) Allow(identifier string) bool {
	return a.policy.Allow(identifier, a.child)
}
