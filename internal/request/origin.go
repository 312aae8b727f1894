package request

import (
	"context"

	"github.com/3liz/qgswps/internal/model"
)

// Access decides whether a process may be seen and executed.
type Access interface {
	Allow(identifier string) bool
}

// Origin is what the HTTP layer resolved about the incoming request.
type Origin struct {
	// PublicURL is the proxy corrected base url, it ends with '/'.
	PublicURL string
	// Realms gates job access by Realm when set.
	Realms bool
	Realm  string
	// Admin requests bypass realm checks.
	Admin  bool
	Access Access
}

type originKey struct{}

func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the origin stored in ctx. Without one the public url
// is "/" and everything is allowed.
func OriginFrom(ctx context.Context) Origin {
	o, ok := ctx.Value(originKey{}).(Origin)
	if !ok || o.PublicURL == "" {
		o.PublicURL = "/"
	}
	return o
}

// Allow checks identifier against the access policy.
func (o Origin) Allow(identifier string) bool {
	return o.Access == nil || o.Access.Allow(identifier)
}

// Filter keeps the processes the access policy allows.
func (o Origin) Filter(procs []model.Process) []model.Process {
	out := make([]model.Process, 0, len(procs))
	for _, p := range procs {
		if o.Allow(p.Identifier) {
			out = append(out, p)
		}
	}
	return out
}

// CanSee reports whether a job of realm is visible from this origin.
func (o Origin) CanSee(realm string) bool {
	return !o.Realms || o.Admin || o.Realm == realm
}
