package translate

import (
	"context"
	"fmt"
	"strings"
)

// FlavourStore is the persistence surface for user-defined flavours.
// The document store implements it; tests provide in-memory fakes.
type FlavourStore interface {
	// ListFlavours returns flavours visible to |owner|: global flavours
	// (owner "") plus flavours owned by |owner|.
	ListFlavours(ctx context.Context, owner string) ([]*Flavour, error)
	// PutFlavour inserts a flavour. ErrConflict when a flavour with the
	// same (name, owner) already exists.
	PutFlavour(ctx context.Context, f *Flavour) error
	// DeleteFlavour removes (name, owner). ErrNotFound when absent.
	DeleteFlavour(ctx context.Context, name, owner string) error
}

var (
	ErrConflict = fmt.Errorf("flavour already exists")
	ErrNotFound = fmt.Errorf("flavour not found")
	ErrBuiltin  = fmt.Errorf("built-in flavours cannot be modified")
)

// Resolver resolves flavour names against built-ins and the store.
type Resolver struct {
	store FlavourStore
}

func NewResolver(store FlavourStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps a requested flavour name to its translation table for
// the requesting |username| (empty for anonymous).
//
// A plain name resolves in order: built-in, then the requester's own
// flavour, then a global one. The qualified form `owner:name`
// addresses a specific owner's flavour. Unknown names yield
// ErrUnknownFlavour with suggestions.
func (r *Resolver) Resolve(ctx context.Context, name, username string) (*Flavour, error) {
	var wantOwner, qualified = "", false
	if owner, rest, ok := strings.Cut(name, ":"); ok {
		wantOwner, name, qualified = owner, rest, true
	}

	if !qualified {
		if f := Builtin(name); f != nil {
			return f, nil
		}
	}

	var stored []*Flavour
	var err error
	if r.store != nil {
		if stored, err = r.store.ListFlavours(ctx, username); err != nil {
			return nil, fmt.Errorf("failed to list flavours: %w", err)
		}
	}

	// Personal flavours shadow globals of the same name.
	var personal, global *Flavour
	for _, f := range stored {
		if f.Name != name {
			continue
		}
		if qualified && f.Owner != wantOwner {
			continue
		}
		if f.Owner == username && username != "" {
			personal = f
		} else if f.Owner == "" {
			global = f
		} else if qualified {
			personal = f
		}
	}

	var hit = personal
	if hit == nil {
		hit = global
	}
	if hit == nil {
		var known = r.knownNames(stored)
		return nil, &ErrUnknownFlavour{Name: name, Suggestions: Suggest(name, known)}
	}

	// Custom mappings overlay the identity base so that partial
	// override tables still translate every canonical facet.
	return NewFlavour(hit.Name, hit.Owner, hit.Forward), nil
}

// All returns every flavour visible to |username|. When a personal and
// a global flavour collide on a name, both are returned and the
// colliding names are namespaced as `owner:name` (globals keep the
// bare name).
func (r *Resolver) All(ctx context.Context, username string) ([]*Flavour, error) {
	var out []*Flavour
	for _, b := range BuiltinFlavours {
		out = append(out, Builtin(b))
	}
	if r.store == nil {
		return out, nil
	}
	stored, err := r.store.ListFlavours(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list flavours: %w", err)
	}

	var counts = map[string]int{}
	for _, b := range BuiltinFlavours {
		counts[b]++
	}
	for _, f := range stored {
		counts[f.Name]++
	}
	for _, f := range stored {
		var name = f.Name
		if counts[f.Name] > 1 && f.Owner != "" {
			name = f.Owner + ":" + f.Name
		}
		out = append(out, NewFlavour(name, f.Owner, f.Forward))
	}
	return out, nil
}

// Add stores a new custom flavour. Global flavours have owner "".
func (r *Resolver) Add(ctx context.Context, name, owner string, mapping map[string]string) error {
	if IsBuiltin(name) {
		return fmt.Errorf("%w: %s", ErrConflict, name)
	}
	return r.store.PutFlavour(ctx, NewFlavour(name, owner, mapping))
}

// Delete removes a custom flavour. Built-ins are rejected.
func (r *Resolver) Delete(ctx context.Context, name, owner string) error {
	if IsBuiltin(name) {
		return fmt.Errorf("%w: %s", ErrBuiltin, name)
	}
	return r.store.DeleteFlavour(ctx, name, owner)
}

func (r *Resolver) knownNames(stored []*Flavour) []string {
	var known = append([]string{}, BuiltinFlavours...)
	for _, f := range stored {
		known = append(known, f.Name)
	}
	return known
}
