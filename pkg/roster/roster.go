// Package roster holds the fixed, ordered set of demo identities known to
// the proxy: human users and AI agents (bots).
package roster

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind discriminates the two user variants.
type Kind string

// User kinds.
const (
	KindHuman Kind = "human"
	KindAgent Kind = "agent"
)

// ErrInvalid is returned when a roster fails validation.
var ErrInvalid = errors.New("invalid roster")

// User is a roster entry. Kind selects which fields are meaningful:
// humans carry Email, agents carry Provider and Model.
type User struct {
	Kind      Kind   `yaml:"kind"`
	Name      string `yaml:"name"`
	Username  string `yaml:"username"`
	Email     string `yaml:"email,omitempty"`
	Provider  string `yaml:"provider,omitempty"`
	Model     string `yaml:"model,omitempty"`
	AvatarURL string `yaml:"avatar_url,omitempty"`
}

// IsAgent reports whether u is a bot identity.
func (u User) IsAgent() bool {
	return u.Kind == KindAgent
}

// Human returns a human roster entry.
func Human(name, username, email, avatarURL string) User {
	return User{
		Kind:      KindHuman,
		Name:      name,
		Username:  username,
		Email:     email,
		AvatarURL: avatarURL,
	}
}

// Agent returns a bot roster entry.
func Agent(name, username, provider, model, avatarURL string) User {
	return User{
		Kind:      KindAgent,
		Name:      name,
		Username:  username,
		Provider:  provider,
		Model:     model,
		AvatarURL: avatarURL,
	}
}

// Roster is an immutable ordered list of users. It is safe for
// concurrent use.
type Roster struct {
	users []User
	index map[string]int
}

// New validates users and builds a roster preserving their order.
func New(users ...User) (*Roster, error) {
	r := &Roster{
		users: make([]User, 0, len(users)),
		index: make(map[string]int, len(users)),
	}

	for i, u := range users {
		if err := validateUser(u); err != nil {
			return nil, fmt.Errorf("%w: user %d: %w", ErrInvalid, i, err)
		}

		key := strings.ToLower(u.Username)
		if _, exists := r.index[key]; exists {
			return nil, fmt.Errorf(
				"%w: duplicate username %q", ErrInvalid, u.Username,
			)
		}

		r.index[key] = len(r.users)
		r.users = append(r.users, u)
	}

	if len(r.Humans()) == 0 {
		return nil, fmt.Errorf("%w: at least one human user is required", ErrInvalid)
	}

	return r, nil
}

func validateUser(u User) error {
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}

	if strings.ContainsAny(u.Username, "/?#") {
		return fmt.Errorf("username %q contains reserved characters", u.Username)
	}

	switch u.Kind {
	case KindHuman:
		return nil
	case KindAgent:
		if u.Provider == "" || u.Model == "" {
			return fmt.Errorf("agent %q requires provider and model", u.Username)
		}

		return nil
	default:
		return fmt.Errorf("user %q has unknown kind %q", u.Username, u.Kind)
	}
}

// List returns a copy of every user in roster order.
func (r *Roster) List() []User {
	out := make([]User, len(r.users))
	copy(out, r.users)

	return out
}

// Humans returns the human users in roster order.
func (r *Roster) Humans() []User {
	return r.filter(KindHuman)
}

// Agents returns the bots in roster order.
func (r *Roster) Agents() []User {
	return r.filter(KindAgent)
}

func (r *Roster) filter(kind Kind) []User {
	out := make([]User, 0, len(r.users))

	for _, u := range r.users {
		if u.Kind == kind {
			out = append(out, u)
		}
	}

	return out
}

// Lookup finds a user by username, ignoring case.
func (r *Roster) Lookup(username string) (User, bool) {
	i, ok := r.index[strings.ToLower(username)]
	if !ok {
		return User{}, false
	}

	return r.users[i], true
}

// DefaultHuman returns the first human in roster order. New guarantees
// one exists.
func (r *Roster) DefaultHuman() User {
	for _, u := range r.users {
		if u.Kind == KindHuman {
			return u
		}
	}

	return User{}
}

// ResolveHuman maps a requested username to a human identity. Unknown
// names, empty names and bots all fall back to DefaultHuman.
func (r *Roster) ResolveHuman(username string) User {
	if username != "" {
		if u, ok := r.Lookup(username); ok && u.Kind == KindHuman {
			return u
		}
	}

	return r.DefaultHuman()
}

type rosterFile struct {
	Users []User `yaml:"users"`
}

// LoadFile reads a YAML roster of the form:
//
//	users:
//	  - kind: human
//	    name: Marvin
//	    username: marvin
//	    email: marvin@acme.corp
func LoadFile(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster file: %w", err)
	}

	var f rosterFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing roster file: %w", err)
	}

	return New(f.Users...)
}
