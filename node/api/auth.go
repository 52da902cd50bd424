package api

import (
	"net/http"
	"sync"

	"gitlab.com/NebulousLabs/errors"

	"gitlab.com/fetchlabs/fetchd/modules"
)

// A userStore persists user rows; satisfied by the queue.
type userStore interface {
	Users() ([]modules.User, error)
	UpsertUser(u modules.User) (modules.User, error)
}

// UserStoreAuthenticator maps basic-auth usernames onto stored user rows,
// provisioning unknown names on first sight. The very first name the daemon
// ever sees becomes the administrator; later names become regular users. The
// shared API password is checked by middleware before this runs.
type UserStoreAuthenticator struct {
	users userStore
	mu    sync.Mutex
}

// NewUserStoreAuthenticator creates an authenticator over the user table.
func NewUserStoreAuthenticator(users userStore) *UserStoreAuthenticator {
	return &UserStoreAuthenticator{users: users}
}

// Authenticate resolves the identity behind req.
func (a *UserStoreAuthenticator) Authenticate(req *http.Request) (modules.User, error) {
	name, _, ok := req.BasicAuth()
	if !ok || name == "" {
		return modules.User{}, errors.New("request carries no username")
	}

	// Serialized so two concurrent first requests cannot both bootstrap an
	// administrator.
	a.mu.Lock()
	defer a.mu.Unlock()
	stored, err := a.users.Users()
	if err != nil {
		return modules.User{}, errors.AddContext(err, "unable to read user table")
	}
	for _, user := range stored {
		if user.Name == name {
			return user, nil
		}
	}
	role := modules.RoleUser
	if len(stored) == 0 {
		role = modules.RoleAdmin
	}
	user, err := a.users.UpsertUser(modules.User{Name: name, Role: role})
	if err != nil {
		return modules.User{}, errors.AddContext(err, "unable to provision user "+name)
	}
	return user, nil
}
