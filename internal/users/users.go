// Package users provides the user/group database collaborator: resolving
// application identities and creating supplementary groups.
package users

import (
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
)

// MaxNameLen bounds user and group names, matching common libc limits.
const MaxNameLen = 32

// appUserPrefix namespaces application users in the system database.
const appUserPrefix = "app"

// AppUserName derives the system user name for an application. Fails if
// the result would exceed the name bound.
func AppUserName(appName string) (string, error) {
	name := appUserPrefix + appName
	if len(name) > MaxNameLen {
		return "", fmt.Errorf("user name for app %s is too long", appName)
	}
	return name, nil
}

// DB resolves and creates identities.
type DB interface {
	// IDs returns the uid and primary gid of a user.
	IDs(username string) (uid, gid uint32, err error)
	// CreateGroup resolves a group, creating it if absent, and returns
	// its gid.
	CreateGroup(name string) (uint32, error)
}

// SystemDB resolves against the system passwd/group databases, shelling
// out to groupadd for creation.
type SystemDB struct{}

func (SystemDB) IDs(username string) (uint32, uint32, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("cannot resolve user %s: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid for %s: %w", username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid for %s: %w", username, err)
	}
	return uint32(uid), uint32(gid), nil
}

func (SystemDB) CreateGroup(name string) (uint32, error) {
	if len(name) > MaxNameLen {
		return 0, fmt.Errorf("group name %s is too long", name)
	}

	g, err := user.LookupGroup(name)
	if err != nil {
		if _, isUnknown := err.(user.UnknownGroupError); !isUnknown {
			return 0, fmt.Errorf("cannot resolve group %s: %w", name, err)
		}
		if out, err := exec.Command("groupadd", name).CombinedOutput(); err != nil {
			return 0, fmt.Errorf("cannot create group %s: %s: %w", name, out, err)
		}
		if g, err = user.LookupGroup(name); err != nil {
			return 0, fmt.Errorf("cannot resolve created group %s: %w", name, err)
		}
	}

	gid, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid gid for group %s: %w", name, err)
	}
	return uint32(gid), nil
}

// FakeDB is a test double with fixed identities.
type FakeDB struct {
	// Users maps username to {uid, gid}.
	Users map[string][2]uint32
	// Groups maps group name to gid; CreateGroup allocates the next gid
	// for unknown names.
	Groups  map[string]uint32
	nextGid uint32
	// FailGroup forces CreateGroup to fail.
	FailGroup bool
}

// NewFakeDB creates a fake database with no entries.
func NewFakeDB() *FakeDB {
	return &FakeDB{
		Users:   make(map[string][2]uint32),
		Groups:  make(map[string]uint32),
		nextGid: 5000,
	}
}

func (db *FakeDB) IDs(username string) (uint32, uint32, error) {
	ids, ok := db.Users[username]
	if !ok {
		return 0, 0, fmt.Errorf("cannot resolve user %s", username)
	}
	return ids[0], ids[1], nil
}

func (db *FakeDB) CreateGroup(name string) (uint32, error) {
	if db.FailGroup {
		return 0, fmt.Errorf("cannot create group %s", name)
	}
	if gid, ok := db.Groups[name]; ok {
		return gid, nil
	}
	db.nextGid++
	db.Groups[name] = db.nextGid
	return db.nextGid, nil
}
