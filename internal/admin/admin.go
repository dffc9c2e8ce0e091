// Package admin implements the coordinator's administrative surface
// (spec section 4.8): user lifecycle, forced task resets, and page
// image replacement. It is a thin orchestration layer over Authority
// and Catalog — it owns no state of its own.
package admin

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/plomorg/plomd/internal/apierr"
	"github.com/plomorg/plomd/internal/authority"
	"github.com/plomorg/plomd/internal/catalog"
)

var log = logrus.WithField("component", "admin")

// Admin composes Authority and Catalog for the operations that need
// both: disabling a user must revoke its token and release its
// in-flight claims in the same administrative action (spec section
// 4.8's "disabling a user must also invalidate their token").
type Admin struct {
	auth *authority.Authority
	cat  *catalog.Catalog
}

// New returns an Admin over auth and cat.
func New(auth *authority.Authority, cat *catalog.Catalog) *Admin {
	return &Admin{auth: auth, cat: cat}
}

// IsAdmin reports whether username is a known, enabled manager account.
func (a *Admin) IsAdmin(username string) bool {
	u, ok := a.cat.User(username)
	return ok && u.Enabled && u.IsAdmin
}

// CreateOrUpdateUser installs or updates a user's password and role.
func (a *Admin) CreateOrUpdateUser(username, password string, isAdmin bool, bcryptCost int) error {
	if err := a.auth.SetPasswordHash(username, password, bcryptCost); err != nil {
		return err
	}
	return a.cat.UpsertUser(catalog.User{Username: username, Enabled: true, IsAdmin: isAdmin})
}

// EnableUser flips a user's enabled flag. Disabling a user revokes its
// active token and reverts every task it currently holds to Todo, so a
// disabled account cannot keep sitting on claimed work (spec section
// 4.8, invariant I1).
func (a *Admin) EnableUser(username string, enabled bool) error {
	u, ok := a.cat.User(username)
	if !ok {
		return apierr.New(apierr.NotFound, fmt.Sprintf("no such user %s", username))
	}
	u.Enabled = enabled
	if err := a.cat.UpsertUser(u); err != nil {
		return err
	}
	a.auth.SetEnabled(username, enabled)
	if !enabled {
		a.auth.Revoke(username)
		a.cat.ResetUserInFlight(username)
	}
	return nil
}

// userListEntry is the on-disk shape of one element of the JSON array in the user list file
// that fsnotify watches for reload_user_list (spec section 4.8).
type userListEntry struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash,omitempty"` // pbkdf2_sha256$... legacy form
	Password     string `json:"password,omitempty"`      // plaintext, hashed with bcrypt on load
	Enabled      bool   `json:"enabled"`
	IsAdmin      bool   `json:"is_admin"`
}

// ReloadUserList reads the JSON user list at path and reconciles it
// against the catalog and authority: new entries are created, existing
// ones updated, and entries no longer present are removed (after their
// in-flight tasks are released).
func (a *Admin) ReloadUserList(path string, bcryptCost int) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return apierr.Wrap(apierr.ServerError, "reading user list", err)
	}
	var entries []userListEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return apierr.Wrap(apierr.BadRequest, "parsing user list", err)
	}

	wanted := make(map[string]bool, len(entries))
	for _, e := range entries {
		wanted[e.Username] = true
		if e.PasswordHash != "" {
			a.auth.ImportLegacyPBKDF2Hash(e.Username, e.PasswordHash, e.Enabled)
		} else if e.Password != "" {
			if err := a.auth.SetPasswordHash(e.Username, e.Password, bcryptCost); err != nil {
				log.WithError(err).WithField("user", e.Username).Error("hashing password during reload")
				continue
			}
			a.auth.SetEnabled(e.Username, e.Enabled)
		}
		if err := a.cat.UpsertUser(catalog.User{Username: e.Username, Enabled: e.Enabled, IsAdmin: e.IsAdmin}); err != nil {
			log.WithError(err).WithField("user", e.Username).Error("upserting user during reload")
		}
	}

	for _, existing := range a.cat.Users() {
		if wanted[existing.Username] {
			continue
		}
		a.auth.Revoke(existing.Username)
		a.cat.ResetUserInFlight(existing.Username)
		a.auth.RemoveUser(existing.Username)
		if err := a.cat.RemoveUser(existing.Username); err != nil {
			log.WithError(err).WithField("user", existing.Username).Error("removing stale user during reload")
		}
	}

	log.WithField("count", len(entries)).Info("user list reloaded")
	return nil
}

// ReleaseUserClaims reverts every task username currently holds back to
// Todo, without touching their enabled flag or credential. Used on
// login (a new session supersedes the old one) and on clearing a stale
// token by password.
func (a *Admin) ReleaseUserClaims(username string) {
	a.cat.ResetUserInFlight(username)
}

// ResetTask forces a Done task back to Todo.
func (a *Admin) ResetTask(actor, code string) error {
	return a.cat.AdminResetTask(actor, code)
}

// ReplacePage re-ingests a page image under administrative authority.
func (a *Admin) ReplacePage(pi catalog.PageImage) error {
	return a.cat.AdminReplacePageImage(pi)
}
