package domain

import (
	"crypto/rsa"
	"fmt"
	"strings"
)

// Identity is the federation identity of a Contact, as published by its
// home node.
type Identity struct {
	// Handle is the federation address in user@host form.
	Handle string

	// GUID is the opaque identifier assigned by the home node.
	GUID string

	// Server is the base URL of the home node, with a trailing slash.
	Server string

	PublicKey *rsa.PublicKey
}

// Contact is a person known to this node, local or remote.
type Contact struct {
	ID int64

	// UserID is set for contacts backed by a local account.
	UserID int64

	RealName string
	Bio      string

	// Avatar is the cached profile image, if any.
	Avatar *Part

	// Interests are tag names the contact advertises on their profile.
	Interests []string

	// Identity is required for any contact that takes part in federation.
	Identity *Identity
}

// IsLocal reports whether the contact is backed by a local account.
func (c *Contact) IsLocal() bool {
	return c.UserID != 0
}

// Handle returns the contact's federation handle, or an empty string for a
// contact without an identity.
func (c *Contact) Handle() string {
	if c == nil || c.Identity == nil {
		return ""
	}
	return c.Identity.Handle
}

// User is a local account.
type User struct {
	ID         int64
	GUID       string
	Contact    *Contact
	PrivateKey *rsa.PrivateKey
}

// ContactID returns the id of the user's own contact.
func (u *User) ContactID() int64 {
	if u == nil || u.Contact == nil {
		return 0
	}
	return u.Contact.ID
}

// SplitHandle breaks a user@host handle into its parts.
func SplitHandle(handle string) (user, host string, err error) {
	user, host, ok := strings.Cut(handle, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return "", "", fmt.Errorf("invalid handle %q: must be user@host", handle)
	}
	return user, host, nil
}
