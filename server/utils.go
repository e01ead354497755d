/******************************************************************************
 *
 *  Description :
 *
 *  Assorted helpers: name folding and validation, collision-free naming,
 *  password hashing, app-id normalization.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var caseFolder = cases.Fold()

// foldName case-folds a username for storage and lookup.
func foldName(name string) string {
	return caseFolder.String(strings.TrimSpace(name))
}

var lowerCaser = cases.Lower(language.Und)

// normalizeAppId lowercases an app family tag.
func normalizeAppId(appId string) string {
	return lowerCaser.String(appId)
}

// equalFold compares strings case-insensitively.
func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}

// splitAppString splits "role@project@owner" into its address and owner.
func splitAppString(s string) (string, string) {
	if i := strings.LastIndex(s, "@"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// looksLikeId reports whether a project tag is an opaque project ID rather
// than a name.
func looksLikeId(tag string) bool {
	_, err := uuid.Parse(tag)
	return err == nil
}

var nameRegex = regexp.MustCompile(`^[\w][\w _().,-]*$`)

const maxNameLen = 50

// validName enforces project and role naming rules.
func validName(name string) bool {
	n := len([]rune(name))
	return n >= 1 && n <= maxNameLen && nameRegex.MatchString(name) && !globals.profanity(name)
}

// uniqueName returns name, or "name (k)" for the smallest k >= 2 making it
// collision-free against existing.
func uniqueName(existing []string, name string) string {
	taken := make(map[string]bool, len(existing))
	for _, n := range existing {
		taken[n] = true
	}
	candidate := name
	for number := 2; taken[candidate]; number++ {
		candidate = name + " (" + strconv.Itoa(number) + ")"
	}
	return candidate
}

// hashPassword computes the stored digest from the salt and the
// client-submitted hash.
func hashPassword(salt, submitted string) string {
	sum := sha512.Sum512([]byte(salt + submitted))
	return hex.EncodeToString(sum[:])
}

// newSalt mints a random password salt.
func newSalt() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// newToken mints an unguessable secret for reset tokens and host secrets.
func newToken() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

// workerContext returns a bounded context for store work triggered outside a
// request handler.
func workerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
