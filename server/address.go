/******************************************************************************
 *
 *  Description :
 *
 *  Parsing of overlay addresses: "role@project@owner #app". The app tag
 *  defaults to "netsblox"; multiple tags address multiple app families.
 *
 *****************************************************************************/

package main

import (
	"strings"
	"unicode"
)

// defaultAppId is the app family of browser clients.
const defaultAppId = "netsblox"

// Reserved role tags.
const (
	roleEveryone = "everyone in room"
	roleOthers   = "others in room"
	roleWildcard = "*"
)

// clientAddress is a parsed overlay address. Address is the part routed
// within an app ("role@project" or "project"); Owner is the final segment.
type clientAddress struct {
	Address string
	Owner   string
	AppIds  []string
}

// appString returns the address for routing within an app, excluding the
// app tags.
func (a *clientAddress) appString() string {
	return a.Address + "@" + a.Owner
}

// roleAndProject splits Address into its role tag (may be empty when the
// address names a whole project) and project tag.
func (a *clientAddress) roleAndProject() (string, string) {
	if i := strings.LastIndex(a.Address, "@"); i >= 0 {
		return a.Address[:i], a.Address[i+1:]
	}
	return "", a.Address
}

// parseAddress parses "role@project@owner #app1 #app2". The owner segment
// runs from the last '@' to the first whitespace or '#'; anything after is
// lowercased app tags.
func parseAddress(addr string) (*clientAddress, error) {
	index := strings.LastIndex(addr, "@")
	if index < 0 {
		return nil, errBadRequest("invalid address: " + addr)
	}

	address := addr[:index]
	rest := addr[index+1:]

	ownerEnd := len(rest)
	for i, c := range rest {
		if unicode.IsSpace(c) || c == '#' {
			ownerEnd = i
			break
		}
	}
	owner := rest[:ownerEnd]

	var appIds []string
	for _, chunk := range strings.FieldsFunc(rest[ownerEnd:], func(c rune) bool {
		return unicode.IsSpace(c) || c == '#'
	}) {
		appIds = append(appIds, strings.ToLower(chunk))
	}
	if len(appIds) == 0 {
		appIds = []string{defaultAppId}
	}

	if address == "" || owner == "" {
		return nil, errBadRequest("invalid address: " + addr)
	}

	return &clientAddress{
		Address: address,
		Owner:   owner,
		AppIds:  appIds,
	}, nil
}
