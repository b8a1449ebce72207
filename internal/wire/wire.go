// Package wire defines the user-authentication messages exchanged after the
// transport layer has been established, along with the constants identifying
// services and authentication methods.
//
// Messages follow the SSH userauth framing: a one-byte message number
// followed by length-prefixed strings. Encoding and decoding is delegated to
// golang.org/x/crypto/ssh, which understands the sshtype struct tags below.
package wire

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"
)

// ServiceConnection is the only service a client may request authentication
// for. Any other value is a protocol violation, not a retryable failure.
const ServiceConnection = "ssh-connection"

// Userauth message numbers.
const (
	MsgUserauthRequest = 50
	MsgUserauthFailure = 51
	MsgUserauthSuccess = 52
	MsgUserauthBanner  = 53
)

// Method names as they appear on the wire.
const (
	MethodNamePublicKey = "publickey"
	MethodNamePassword  = "password"
	MethodNameNone      = "none"
)

// BannerLanguage is the language tag sent with every banner message.
const BannerLanguage = "en"

// UserauthRequest is an inbound SSH_MSG_USERAUTH_REQUEST. Payload holds the
// method-specific fields that follow the three common strings; they are
// consumed by whichever credential verifier handles the request.
type UserauthRequest struct {
	User    string `sshtype:"50"`
	Service string
	Method  string
	Payload []byte `ssh:"rest"`
}

// UserauthFailure is an outbound SSH_MSG_USERAUTH_FAILURE. Methods is the
// name-list of authentication methods that may continue.
type UserauthFailure struct {
	Methods        []string `sshtype:"51"`
	PartialSuccess bool
}

// UserauthBanner is an outbound SSH_MSG_USERAUTH_BANNER.
type UserauthBanner struct {
	Message  string `sshtype:"53"`
	Language string
}

// ParseRequest decodes a raw userauth request packet. The packet must start
// with the USERAUTH_REQUEST message number and carry three well-formed
// strings; anything else is an error the caller must treat as a protocol
// violation.
func ParseRequest(packet []byte) (*UserauthRequest, error) {
	var req UserauthRequest
	if err := ssh.Unmarshal(packet, &req); err != nil {
		return nil, fmt.Errorf("wire: malformed userauth request: %w", err)
	}
	return &req, nil
}

// ValidUsername reports whether a username decoded off the wire is usable.
// Usernames carrying embedded NUL bytes or invalid UTF-8 can corrupt
// downstream account lookups and log lines, so they are rejected outright.
func ValidUsername(name string) bool {
	if strings.ContainsRune(name, 0) {
		return false
	}
	return utf8.ValidString(name)
}

// MarshalFailure encodes a failure message for transmission.
func MarshalFailure(methods []string, partial bool) []byte {
	return ssh.Marshal(&UserauthFailure{Methods: methods, PartialSuccess: partial})
}

// MarshalSuccess encodes the (payload-free) success message.
func MarshalSuccess() []byte {
	return []byte{MsgUserauthSuccess}
}

// MarshalBanner encodes a banner message with the fixed language tag.
func MarshalBanner(text string) []byte {
	return ssh.Marshal(&UserauthBanner{Message: text, Language: BannerLanguage})
}
