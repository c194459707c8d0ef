// Package feed keeps a live two-party view over the global message feed and
// appends outgoing messages to it.
package feed

import (
	"strings"
	"time"
)

// Message is a normalized feed record.
type Message struct {
	Id        string
	CreatedAt time.Time
	Text      string
	Sender    string
	Receiver  string
}

// Session is the conversation being viewed: the signed in principal and the
// counterpart. Me == Peer is self-chat (notes).
type Session struct {
	Me   string
	Peer string
}

// NewSession normalizes both principals the way the server stores them:
// trimmed and lowercased.
func NewSession(me, peer string) *Session {
	return &Session{Me: NormalizePrincipal(me), Peer: NormalizePrincipal(peer)}
}

func NormalizePrincipal(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Notes returns the self-chat session of me.
func Notes(me string) *Session {
	return NewSession(me, me)
}

// Valid reports whether both identities are known.
func (s *Session) Valid() bool {
	return s != nil && s.Me != "" && s.Peer != ""
}

func (s *Session) IsSelf() bool {
	return s.Valid() && s.Me == s.Peer
}

// Includes reports whether the unordered pair {sender, receiver} is the
// session's pair.
func (s *Session) Includes(sender, receiver string) bool {
	return (sender == s.Me && receiver == s.Peer) || (sender == s.Peer && receiver == s.Me)
}

func (s *Session) String() string {
	if s == nil {
		return "<none>"
	}
	return s.Me + "|" + s.Peer
}
