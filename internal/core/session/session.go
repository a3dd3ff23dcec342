package session

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Session is the server-side state of one connection.
type Session struct {
	Peer Peer

	mu       sync.Mutex
	userID   string
	docs     mapset.Set[string]
	versions map[string]int
}

func New(peer Peer, userID string) *Session {
	return &Session{
		Peer:     peer,
		userID:   userID,
		docs:     mapset.NewThreadUnsafeSet[string](),
		versions: make(map[string]int),
	}
}

func (s *Session) ID() string {
	return s.Peer.ID()
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetUserID replaces the user id; an empty id is ignored.
func (s *Session) SetUserID(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// Join marks docID as joined and reports whether it was newly joined.
func (s *Session) Join(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs.Add(docID)
}

// Leave forgets docID and its version. It reports whether it was joined.
func (s *Session) Leave(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.docs.Contains(docID) {
		return false
	}
	s.docs.Remove(docID)
	delete(s.versions, docID)
	return true
}

func (s *Session) Joined(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs.Contains(docID)
}

// Docs returns the joined documents in sorted order.
func (s *Session) Docs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.docs.ToSlice()
	sort.Strings(docs)
	return docs
}

// SetVersion records the last version this connection is known to hold.
func (s *Session) SetVersion(docID string, version int) {
	s.mu.Lock()
	s.versions[docID] = version
	s.mu.Unlock()
}

func (s *Session) Version(docID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[docID]
	return v, ok
}
