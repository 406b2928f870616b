package session

import (
	"sort"

	"github.com/maxpert/txsandbox/db"
	"github.com/maxpert/txsandbox/id"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Registry tracks open sessions. It satisfies telemetry.SessionCounter.
type Registry struct {
	engine   *db.Engine
	ids      *id.Sequence
	sessions *xsync.MapOf[uint64, *Session]
}

// NewRegistry creates an empty registry over engine
func NewRegistry(engine *db.Engine) *Registry {
	return &Registry{
		engine:   engine,
		ids:      id.NewSequence(50), // user sessions start above the system range, as in SQL Server
		sessions: xsync.NewMapOf[uint64, *Session](),
	}
}

// Open creates and registers a session
func (r *Registry) Open(name string) *Session {
	s := newSession(r.ids.NextID(), name, r.engine, r)
	r.sessions.Store(s.ID, s)
	log.Debug().Uint64("session_id", s.ID).Str("name", name).Msg("Session opened")
	return s
}

// Get returns a session by id
func (r *Registry) Get(sessionID uint64) (*Session, bool) {
	return r.sessions.Load(sessionID)
}

// Count returns the number of open sessions
func (r *Registry) Count() int {
	return r.sessions.Size()
}

// List describes every open session ordered by id
func (r *Registry) List() []Info {
	infos := make([]Info, 0, r.sessions.Size())
	r.sessions.Range(func(_ uint64, s *Session) bool {
		infos = append(infos, s.Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// CloseAll closes every session, rolling back open transactions
func (r *Registry) CloseAll() {
	r.sessions.Range(func(_ uint64, s *Session) bool {
		s.Close()
		return true
	})
}

func (r *Registry) remove(sessionID uint64) {
	if _, ok := r.sessions.LoadAndDelete(sessionID); ok {
		log.Debug().Uint64("session_id", sessionID).Msg("Session closed")
	}
}
