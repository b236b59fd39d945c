package protocol

// Session is the per-connection state a client accumulates across commands:
// which dbname it authenticated into, and whether the single most recent
// command was a literal ASKING (which only bends redirect rules for the
// command immediately following it).
type Session struct {
	Dbname  string
	askNext bool
}

// TakeAsking reports whether the command about to run is immediately
// preceded by ASKING, and clears the flag. ASKING is strictly single-use:
// whatever this command turns out to be, the next one starts fresh.
func (s *Session) TakeAsking() bool {
	v := s.askNext
	s.askNext = false
	return v
}

// SetAsking arms the single-use ASKING flag for the next command.
func (s *Session) SetAsking() {
	s.askNext = true
}
