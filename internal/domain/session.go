package domain

// Session is one conversation owned by at most one user. OwnerUserID is
// empty for sessions created without authentication; such sessions are
// never considered owned by anyone. CreatedAt/UpdatedAt are epoch
// milliseconds; UpdatedAt tracks the timestamp of the most recently
// saved message.
type Session struct {
	ID          string `json:"id"`
	OwnerUserID string `json:"userId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Owned reports whether the session has a recorded owner.
func (s *Session) Owned() bool {
	return s.OwnerUserID != ""
}
