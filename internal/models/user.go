package models

// User is a marketplace participant known to the development backend. On the
// tailnet the fields come from the caller's Tailscale profile.
type User struct {
	ID          string `json:"id"`
	LoginName   string `json:"loginName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	ProfilePic  string `json:"profilePic,omitempty"`
}

// Name is the label shown to the other side of a conversation.
func (u User) Name() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.LoginName != "":
		return u.LoginName
	}
	return u.ID
}
