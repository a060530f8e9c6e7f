package kpi

// Profile is the user object returned by the login endpoint.
// Display data only; numeric fields may be null upstream, which decodes
// into zero values.
type Profile struct {
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	Phone       string  `json:"phone"`
	Position    string  `json:"position"`
	Department  int     `json:"department"`
	Rating      float64 `json:"rating"`
	RatingExtra float64 `json:"rating_extra"`
	MaxBall     float64 `json:"max_ball"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries the token pair and profile from a successful login.
type LoginResult struct {
	Access  string  `json:"access"`
	Refresh string  `json:"refresh"`
	User    Profile `json:"user"`
}

// Peer is the remote correspondent of one chat-list entry.
// Department is free text here (not an id) and may be empty/null.
type Peer struct {
	ID         int64  `json:"id"`
	FirstName  string `json:"firstname"`
	LastName   string `json:"lastname"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// Chat is one entry of the chat-list response.
type Chat struct {
	User        Peer   `json:"user"`
	UnreadCount int    `json:"unread_count"`
	LastTime    string `json:"last_time"`
}
