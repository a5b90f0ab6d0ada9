package domain

// Member represents user's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User  *User
	Color string
	// Seat is the join index within the current room lifetime. It picks the
	// palette color and is never reused while the room is alive.
	Seat int
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, seat int) *Member {
	return &Member{User: user, Color: ColorFor(seat), Seat: seat}
}
