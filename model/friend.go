package model

import "time"

const (
	FriendshipStatusPending  = "pending"
	FriendshipStatusAccepted = "accepted"
	FriendshipStatusRejected = "rejected"
	FriendshipStatusBlocked  = "blocked"
)

// Friendship is external read-only data for the core; only accepted
// rows feed the presence peer set.
type Friendship struct {
	UserID    string    `bson:"user_id" json:"user_id"`
	FriendID  string    `bson:"friend_id" json:"friend_id"`
	Status    string    `bson:"status" json:"status"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
