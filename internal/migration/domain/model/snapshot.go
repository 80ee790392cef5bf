package model

import "time"

// BackupSnapshot references a point-in-time export taken by an external
// backup facility immediately before migration begins. This subsystem only
// records and reads the reference; it never manages the snapshot itself.
type BackupSnapshot struct {
	ID        string    `bson:"_id" json:"id"`
	Location  string    `bson:"location" json:"location"`
	TakenAt   time.Time `bson:"taken_at" json:"takenAt"`
	TakenBy   string    `bson:"taken_by,omitempty" json:"takenBy,omitempty"`
	Note      string    `bson:"note,omitempty" json:"note,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}
