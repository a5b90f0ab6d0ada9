package domain

import "errors"

const (
	MaxProjectIDLen = 64
	MaxFileIDLen    = 64
)

var (
	ErrKeyEmpty   = errors.New("room key fields empty")
	ErrKeyTooLong = errors.New("room key fields too long")
)

type (
	ProjectID string
	FileID    string
)

// RoomKey identifies one shared document: a file inside a project. Rooms,
// persistence records and wire frames are all addressed by this pair.
type RoomKey struct {
	ProjectID ProjectID `json:"project_id"`
	FileID    FileID    `json:"file_id"`
}

func NewRoomKey(project, file string) (RoomKey, error) {
	if project == "" || file == "" {
		return RoomKey{}, ErrKeyEmpty
	}
	if len(project) > MaxProjectIDLen || len(file) > MaxFileIDLen {
		return RoomKey{}, ErrKeyTooLong
	}
	return RoomKey{ProjectID: ProjectID(project), FileID: FileID(file)}, nil
}

func (k RoomKey) String() string {
	return string(k.ProjectID) + "/" + string(k.FileID)
}
