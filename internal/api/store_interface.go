package api

import "github.com/lobby-research/lobby/internal/services"

// Store is everything the HTTP layer needs from persistence. memoryStore
// and db.SQLiteStore both satisfy it.
type Store interface {
	services.WaitroomStore
	services.LinkStore
}

var _ Store = (*memoryStore)(nil)
