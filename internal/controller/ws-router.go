package controller

import (
	"github.com/watchtogether/server/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New(c.logger)

	// playback
	mux.Handle("play", c.handlePlay)
	mux.Handle("pause", c.handlePause)
	mux.Handle("seek", c.handleSeek)
	mux.Handle("set_video", c.handleSetVideo)
	mux.Handle("video_ended", c.handleVideoEnded)

	// queue
	mux.Handle("queue_add", c.handleQueueAdd)
	mux.Handle("queue_remove", c.handleQueueRemove)
	mux.Handle("queue_reorder", c.handleQueueReorder)
	mux.Handle("queue_pin", c.handleQueuePin)
	mux.Handle("queue_play", c.handleQueuePlay)

	// room administration
	mux.Handle("promote", c.handlePromote)
	mux.Handle("toggle_permanent", c.handleTogglePermanent)

	mux.Handle("ping", c.handlePing)

	return mux
}
