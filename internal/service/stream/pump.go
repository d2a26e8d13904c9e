package stream

import (
	"context"
	"net/http"

	"brivet/internal/logger"
	"brivet/internal/service/camera"

	"github.com/hybridgroup/mjpeg"
)

// FrameSubscriber is the fan-out side of camera.Source.
type FrameSubscriber interface {
	Subscribe() (int, <-chan *camera.Frame)
	Unsubscribe(id int)
}

// Pump copies preview frames into the websocket hub and the MJPEG feed.
type Pump struct {
	src    FrameSubscriber
	hub    *Hub
	feed   *mjpeg.Stream
	logger *logger.Logger
}

func NewPump(src FrameSubscriber, hub *Hub, logger *logger.Logger) *Pump {
	return &Pump{
		src:    src,
		hub:    hub,
		feed:   mjpeg.NewStream(),
		logger: logger,
	}
}

// Feed serves the preview as multipart MJPEG.
func (p *Pump) Feed() http.Handler {
	return p.feed
}

// Run forwards frames until ctx is done or the source closes the channel.
func (p *Pump) Run(ctx context.Context) {
	id, frames := p.src.Subscribe()
	defer p.src.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				p.logger.Info("Preview source closed, stream pump exiting")
				return
			}
			p.hub.Broadcast(frame.Data)
			p.feed.UpdateJPEG(frame.Data)
		}
	}
}
