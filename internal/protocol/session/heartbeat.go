package session

import (
	"context"
	"time"

	"github.com/danmuck/framewire/internal/protocol"
	"github.com/danmuck/framewire/internal/protocol/frame"
)

// Heartbeat sends a CmdPing through send every interval until ctx is done or
// a send fails.
func Heartbeat(ctx context.Context, interval time.Duration, send func(frame.Frame) error) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := send(protocol.PingFrame(now)); err != nil {
				return err
			}
		}
	}
}
