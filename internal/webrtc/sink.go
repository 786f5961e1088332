package webrtc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// SinkOpener opens the destination for one camera's remote video.
type SinkOpener interface {
	OpenSink(cameraID string) (io.WriteCloser, error)
}

// FileSinks writes each camera's video as an Annex-B H264 file in Dir.
// Later sessions for the same camera append to the file.
type FileSinks struct {
	Dir string
}

func (s FileSinks) OpenSink(cameraID string) (io.WriteCloser, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(s.Dir, filepath.Base(cameraID)+".h264")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	return f, nil
}

// writeVideoTrack depacketizes the track into w until the track ends.
func writeVideoTrack(track *pion.TrackRemote, w io.Writer, log logging.LeveledLogger) {
	depack := NewH264Depacketizer()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debugf("video track %s ended: %v", track.ID(), err)
			return
		}

		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			if _, err := w.Write(annexBStartCode); err != nil {
				log.Warnf("sink write: %v", err)
				return
			}
			if _, err := w.Write(nalu); err != nil {
				log.Warnf("sink write: %v", err)
				return
			}
		}
	}
}

func drainTrack(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
