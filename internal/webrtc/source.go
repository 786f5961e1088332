package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"secops_dashboard/camstream/internal/domain"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
)

// DefaultFrameRate is used when FileDevice.FrameRate is zero.
const DefaultFrameRate = 25

var errNoSlices = errors.New("no video slices in file")

// FileDevice serves camera media from <Dir>/<cameraID>.h264, looped forever.
type FileDevice struct {
	Dir       string
	FrameRate int
	Logger    logging.LeveledLogger
}

var _ domain.MediaDevice = FileDevice{}

func (d FileDevice) Open(cameraID string) (domain.LocalMedia, error) {
	path := filepath.Join(d.Dir, filepath.Base(cameraID)+".h264")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000},
		"video",
		"camstream-"+cameraID,
	)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	fps := d.FrameRate
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	log := d.Logger
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("webrtc")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &FileSource{
		path:   path,
		track:  track,
		frame:  time.Second / time.Duration(fps),
		log:    log,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// FileSource plays an Annex-B H264 file into a sample track.
type FileSource struct {
	path  string
	track *pion.TrackLocalStaticSample
	frame time.Duration
	log   logging.LeveledLogger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *FileSource) Tracks() []pion.TrackLocal {
	return []pion.TrackLocal{s.track}
}

// Close stops playback and waits for the loop to exit.
func (s *FileSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.log.Debugf("stopped playing %s", s.path)
	})
	return nil
}

func (s *FileSource) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()

	for ctx.Err() == nil {
		if err := s.playOnce(ctx, ticker); err != nil {
			s.log.Errorf("play %s: %v", s.path, err)
			return
		}
	}
}

// playOnce writes the file's NAL units until EOF, pacing slices to the ticker.
func (s *FileSource) playOnce(ctx context.Context, ticker *time.Ticker) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := h264reader.NewReader(f)
	if err != nil {
		return err
	}

	slices := 0
	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			if slices == 0 {
				return errNoSlices
			}
			return nil
		}
		if err != nil {
			return err
		}

		if isSlice(nal.UnitType) {
			slices++
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		if err := s.track.WriteSample(media.Sample{Data: nal.Data, Duration: s.frame}); err != nil {
			s.log.Debugf("write sample: %v", err)
		}
	}
}

func isSlice(t h264reader.NalUnitType) bool {
	return t == h264reader.NalUnitTypeCodedSliceNonIdr || t == h264reader.NalUnitTypeCodedSliceIdr
}
